package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xynenyx/llm-service/internal/provider"
	"github.com/xynenyx/llm-service/internal/registry"
	"github.com/xynenyx/llm-service/internal/usage"
)

type mockStore struct {
	mu       sync.Mutex
	inserted []*usage.Record
}

func (m *mockStore) Insert(ctx context.Context, rec *usage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, rec)
	return nil
}

func (m *mockStore) ListByUser(ctx context.Context, userID string, from, to time.Time) ([]*usage.Record, error) {
	return nil, nil
}

func (m *mockStore) TotalCostByUser(ctx context.Context, userID string, from, to time.Time) (float64, error) {
	return 0, nil
}

func (m *mockStore) records() []*usage.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*usage.Record, len(m.inserted))
	copy(out, m.inserted)
	return out
}

type mockProvider struct {
	desc     provider.Descriptor
	complete func(ctx context.Context, req *provider.Request) (*provider.Response, error)
	stream   func(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error)
	embed    func(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error)
}

func (m *mockProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return m.complete(ctx, req)
}

func (m *mockProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	return m.stream(ctx, req)
}

func (m *mockProvider) Embed(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	return m.embed(ctx, req)
}

func (m *mockProvider) Describe() provider.Descriptor {
	return m.desc
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, p provider.Provider, opts Options) (*Orchestrator, *mockStore, *usage.Recorder) {
	t.Helper()

	reg, err := registry.New(p.Describe().ID, p)
	if err != nil {
		t.Fatalf("registry.New failed: %v", err)
	}

	store := &mockStore{}
	rec := usage.NewRecorder(store, discard())
	if opts.Logger == nil {
		opts.Logger = discard()
	}
	return New(reg, rec, opts), store, rec
}

func syncMock(resp *provider.Response, err error) *mockProvider {
	return &mockProvider{
		desc: provider.Descriptor{
			ID:                "mock",
			Name:              "Mock",
			Enabled:           true,
			SupportsStreaming: true,
			DefaultModel:      "gpt-4o-mini",
		},
		complete: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
			return resp, err
		},
	}
}

func validRequest() *provider.Request {
	return &provider.Request{
		Messages:  []provider.Message{{Role: "user", Content: "hi"}},
		UserID:    "u1",
		RequestID: "r1",
	}
}

func TestComplete_RecordsSuccessOnce(t *testing.T) {
	p := syncMock(&provider.Response{
		ID:      "id-1",
		Content: "hello",
		Model:   "gpt-4o-mini",
		Usage:   provider.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}, nil)
	orch, store, rec := newTestOrchestrator(t, p, Options{})

	resp, err := orch.Complete(context.Background(), "mock", validRequest())
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Unexpected content %q", resp.Content)
	}

	rec.Close()
	records := store.records()
	if len(records) != 1 {
		t.Fatalf("Expected exactly 1 usage record, got %d", len(records))
	}

	got := records[0]
	if got.UserID != "u1" || got.RequestID != "r1" {
		t.Errorf("Attribution lost: %+v", got)
	}
	if got.TotalTokens != 30 {
		t.Errorf("Expected 30 total tokens, got %d", got.TotalTokens)
	}
	if got.CostUSD <= 0 {
		t.Errorf("Expected positive cost for known model, got %v", got.CostUSD)
	}
	if got.Metadata["status"] != "completed" {
		t.Errorf("Expected status completed, got %q", got.Metadata["status"])
	}
}

func TestComplete_RecordsFailureOnce(t *testing.T) {
	p := syncMock(nil, provider.Errorf("mock", provider.KindRateLimited, "slow down"))
	orch, store, rec := newTestOrchestrator(t, p, Options{})

	_, err := orch.Complete(context.Background(), "mock", validRequest())
	if err == nil {
		t.Fatal("Expected error")
	}
	if provider.KindOf(err) != provider.KindRateLimited {
		t.Errorf("Expected rate_limited, got %s", provider.KindOf(err))
	}

	rec.Close()
	records := store.records()
	if len(records) != 1 {
		t.Fatalf("Expected exactly 1 usage record, got %d", len(records))
	}
	if records[0].Metadata["status"] != "failed" {
		t.Errorf("Expected status failed, got %q", records[0].Metadata["status"])
	}
	if records[0].Metadata["error_kind"] != "rate_limited" {
		t.Errorf("Expected error_kind rate_limited, got %q", records[0].Metadata["error_kind"])
	}
	if records[0].TotalTokens != 0 {
		t.Errorf("Failed attempt should carry zero tokens, got %d", records[0].TotalTokens)
	}
}

func TestComplete_TimeoutKind(t *testing.T) {
	p := syncMock(nil, nil)
	p.complete = func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	orch, store, rec := newTestOrchestrator(t, p, Options{RequestTimeout: 20 * time.Millisecond})

	_, err := orch.Complete(context.Background(), "mock", validRequest())
	if provider.KindOf(err) != provider.KindTimeout {
		t.Errorf("Expected timeout, got %v", err)
	}

	rec.Close()
	records := store.records()
	if len(records) != 1 {
		t.Fatalf("Expected exactly 1 usage record, got %d", len(records))
	}
	if records[0].Metadata["error_kind"] != "timeout" {
		t.Errorf("Expected error_kind timeout, got %q", records[0].Metadata["error_kind"])
	}
}

func TestComplete_ValidationRecordsNothing(t *testing.T) {
	p := syncMock(&provider.Response{}, nil)
	orch, store, rec := newTestOrchestrator(t, p, Options{})

	_, err := orch.Complete(context.Background(), "mock", &provider.Request{UserID: "u1"})
	if provider.KindOf(err) != provider.KindInvalidRequest {
		t.Errorf("Expected invalid_request, got %v", err)
	}

	rec.Close()
	if n := len(store.records()); n != 0 {
		t.Errorf("Validation failure should record nothing, got %d records", n)
	}
}

func TestComplete_UnknownProviderRecordsNothing(t *testing.T) {
	p := syncMock(&provider.Response{}, nil)
	orch, store, rec := newTestOrchestrator(t, p, Options{})

	_, err := orch.Complete(context.Background(), "mistral", validRequest())
	if !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	rec.Close()
	if n := len(store.records()); n != 0 {
		t.Errorf("Router failure should record nothing, got %d records", n)
	}
}

func TestCompleteStream_ForwardsAndRecordsOnce(t *testing.T) {
	p := syncMock(nil, nil)
	p.stream = func(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
		ch := make(chan *provider.Chunk)
		go func() {
			defer close(ch)
			ch <- &provider.Chunk{Delta: "Hello"}
			ch <- &provider.Chunk{Delta: " world"}
			ch <- &provider.Chunk{Done: true, Usage: &provider.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8}}
		}()
		return ch, nil
	}
	orch, store, rec := newTestOrchestrator(t, p, Options{})

	out, err := orch.CompleteStream(context.Background(), "mock", validRequest())
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	var content string
	var final *provider.Usage
	for chunk := range out {
		if chunk.Err != nil {
			t.Fatalf("Unexpected error chunk: %v", chunk.Err)
		}
		if chunk.Done {
			final = chunk.Usage
			continue
		}
		content += chunk.Delta
	}

	if content != "Hello world" {
		t.Errorf("Expected 'Hello world', got %q", content)
	}
	if final == nil || final.TotalTokens != 8 {
		t.Errorf("Expected final usage 8 tokens, got %+v", final)
	}

	rec.Close()
	records := store.records()
	if len(records) != 1 {
		t.Fatalf("Expected exactly 1 usage record, got %d", len(records))
	}
	if records[0].Metadata["status"] != "completed" {
		t.Errorf("Expected status completed, got %q", records[0].Metadata["status"])
	}
	if records[0].TotalTokens != 8 {
		t.Errorf("Expected 8 total tokens, got %d", records[0].TotalTokens)
	}
}

func TestCompleteStream_ErrorChunkRecordsFailure(t *testing.T) {
	p := syncMock(nil, nil)
	p.stream = func(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
		ch := make(chan *provider.Chunk)
		go func() {
			defer close(ch)
			ch <- &provider.Chunk{Delta: "partial"}
			ch <- &provider.Chunk{Err: provider.Errorf("mock", provider.KindUpstreamUnavailable, "connection reset")}
		}()
		return ch, nil
	}
	orch, store, rec := newTestOrchestrator(t, p, Options{})

	out, err := orch.CompleteStream(context.Background(), "mock", validRequest())
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	var streamErr error
	for chunk := range out {
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
	}
	if streamErr == nil {
		t.Fatal("Expected an error chunk")
	}

	rec.Close()
	records := store.records()
	if len(records) != 1 {
		t.Fatalf("Expected exactly 1 usage record, got %d", len(records))
	}
	if records[0].Metadata["status"] != "failed" {
		t.Errorf("Expected status failed, got %q", records[0].Metadata["status"])
	}
	if records[0].Metadata["error_kind"] != "upstream_unavailable" {
		t.Errorf("Expected error_kind upstream_unavailable, got %q", records[0].Metadata["error_kind"])
	}
	// Partial output is still billed via the estimate.
	if records[0].Metadata["usage_estimated"] != "true" {
		t.Errorf("Expected estimated usage on partial failure, got %+v", records[0].Metadata)
	}
}

func TestCompleteStream_CancelRecordsCancelledOnce(t *testing.T) {
	p := syncMock(nil, nil)
	p.stream = func(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
		ch := make(chan *provider.Chunk)
		go func() {
			ch <- &provider.Chunk{Delta: "one"}
			ch <- &provider.Chunk{Delta: "two"}
			<-ctx.Done()
		}()
		return ch, nil
	}
	orch, store, rec := newTestOrchestrator(t, p, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, err := orch.CompleteStream(ctx, "mock", validRequest())
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	seen := 0
	for chunk := range out {
		if chunk.Err != nil {
			t.Fatalf("Cancellation must not surface an error, got %v", chunk.Err)
		}
		seen++
		if seen == 2 {
			cancel()
		}
	}

	rec.Close()
	records := store.records()
	if len(records) != 1 {
		t.Fatalf("Expected exactly 1 usage record, got %d", len(records))
	}
	if records[0].Metadata["status"] != "cancelled" {
		t.Errorf("Expected status cancelled, got %q", records[0].Metadata["status"])
	}
	if records[0].Metadata["usage_estimated"] != "true" {
		t.Errorf("Partial usage should be estimated, got %+v", records[0].Metadata)
	}
}

func TestCompleteStream_TimeoutRecordsFailure(t *testing.T) {
	p := syncMock(nil, nil)
	p.stream = func(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
		ch := make(chan *provider.Chunk)
		go func() {
			ch <- &provider.Chunk{Delta: "stuck"}
			<-ctx.Done()
		}()
		return ch, nil
	}
	orch, store, rec := newTestOrchestrator(t, p, Options{StreamTimeout: 50 * time.Millisecond})

	out, err := orch.CompleteStream(context.Background(), "mock", validRequest())
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	for chunk := range out {
		if chunk.Err != nil && provider.KindOf(chunk.Err) != provider.KindTimeout {
			t.Errorf("Expected timeout error chunk, got %v", chunk.Err)
		}
	}

	rec.Close()
	records := store.records()
	if len(records) != 1 {
		t.Fatalf("Expected exactly 1 usage record, got %d", len(records))
	}
	if records[0].Metadata["status"] != "failed" {
		t.Errorf("Expected status failed, got %q", records[0].Metadata["status"])
	}
	if records[0].Metadata["error_kind"] != "timeout" {
		t.Errorf("Expected error_kind timeout, got %q", records[0].Metadata["error_kind"])
	}
}

func TestCompleteStream_UnsupportedRecordsNothing(t *testing.T) {
	p := syncMock(&provider.Response{}, nil)
	p.desc.SupportsStreaming = false
	orch, store, rec := newTestOrchestrator(t, p, Options{})

	_, err := orch.CompleteStream(context.Background(), "mock", validRequest())
	if provider.KindOf(err) != provider.KindInvalidRequest {
		t.Errorf("Expected invalid_request, got %v", err)
	}

	rec.Close()
	if n := len(store.records()); n != 0 {
		t.Errorf("Capability mismatch should record nothing, got %d records", n)
	}
}

func TestEmbed_RecordsOnce(t *testing.T) {
	p := syncMock(nil, nil)
	p.desc.SupportsEmbeddings = true
	p.embed = func(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
		return &provider.EmbeddingResponse{
			Embedding: []float64{0.1, 0.2},
			Model:     "text-embedding-ada-002",
			Provider:  "mock",
			Usage:     provider.Usage{PromptTokens: 4, TotalTokens: 4},
		}, nil
	}
	orch, store, rec := newTestOrchestrator(t, p, Options{})

	resp, err := orch.Embed(context.Background(), "mock", &provider.EmbeddingRequest{Text: "hello", UserID: "u1"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(resp.Embedding) != 2 {
		t.Errorf("Expected 2 dimensions, got %d", len(resp.Embedding))
	}

	rec.Close()
	records := store.records()
	if len(records) != 1 {
		t.Fatalf("Expected exactly 1 usage record, got %d", len(records))
	}
	if records[0].TotalTokens != 4 {
		t.Errorf("Expected 4 total tokens, got %d", records[0].TotalTokens)
	}
}

func TestEmbed_UnsupportedRecordsNothing(t *testing.T) {
	p := syncMock(&provider.Response{}, nil)
	orch, store, rec := newTestOrchestrator(t, p, Options{})

	_, err := orch.Embed(context.Background(), "mock", &provider.EmbeddingRequest{Text: "hello"})
	if provider.KindOf(err) != provider.KindInvalidRequest {
		t.Errorf("Expected invalid_request, got %v", err)
	}

	rec.Close()
	if n := len(store.records()); n != 0 {
		t.Errorf("Capability mismatch should record nothing, got %d records", n)
	}
}

func TestCostUSD(t *testing.T) {
	u := provider.Usage{PromptTokens: 1000, CompletionTokens: 1000}
	if got := costUSD("gpt-4o-mini", u); got <= 0 {
		t.Errorf("Expected positive cost for gpt-4o-mini, got %v", got)
	}
	if got := costUSD("some-unknown-model", u); got != 0 {
		t.Errorf("Expected zero cost for unknown model, got %v", got)
	}
}
