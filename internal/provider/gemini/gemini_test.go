package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xynenyx/llm-service/internal/provider"
)

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-1.5-flash:generateContent") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}

		resp := geminiResponse{
			Candidates: []geminiCandidate{
				{
					Content: geminiContent{
						Role:  "model",
						Parts: []geminiPart{{Text: "Hello from Gemini mock!"}},
					},
					FinishReason: "STOP",
				},
			},
			UsageMetadata: &geminiUsageMetadata{PromptTokenCount: 8, CandidatesTokenCount: 12},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := &GeminiProvider{apiKey: "test-key", baseURL: server.URL, enabled: true}

	resp, err := p.Complete(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from Gemini mock!" {
		t.Errorf("Expected 'Hello from Gemini mock!', got %s", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("Expected lowered finish reason 'stop', got %s", resp.FinishReason)
	}
	if resp.Usage.PromptTokens != 8 || resp.Usage.CompletionTokens != 12 {
		t.Errorf("Expected usage 8/12, got %d/%d", resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
}

func TestComplete_EstimatesUsageWhenOmitted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := geminiResponse{
			Candidates: []geminiCandidate{
				{Content: geminiContent{Parts: []geminiPart{{Text: "abcdefgh"}}}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := &GeminiProvider{apiKey: "test-key", baseURL: server.URL, enabled: true}

	resp, err := p.Complete(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "12345678"}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if !resp.Usage.Estimated {
		t.Error("Usage should be marked estimated")
	}
	if resp.Usage.TotalTokens != 4 {
		t.Errorf("Expected 4 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestComplete_RoleMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req geminiRequest
		json.NewDecoder(r.Body).Decode(&req)

		if len(req.Contents) != 2 {
			t.Fatalf("Expected 2 contents, got %d", len(req.Contents))
		}
		if req.Contents[0].Role != "user" {
			t.Errorf("Expected role user, got %s", req.Contents[0].Role)
		}
		if req.Contents[1].Role != "model" {
			t.Errorf("Expected assistant mapped to model, got %s", req.Contents[1].Role)
		}

		json.NewEncoder(w).Encode(geminiResponse{
			Candidates: []geminiCandidate{
				{Content: geminiContent{Parts: []geminiPart{{Text: "ok"}}}},
			},
		})
	}))
	defer server.Close()

	p := &GeminiProvider{apiKey: "test-key", baseURL: server.URL, enabled: true}

	_, err := p.Complete(context.Background(), &provider.Request{
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		for _, delta := range []string{"Hello", " from", " Gemini!"} {
			resp := geminiResponse{
				Candidates: []geminiCandidate{
					{Content: geminiContent{Parts: []geminiPart{{Text: delta}}}},
				},
			}
			data, _ := json.Marshal(resp)
			fmt.Fprintf(w, "data: %s\n\n", string(data))
		}

		usage, _ := json.Marshal(geminiResponse{
			UsageMetadata: &geminiUsageMetadata{PromptTokenCount: 6, CandidatesTokenCount: 5},
		})
		fmt.Fprintf(w, "data: %s\n\n", string(usage))
	}))
	defer server.Close()

	p := &GeminiProvider{apiKey: "test-key", baseURL: server.URL, enabled: true}

	ch, err := p.CompleteStream(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	var content string
	var final *provider.Usage
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("Received error from chunk: %v", chunk.Err)
		}
		if chunk.Done {
			final = chunk.Usage
			continue
		}
		content += chunk.Delta
	}

	if content != "Hello from Gemini!" {
		t.Errorf("Expected 'Hello from Gemini!', got %s", content)
	}
	if final == nil {
		t.Fatal("Expected a Done chunk with usage")
	}
	if final.PromptTokens != 6 || final.CompletionTokens != 5 {
		t.Errorf("Expected usage 6/5, got %d/%d", final.PromptTokens, final.CompletionTokens)
	}
}

func TestCompleteStream_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"model overloaded"}}`)
	}))
	defer server.Close()

	p := &GeminiProvider{apiKey: "test-key", baseURL: server.URL, enabled: true}

	ch, err := p.CompleteStream(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	var streamErr error
	for chunk := range ch {
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
	}
	if streamErr == nil {
		t.Fatal("Expected an error chunk")
	}
	if provider.KindOf(streamErr) != provider.KindUpstreamUnavailable {
		t.Errorf("Expected upstream_unavailable, got %s", provider.KindOf(streamErr))
	}
}

func TestEmbed_Unsupported(t *testing.T) {
	p := New("key", true)
	_, err := p.Embed(context.Background(), &provider.EmbeddingRequest{Text: "hello"})
	if err == nil {
		t.Fatal("Expected error")
	}
	if provider.KindOf(err) != provider.KindInvalidRequest {
		t.Errorf("Expected invalid_request, got %s", provider.KindOf(err))
	}
}

func TestDescribe(t *testing.T) {
	p := New("key", true)
	desc := p.Describe()
	if desc.ID != "gemini" {
		t.Errorf("Expected 'gemini', got %s", desc.ID)
	}
	if desc.DefaultModel != defaultModel {
		t.Errorf("Expected default model %s, got %s", defaultModel, desc.DefaultModel)
	}
}
