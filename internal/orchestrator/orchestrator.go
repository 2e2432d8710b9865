// Package orchestrator executes the completion pipeline: resolve a provider,
// invoke it within a timeout, normalize the outcome, and record usage exactly
// once per billable attempt.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/xynenyx/llm-service/internal/cache"
	"github.com/xynenyx/llm-service/internal/metrics"
	"github.com/xynenyx/llm-service/internal/provider"
	"github.com/xynenyx/llm-service/internal/registry"
	"github.com/xynenyx/llm-service/internal/usage"
)

const (
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusCancelled = "cancelled"
)

type Options struct {
	// Cache is optional; nil disables completion caching.
	Cache          *cache.CompletionCache
	RequestTimeout time.Duration
	StreamTimeout  time.Duration
	Tracer         trace.Tracer
	Logger         *slog.Logger
}

type Orchestrator struct {
	registry *registry.Registry
	recorder *usage.Recorder
	cache    *cache.CompletionCache
	timeout  time.Duration
	streamTO time.Duration
	tracer   trace.Tracer
	log      *slog.Logger
}

func New(reg *registry.Registry, rec *usage.Recorder, opts Options) *Orchestrator {
	o := &Orchestrator{
		registry: reg,
		recorder: rec,
		cache:    opts.Cache,
		timeout:  opts.RequestTimeout,
		streamTO: opts.StreamTimeout,
		tracer:   opts.Tracer,
		log:      opts.Logger,
	}
	if o.timeout == 0 {
		o.timeout = 60 * time.Second
	}
	if o.streamTO == 0 {
		o.streamTO = 300 * time.Second
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer("orchestrator")
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o
}

// Complete runs a synchronous completion. Every attempted upstream call
// produces exactly one usage record, success or failure. Router-level
// failures (unknown/disabled provider, validation) precede the attempt and
// record nothing.
func (o *Orchestrator) Complete(ctx context.Context, providerID string, req *provider.Request) (*provider.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, provider.Errorf(providerID, provider.KindInvalidRequest, "%v", err)
	}

	p, err := o.registry.Resolve(providerID)
	if err != nil {
		return nil, err
	}
	desc := p.Describe()

	ctx, span := o.tracer.Start(ctx, "orchestrator.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", desc.ID),
		attribute.String("model", req.Model),
		attribute.String("user_id", req.UserID),
	)

	if o.cache != nil {
		if resp, ok := o.cache.Get(ctx, desc.ID, req); ok {
			metrics.CacheHitsTotal.Inc()
			return resp, nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := p.Complete(callCtx, req)
	if err != nil {
		perr := provider.FromTransport(desc.ID, err)
		o.recordFailure(desc, req.UserID, req.RequestID, o.modelFor(desc, req.Model), provider.Usage{}, perr.Kind, statusFailed)
		metrics.CompletionsTotal.WithLabelValues(desc.ID, "sync", statusFailed).Inc()
		return nil, perr
	}

	o.recordSuccess(desc, req.UserID, req.RequestID, resp.Model, resp.Usage)
	metrics.CompletionsTotal.WithLabelValues(desc.ID, "sync", statusCompleted).Inc()

	if o.cache != nil {
		o.cache.Set(ctx, desc.ID, req, resp)
	}
	return resp, nil
}

// CompleteStream runs a streaming completion. Delta chunks are forwarded in
// arrival order with no buffering beyond one event. The terminal state
// (Done, Error, or caller cancellation) records usage exactly once;
// cancellation persists partial usage best-effort and never raises.
func (o *Orchestrator) CompleteStream(ctx context.Context, providerID string, req *provider.Request) (<-chan *provider.Chunk, error) {
	if err := req.Validate(); err != nil {
		return nil, provider.Errorf(providerID, provider.KindInvalidRequest, "%v", err)
	}

	p, err := o.registry.Resolve(providerID)
	if err != nil {
		return nil, err
	}
	desc := p.Describe()
	if !desc.SupportsStreaming {
		return nil, provider.Errorf(desc.ID, provider.KindInvalidRequest, "streaming is not supported")
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.complete_stream")
	span.SetAttributes(
		attribute.String("provider", desc.ID),
		attribute.String("model", req.Model),
		attribute.String("user_id", req.UserID),
	)

	callCtx, cancel := context.WithTimeout(ctx, o.streamTO)

	src, err := p.CompleteStream(callCtx, req)
	if err != nil {
		cancel()
		span.End()
		perr := provider.FromTransport(desc.ID, err)
		o.recordFailure(desc, req.UserID, req.RequestID, o.modelFor(desc, req.Model), provider.Usage{}, perr.Kind, statusFailed)
		metrics.CompletionsTotal.WithLabelValues(desc.ID, "stream", statusFailed).Inc()
		return nil, perr
	}

	out := make(chan *provider.Chunk)
	go o.forward(ctx, callCtx, cancel, span, desc, req, src, out)
	return out, nil
}

// forward drains the adapter stream into out, owning the single usage record
// for this attempt. Cancelling callCtx releases the adapter call.
func (o *Orchestrator) forward(ctx, callCtx context.Context, cancel context.CancelFunc, span trace.Span, desc provider.Descriptor, req *provider.Request, src <-chan *provider.Chunk, out chan<- *provider.Chunk) {
	defer span.End()
	defer cancel()
	defer close(out)

	var text strings.Builder
	recorded := false
	model := o.modelFor(desc, req.Model)

	record := func(u provider.Usage, kind provider.ErrorKind, status string) {
		if recorded {
			return
		}
		recorded = true
		if status == statusCompleted {
			o.recordSuccess(desc, req.UserID, req.RequestID, model, u)
		} else {
			o.recordFailure(desc, req.UserID, req.RequestID, model, u, kind, status)
		}
		metrics.CompletionsTotal.WithLabelValues(desc.ID, "stream", status).Inc()
	}

	// Partial usage for early termination: the upstream never reported, so
	// estimate from what was actually forwarded.
	partial := func() provider.Usage {
		u := provider.Usage{
			PromptTokens:     provider.EstimatePromptTokens(req.Messages),
			CompletionTokens: provider.EstimateTokens(text.String()),
			Estimated:        true,
		}
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		return u
	}

	for {
		select {
		case <-callCtx.Done():
			if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				// Stream timeout with the caller still connected.
				record(partial(), provider.KindTimeout, statusFailed)
				perr := provider.Errorf(desc.ID, provider.KindTimeout, "stream timed out")
				select {
				case out <- &provider.Chunk{Err: perr}:
				default:
				}
				return
			}
			// Caller disconnected or cancelled: persist partial usage
			// best-effort, stop consuming, say nothing.
			record(partial(), "", statusCancelled)
			return

		case chunk, ok := <-src:
			if !ok {
				// Adapter closed without a terminal chunk. Treat as done
				// with estimated usage so the attempt is still billed.
				u := partial()
				record(u, "", statusCompleted)
				select {
				case out <- &provider.Chunk{Done: true, Usage: &u}:
				case <-ctx.Done():
				}
				return
			}

			switch {
			case chunk.Err != nil:
				record(partial(), provider.KindOf(chunk.Err), statusFailed)
				select {
				case out <- chunk:
				case <-ctx.Done():
				}
				return

			case chunk.Done:
				u := partial()
				if chunk.Usage != nil {
					u = *chunk.Usage
				}
				record(u, "", statusCompleted)
				select {
				case out <- &provider.Chunk{Done: true, Usage: &u}:
				case <-ctx.Done():
				}
				return

			default:
				text.WriteString(chunk.Delta)
				select {
				case out <- chunk:
				case <-callCtx.Done():
					record(partial(), "", statusCancelled)
					return
				}
			}
		}
	}
}

// Embed runs an embedding request through the same sync state machine.
func (o *Orchestrator) Embed(ctx context.Context, providerID string, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, provider.Errorf(providerID, provider.KindInvalidRequest, "%v", err)
	}

	p, err := o.registry.Resolve(providerID)
	if err != nil {
		return nil, err
	}
	desc := p.Describe()
	if !desc.SupportsEmbeddings {
		return nil, provider.Errorf(desc.ID, provider.KindInvalidRequest, "embeddings are not supported")
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.embed")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", desc.ID),
		attribute.String("user_id", req.UserID),
	)

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := p.Embed(callCtx, req)
	if err != nil {
		perr := provider.FromTransport(desc.ID, err)
		o.recordFailure(desc, req.UserID, req.RequestID, req.Model, provider.Usage{}, perr.Kind, statusFailed)
		metrics.CompletionsTotal.WithLabelValues(desc.ID, "embed", statusFailed).Inc()
		return nil, perr
	}

	o.recordSuccess(desc, req.UserID, req.RequestID, resp.Model, resp.Usage)
	metrics.CompletionsTotal.WithLabelValues(desc.ID, "embed", statusCompleted).Inc()
	return resp, nil
}

func (o *Orchestrator) modelFor(desc provider.Descriptor, requested string) string {
	if requested != "" {
		return requested
	}
	return desc.DefaultModel
}

func (o *Orchestrator) recordSuccess(desc provider.Descriptor, userID, requestID, model string, u provider.Usage) {
	metadata := map[string]string{"status": statusCompleted}
	if u.Estimated {
		metadata["usage_estimated"] = "true"
	}
	o.recorder.Record(&usage.Record{
		UserID:           userID,
		RequestID:        requestID,
		Provider:         desc.ID,
		Model:            model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		CostUSD:          costUSD(model, u),
		Metadata:         metadata,
	})
	metrics.TokensTotal.WithLabelValues(desc.ID, "prompt").Add(float64(u.PromptTokens))
	metrics.TokensTotal.WithLabelValues(desc.ID, "completion").Add(float64(u.CompletionTokens))
}

func (o *Orchestrator) recordFailure(desc provider.Descriptor, userID, requestID, model string, u provider.Usage, kind provider.ErrorKind, status string) {
	metadata := map[string]string{"status": status}
	if kind != "" {
		metadata["error_kind"] = string(kind)
	}
	if u.Estimated {
		metadata["usage_estimated"] = "true"
	}
	o.recorder.Record(&usage.Record{
		UserID:           userID,
		RequestID:        requestID,
		Provider:         desc.ID,
		Model:            model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		CostUSD:          costUSD(model, u),
		Metadata:         metadata,
	})
}
