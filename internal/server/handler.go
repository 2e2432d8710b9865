package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xynenyx/llm-service/internal/identity"
	"github.com/xynenyx/llm-service/internal/orchestrator"
	"github.com/xynenyx/llm-service/internal/provider"
	"github.com/xynenyx/llm-service/internal/registry"
	"github.com/xynenyx/llm-service/internal/usage"
)

// ReadyCheck verifies one external dependency for the readiness probe.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Handler struct {
	orch       *orchestrator.Orchestrator
	registry   *registry.Registry
	usageStore usage.Store
	log        *slog.Logger
	checks     []ReadyCheck
}

func NewHandler(orch *orchestrator.Orchestrator, reg *registry.Registry, store usage.Store, log *slog.Logger, checks ...ReadyCheck) *Handler {
	return &Handler{
		orch:       orch,
		registry:   reg,
		usageStore: store,
		log:        log,
		checks:     checks,
	}
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	userID, body, ok := h.prepare(w, r)
	if !ok {
		return
	}

	req := &provider.Request{
		Model:       body.Model,
		Messages:    body.Messages,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		UserID:      userID,
		RequestID:   identity.RequestID(r.Context()),
	}

	resp, err := h.orch.Complete(r.Context(), body.Provider, req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, completionResponse{
		ID:           resp.ID,
		Provider:     resp.Provider,
		Model:        resp.Model,
		Content:      resp.Content,
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
	})
}

func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	userID, body, ok := h.prepare(w, r)
	if !ok {
		return
	}

	req := &provider.Request{
		Model:       body.Model,
		Messages:    body.Messages,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		UserID:      userID,
		RequestID:   identity.RequestID(r.Context()),
	}

	ch, err := h.orch.CompleteStream(r.Context(), body.Provider, req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range ch {
		switch {
		case chunk.Err != nil:
			writeFrame(w, streamFrame{
				Type:  "error",
				Error: &errorBody{Kind: string(provider.KindOf(chunk.Err)), Message: chunk.Err.Error()},
			})
			flusher.Flush()
			return

		case chunk.Done:
			writeFrame(w, streamFrame{Type: "end", Usage: chunk.Usage})
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return

		default:
			writeFrame(w, streamFrame{Type: "token", Content: chunk.Delta})
			flusher.Flush()
		}
	}
}

func (h *Handler) HandleEmbeddings(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserID(r.Context())
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{errorBody{Kind: "invalid_request", Message: "X-User-ID header required"}})
		return
	}

	var body embeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{errorBody{Kind: "invalid_request", Message: "invalid request body"}})
		return
	}

	resp, err := h.orch.Embed(r.Context(), body.Provider, &provider.EmbeddingRequest{
		Text:      body.Text,
		Model:     body.Model,
		UserID:    userID,
		RequestID: identity.RequestID(r.Context()),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, embeddingResponse{
		Provider:  resp.Provider,
		Model:     resp.Model,
		Embedding: resp.Embedding,
		Usage:     resp.Usage,
	})
}

func (h *Handler) HandleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, providerListResponse{Providers: h.registry.List()})
}

func (h *Handler) HandleGetProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	desc, err := h.registry.Get(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{errorBody{Kind: "provider_not_found", Message: err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserID(ctx)
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{errorBody{Kind: "invalid_request", Message: "X-User-ID header required"}})
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{errorBody{Kind: "invalid_request", Message: "invalid 'from' date format (use RFC3339)"}})
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{errorBody{Kind: "invalid_request", Message: "invalid 'to' date format (use RFC3339)"}})
			return
		}
		to = t
	}

	records, err := h.usageStore.ListByUser(ctx, userID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{errorBody{Kind: "internal", Message: err.Error()}})
		return
	}
	totalCost, err := h.usageStore.TotalCostByUser(ctx, userID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{errorBody{Kind: "internal", Message: err.Error()}})
		return
	}

	writeJSON(w, http.StatusOK, usageResponse{
		UserID:        userID,
		TotalRequests: len(records),
		TotalCostUSD:  totalCost,
		Records:       records,
		From:          from,
		To:            to,
	})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "llm-service"})
}

func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	ready := true
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			checks[c.Name] = fmt.Sprintf("error: %v", err)
			ready = false
			continue
		}
		checks[c.Name] = "ready"
	}

	status := http.StatusOK
	text := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		text = "not ready"
	}
	writeJSON(w, status, map[string]any{"status": text, "checks": checks})
}

// prepare handles the shared preamble of the completion endpoints:
// attribution header and body decoding.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (string, *completionRequest, bool) {
	userID := identity.UserID(r.Context())
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{errorBody{Kind: "invalid_request", Message: "X-User-ID header required"}})
		return "", nil, false
	}

	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{errorBody{Kind: "invalid_request", Message: "invalid request body"}})
		return "", nil, false
	}

	return userID, &body, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, kind := http.StatusInternalServerError, "internal"

	switch {
	case errors.Is(err, registry.ErrNotFound):
		status, kind = http.StatusNotFound, "provider_not_found"
	case errors.Is(err, registry.ErrDisabled):
		status, kind = http.StatusForbidden, "provider_disabled"
	default:
		var pe *provider.Error
		if errors.As(err, &pe) {
			kind = string(pe.Kind)
			switch pe.Kind {
			case provider.KindRateLimited:
				status = http.StatusTooManyRequests
			case provider.KindInvalidRequest:
				status = http.StatusBadRequest
			case provider.KindTimeout:
				status = http.StatusGatewayTimeout
			case provider.KindUpstreamUnavailable, provider.KindUnknown:
				status = http.StatusBadGateway
			}
		}
	}

	writeJSON(w, status, errorResponse{errorBody{Kind: kind, Message: err.Error()}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFrame(w http.ResponseWriter, frame streamFrame) {
	data, _ := json.Marshal(frame)
	fmt.Fprintf(w, "data: %s\n\n", data)
}
