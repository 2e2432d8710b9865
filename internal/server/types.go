package server

import (
	"time"

	"github.com/xynenyx/llm-service/internal/provider"
	"github.com/xynenyx/llm-service/internal/usage"
)

type completionRequest struct {
	Messages    []provider.Message `json:"messages"`
	Provider    string             `json:"provider,omitempty"`
	Model       string             `json:"model,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	ID           string         `json:"id"`
	Provider     string         `json:"provider"`
	Model        string         `json:"model"`
	Content      string         `json:"content"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Usage        provider.Usage `json:"usage"`
}

type embeddingRequest struct {
	Text     string `json:"text"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

type embeddingResponse struct {
	Provider  string         `json:"provider"`
	Model     string         `json:"model"`
	Embedding []float64      `json:"embedding"`
	Usage     provider.Usage `json:"usage"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// streamFrame is one SSE data frame: "token", "end" (with usage), or "error".
type streamFrame struct {
	Type    string          `json:"type"`
	Content string          `json:"content,omitempty"`
	Usage   *provider.Usage `json:"usage,omitempty"`
	Error   *errorBody      `json:"error,omitempty"`
}

type providerListResponse struct {
	Providers []provider.Descriptor `json:"providers"`
}

type usageResponse struct {
	UserID        string          `json:"user_id"`
	TotalRequests int             `json:"total_requests"`
	TotalCostUSD  float64         `json:"total_cost_usd"`
	Records       []*usage.Record `json:"records"`
	From          time.Time       `json:"from"`
	To            time.Time       `json:"to"`
}
