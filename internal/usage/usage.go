// Package usage owns the write path for billing telemetry. Records are
// created once per billable attempt and never mutated; the backing store is
// append-only from this service's perspective.
package usage

import (
	"context"
	"time"
)

type Record struct {
	ID               string            `json:"id"`
	UserID           string            `json:"user_id"`
	RequestID        string            `json:"request_id"`
	Provider         string            `json:"provider"`
	Model            string            `json:"model"`
	PromptTokens     int               `json:"prompt_tokens"`
	CompletionTokens int               `json:"completion_tokens"`
	TotalTokens      int               `json:"total_tokens"`
	CostUSD          float64           `json:"cost_usd"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

type Store interface {
	Insert(ctx context.Context, rec *Record) error
	ListByUser(ctx context.Context, userID string, from, to time.Time) ([]*Record, error)
	TotalCostByUser(ctx context.Context, userID string, from, to time.Time) (float64, error)
}
