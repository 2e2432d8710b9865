package provider

import (
	"context"
	"errors"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// Metadata for usage attribution
	UserID    string
	RequestID string
}

// Validate checks the invariants every adapter may assume: a non-empty
// message sequence with well-formed roles.
func (r *Request) Validate() error {
	if len(r.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("message %d: invalid role %q", i, m.Role)
		}
	}
	return nil
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	// Estimated is true when the upstream omitted usage data and the
	// counts were derived with EstimateTokens.
	Estimated bool `json:"-"`
}

type Response struct {
	ID           string
	Content      string
	FinishReason string
	Usage        Usage
	Model        string
	Provider     string
}

// Chunk is one event of a streaming completion. A stream emits zero or more
// delta chunks followed by exactly one terminal chunk: either Done (carrying
// the final usage triple) or Err. Nothing is emitted after the terminal chunk.
type Chunk struct {
	Delta string
	Done  bool
	Usage *Usage // set on Done chunks
	Err   error
}

type EmbeddingRequest struct {
	Text  string
	Model string
	// Metadata for usage attribution
	UserID    string
	RequestID string
}

func (r *EmbeddingRequest) Validate() error {
	if r.Text == "" {
		return errors.New("text must not be empty")
	}
	return nil
}

type EmbeddingResponse struct {
	Embedding []float64
	Usage     Usage
	Model     string
	Provider  string
}

// Descriptor describes an adapter's identity and capabilities. Descriptors
// are built at construction time and never change for the process lifetime.
type Descriptor struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	SupportsStreaming   bool     `json:"supports_streaming"`
	SupportsEmbeddings  bool     `json:"supports_embeddings"`
	Enabled             bool     `json:"enabled"`
	Models              []string `json:"models"`
	EmbeddingDimensions int      `json:"embedding_dimensions,omitempty"`
	DefaultModel        string   `json:"default_model,omitempty"`
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	// CompleteStream returns a fresh, finite, single-consumption sequence of
	// chunks. The producer stops when ctx is cancelled.
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
	// Describe performs no I/O.
	Describe() Descriptor
}

// EstimateTokens deterministically approximates the token count of text at
// one token per four bytes, rounded up. Used whenever an upstream omits
// usage data, so usage triples are never absent.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// EstimatePromptTokens sums EstimateTokens over a message sequence.
func EstimatePromptTokens(messages []Message) int {
	var n int
	for _, m := range messages {
		n += EstimateTokens(m.Content)
	}
	return n
}
