package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xynenyx/llm-service/internal/provider"
)

const (
	defaultModel     = "claude-3-5-haiku-20241022"
	defaultMaxTokens = 4096
	apiVersion       = "2023-06-01"
)

type AnthropicProvider struct {
	apiKey  string
	baseURL string
	enabled bool
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type    string          `json:"type"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func New(apiKey string, enabled bool) provider.Provider {
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
		enabled: enabled,
	}
}

func (p *AnthropicProvider) Describe() provider.Descriptor {
	return provider.Descriptor{
		ID:                 "anthropic",
		Name:               "Anthropic",
		SupportsStreaming:  true,
		SupportsEmbeddings: false,
		Enabled:            p.enabled,
		Models: []string{
			"claude-3-5-sonnet-20241022",
			"claude-3-5-haiku-20241022",
			"claude-3-opus-20240229",
			"claude-3-haiku-20240307",
		},
		DefaultModel: defaultModel,
	}
}

func (p *AnthropicProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	anthropicReq := p.mapRequest(req)
	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, provider.Errorf("anthropic", provider.KindInvalidRequest, "encode request: %v", err)
	}

	resp, err := p.post(ctx, body)
	if err != nil {
		return nil, provider.FromTransport("anthropic", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.Classify("anthropic", resp.StatusCode, respBody)
	}

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&anthropicResp); err != nil {
		return nil, provider.Errorf("anthropic", provider.KindUpstreamUnavailable, "decode response: %v", err)
	}

	if len(anthropicResp.Content) == 0 {
		return nil, provider.Errorf("anthropic", provider.KindUpstreamUnavailable, "upstream returned no content")
	}

	usage := provider.Usage{
		PromptTokens:     anthropicResp.Usage.InputTokens,
		CompletionTokens: anthropicResp.Usage.OutputTokens,
		TotalTokens:      anthropicResp.Usage.InputTokens + anthropicResp.Usage.OutputTokens,
	}

	return &provider.Response{
		ID:           anthropicResp.ID,
		Content:      anthropicResp.Content[0].Text,
		FinishReason: anthropicResp.StopReason,
		Usage:        usage,
		Model:        anthropicResp.Model,
		Provider:     "anthropic",
	}, nil
}

// mapRequest hoists system messages into the top-level system field, as the
// Anthropic API does not accept them inside the messages array.
func (p *AnthropicProvider) mapRequest(req *provider.Request) anthropicRequest {
	var system string
	var messages []anthropicMessage

	for _, m := range req.Messages {
		if m.Role == provider.RoleSystem {
			system = m.Content
			continue
		}
		role := "user"
		if m.Role == provider.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, anthropicMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	model := req.Model
	if model == "" {
		model = defaultModel
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  messages,
	}
}

func (p *AnthropicProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	anthropicReq := p.mapRequest(req)
	anthropicReq.Stream = true
	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, provider.Errorf("anthropic", provider.KindInvalidRequest, "encode request: %v", err)
	}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := p.post(ctx, body)
		if err != nil {
			emit(ctx, ch, &provider.Chunk{Err: provider.FromTransport("anthropic", err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			emit(ctx, ch, &provider.Chunk{Err: provider.Classify("anthropic", resp.StatusCode, respBody)})
			return
		}

		var text strings.Builder
		var usage anthropicUsage

		finish := func() {
			u := provider.Usage{
				PromptTokens:     usage.InputTokens,
				CompletionTokens: usage.OutputTokens,
			}
			if u.PromptTokens == 0 && u.CompletionTokens == 0 {
				u.PromptTokens = provider.EstimatePromptTokens(req.Messages)
				u.CompletionTokens = provider.EstimateTokens(text.String())
				u.Estimated = true
			}
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
			emit(ctx, ch, &provider.Chunk{Done: true, Usage: &u})
		}

		reader := bufio.NewReader(resp.Body)
		var currentEvent string

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					finish()
					return
				}
				emit(ctx, ch, &provider.Chunk{Err: provider.FromTransport("anthropic", err)})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "event: ") {
				currentEvent = strings.TrimPrefix(line, "event: ")
				continue
			}

			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}

			switch currentEvent {
			case "message_start":
				if event.Message != nil {
					usage.InputTokens = event.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if event.Delta != nil && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					text.WriteString(event.Delta.Text)
					if !emit(ctx, ch, &provider.Chunk{Delta: event.Delta.Text}) {
						return
					}
				}
			case "message_delta":
				if event.Usage != nil {
					usage.OutputTokens = event.Usage.OutputTokens
				}
			case "message_stop":
				finish()
				return
			case "error":
				if event.Error != nil {
					emit(ctx, ch, &provider.Chunk{Err: provider.Errorf("anthropic", provider.KindUpstreamUnavailable, "stream error: %s", event.Error.Message)})
					return
				}
			}
		}
	}()

	return ch, nil
}

func (p *AnthropicProvider) Embed(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	return nil, provider.Errorf("anthropic", provider.KindInvalidRequest, "embeddings are not supported")
}

func (p *AnthropicProvider) post(ctx context.Context, body []byte) (*http.Response, error) {
	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	return http.DefaultClient.Do(httpReq)
}

func emit(ctx context.Context, ch chan<- *provider.Chunk, c *provider.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
