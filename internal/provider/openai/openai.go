package openai

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
	defaultModel          = "gpt-4o-mini"
	defaultEmbeddingModel = "text-embedding-ada-002"
	embeddingDimensions   = 1536
)

type OpenAIProvider struct {
	apiKey  string
	baseURL string
	enabled bool
}

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   float64         `json:"temperature,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	Delta        openAIDelta   `json:"delta"`
	FinishReason string        `json:"finish_reason"`
}

type openAIDelta struct {
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type embeddingAPIRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingAPIResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Model string       `json:"model"`
	Usage *openAIUsage `json:"usage"`
}

func New(apiKey string, enabled bool) provider.Provider {
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com/v1",
		enabled: enabled,
	}
}

func (p *OpenAIProvider) Describe() provider.Descriptor {
	return provider.Descriptor{
		ID:                 "openai",
		Name:               "OpenAI",
		SupportsStreaming:  true,
		SupportsEmbeddings: true,
		Enabled:            p.enabled,
		Models: []string{
			"gpt-4o",
			"gpt-4o-mini",
			"gpt-4-turbo",
			"gpt-4",
			"gpt-3.5-turbo",
			defaultEmbeddingModel,
		},
		EmbeddingDimensions: embeddingDimensions,
		DefaultModel:        defaultModel,
	}
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	openAIReq := p.mapRequest(req)
	body, err := json.Marshal(openAIReq)
	if err != nil {
		return nil, provider.Errorf("openai", provider.KindInvalidRequest, "encode request: %v", err)
	}

	resp, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, provider.FromTransport("openai", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.Classify("openai", resp.StatusCode, respBody)
	}

	var openAIResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		return nil, provider.Errorf("openai", provider.KindUpstreamUnavailable, "decode response: %v", err)
	}

	if len(openAIResp.Choices) == 0 {
		return nil, provider.Errorf("openai", provider.KindUpstreamUnavailable, "upstream returned no choices")
	}

	choice := openAIResp.Choices[0]
	return &provider.Response{
		ID:           openAIResp.ID,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        p.usageOrEstimate(openAIResp.Usage, req.Messages, choice.Message.Content),
		Model:        openAIResp.Model,
		Provider:     "openai",
	}, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openAIRequest {
	messages := make([]openAIMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openAIMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	model := req.Model
	if model == "" {
		model = defaultModel
	}

	return openAIRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

// usageOrEstimate keeps upstream token accounting verbatim when present and
// falls back to the deterministic estimate otherwise.
func (p *OpenAIProvider) usageOrEstimate(u *openAIUsage, messages []provider.Message, completion string) provider.Usage {
	if u != nil && u.TotalTokens > 0 {
		return provider.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.PromptTokens + u.CompletionTokens,
		}
	}
	prompt := provider.EstimatePromptTokens(messages)
	out := provider.EstimateTokens(completion)
	return provider.Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
		Estimated:        true,
	}
}

func (p *OpenAIProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	openAIReq := p.mapRequest(req)
	openAIReq.Stream = true
	openAIReq.StreamOptions = &streamOptions{IncludeUsage: true}
	body, err := json.Marshal(openAIReq)
	if err != nil {
		return nil, provider.Errorf("openai", provider.KindInvalidRequest, "encode request: %v", err)
	}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := p.post(ctx, "/chat/completions", body)
		if err != nil {
			emit(ctx, ch, &provider.Chunk{Err: provider.FromTransport("openai", err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			emit(ctx, ch, &provider.Chunk{Err: provider.Classify("openai", resp.StatusCode, respBody)})
			return
		}

		var text strings.Builder
		var usage *openAIUsage

		finish := func() {
			u := p.usageOrEstimate(usage, req.Messages, text.String())
			emit(ctx, ch, &provider.Chunk{Done: true, Usage: &u})
		}

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					finish()
					return
				}
				emit(ctx, ch, &provider.Chunk{Err: provider.FromTransport("openai", err)})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				finish()
				return
			}

			var openAIResp openAIResponse
			if err := json.Unmarshal([]byte(data), &openAIResp); err != nil {
				emit(ctx, ch, &provider.Chunk{Err: provider.Errorf("openai", provider.KindUpstreamUnavailable, "decode stream chunk: %v", err)})
				return
			}

			if openAIResp.Usage != nil {
				usage = openAIResp.Usage
			}

			if len(openAIResp.Choices) > 0 {
				content := openAIResp.Choices[0].Delta.Content
				if content != "" {
					text.WriteString(content)
					if !emit(ctx, ch, &provider.Chunk{Delta: content}) {
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

func (p *OpenAIProvider) Embed(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = defaultEmbeddingModel
	}

	body, err := json.Marshal(embeddingAPIRequest{Model: model, Input: req.Text})
	if err != nil {
		return nil, provider.Errorf("openai", provider.KindInvalidRequest, "encode request: %v", err)
	}

	resp, err := p.post(ctx, "/embeddings", body)
	if err != nil {
		return nil, provider.FromTransport("openai", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.Classify("openai", resp.StatusCode, respBody)
	}

	var embResp embeddingAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, provider.Errorf("openai", provider.KindUpstreamUnavailable, "decode response: %v", err)
	}

	if len(embResp.Data) == 0 {
		return nil, provider.Errorf("openai", provider.KindUpstreamUnavailable, "upstream returned no embedding")
	}

	usage := provider.Usage{}
	if embResp.Usage != nil && embResp.Usage.PromptTokens > 0 {
		usage.PromptTokens = embResp.Usage.PromptTokens
		usage.TotalTokens = embResp.Usage.PromptTokens
	} else {
		n := provider.EstimateTokens(req.Text)
		usage.PromptTokens = n
		usage.TotalTokens = n
		usage.Estimated = true
	}

	respModel := embResp.Model
	if respModel == "" {
		respModel = model
	}

	return &provider.EmbeddingResponse{
		Embedding: embResp.Data[0].Embedding,
		Usage:     usage,
		Model:     respModel,
		Provider:  "openai",
	}, nil
}

func (p *OpenAIProvider) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	url := fmt.Sprintf("%s%s", p.baseURL, path)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))
	return http.DefaultClient.Do(httpReq)
}

// emit forwards a chunk unless the consumer is gone. Returns false when ctx
// is cancelled.
func emit(ctx context.Context, ch chan<- *provider.Chunk, c *provider.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
