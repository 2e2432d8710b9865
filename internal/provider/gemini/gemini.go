package gemini

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

const defaultModel = "gemini-1.5-flash"

type GeminiProvider struct {
	apiKey  string
	baseURL string
	enabled bool
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

func New(apiKey string, enabled bool) provider.Provider {
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: "https://generativelanguage.googleapis.com",
		enabled: enabled,
	}
}

func (p *GeminiProvider) Describe() provider.Descriptor {
	return provider.Descriptor{
		ID:                 "gemini",
		Name:               "Google Gemini",
		SupportsStreaming:  true,
		SupportsEmbeddings: false,
		Enabled:            p.enabled,
		Models: []string{
			"gemini-1.5-pro",
			"gemini-1.5-flash",
			"gemini-2.0-flash",
		},
		DefaultModel: defaultModel,
	}
}

func (p *GeminiProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	geminiReq := p.mapRequest(req)
	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, provider.Errorf("gemini", provider.KindInvalidRequest, "encode request: %v", err)
	}

	model := p.model(req)
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, model, p.apiKey)
	resp, err := p.post(ctx, url, body)
	if err != nil {
		return nil, provider.FromTransport("gemini", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.Classify("gemini", resp.StatusCode, respBody)
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, provider.Errorf("gemini", provider.KindUpstreamUnavailable, "decode response: %v", err)
	}

	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, provider.Errorf("gemini", provider.KindUpstreamUnavailable, "upstream returned no candidates")
	}

	candidate := geminiResp.Candidates[0]
	content := candidate.Content.Parts[0].Text

	usage := provider.Usage{}
	if geminiResp.UsageMetadata != nil {
		usage.PromptTokens = geminiResp.UsageMetadata.PromptTokenCount
		usage.CompletionTokens = geminiResp.UsageMetadata.CandidatesTokenCount
	} else {
		usage.PromptTokens = provider.EstimatePromptTokens(req.Messages)
		usage.CompletionTokens = provider.EstimateTokens(content)
		usage.Estimated = true
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	return &provider.Response{
		Content:      content,
		FinishReason: strings.ToLower(candidate.FinishReason),
		Usage:        usage,
		Model:        model,
		Provider:     "gemini",
	}, nil
}

// mapRequest flattens roles to the Gemini user/model pair; system messages
// become leading user turns, which the API accepts.
func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	contents := make([]geminiContent, len(req.Messages))
	for i, m := range req.Messages {
		role := "user"
		if m.Role == provider.RoleAssistant {
			role = "model"
		}
		contents[i] = geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		}
	}

	return geminiRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
}

func (p *GeminiProvider) model(req *provider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return defaultModel
}

func (p *GeminiProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	geminiReq := p.mapRequest(req)
	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, provider.Errorf("gemini", provider.KindInvalidRequest, "encode request: %v", err)
	}

	model := p.model(req)
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse", p.baseURL, model, p.apiKey)

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := p.post(ctx, url, body)
		if err != nil {
			emit(ctx, ch, &provider.Chunk{Err: provider.FromTransport("gemini", err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			emit(ctx, ch, &provider.Chunk{Err: provider.Classify("gemini", resp.StatusCode, respBody)})
			return
		}

		var text strings.Builder
		var usage *geminiUsageMetadata

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					u := provider.Usage{}
					if usage != nil {
						u.PromptTokens = usage.PromptTokenCount
						u.CompletionTokens = usage.CandidatesTokenCount
					} else {
						u.PromptTokens = provider.EstimatePromptTokens(req.Messages)
						u.CompletionTokens = provider.EstimateTokens(text.String())
						u.Estimated = true
					}
					u.TotalTokens = u.PromptTokens + u.CompletionTokens
					emit(ctx, ch, &provider.Chunk{Done: true, Usage: &u})
					return
				}
				emit(ctx, ch, &provider.Chunk{Err: provider.FromTransport("gemini", err)})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			var geminiResp geminiResponse
			if err := json.Unmarshal([]byte(data), &geminiResp); err != nil {
				emit(ctx, ch, &provider.Chunk{Err: provider.Errorf("gemini", provider.KindUpstreamUnavailable, "decode stream chunk: %v", err)})
				return
			}

			if geminiResp.UsageMetadata != nil {
				usage = geminiResp.UsageMetadata
			}

			if len(geminiResp.Candidates) > 0 && len(geminiResp.Candidates[0].Content.Parts) > 0 {
				delta := geminiResp.Candidates[0].Content.Parts[0].Text
				if delta != "" {
					text.WriteString(delta)
					if !emit(ctx, ch, &provider.Chunk{Delta: delta}) {
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

func (p *GeminiProvider) Embed(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	return nil, provider.Errorf("gemini", provider.KindInvalidRequest, "embeddings are not supported")
}

func (p *GeminiProvider) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
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
