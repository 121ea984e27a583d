package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sage-ai/sage/internal/provider"
)

// defaultMaxTokens bounds the reply when the caller does not; the backend
// rejects requests without a max_tokens field.
const defaultMaxTokens = 1024

const apiVersion = "2023-06-01"

type AnthropicProvider struct {
	apiKey  string
	baseURL string
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Content []anthropicContent `json:"content"`
	Model   string             `json:"model"`
	Usage   anthropicUsage     `json:"usage"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func New(apiKey string) provider.Provider {
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
	}
}

func (p *AnthropicProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if p.apiKey == "" {
		return nil, &provider.Error{Provider: p.Name(), Err: provider.ErrNotConfigured}
	}

	anthropicReq := p.mapRequest(req)
	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, p.fail(err)
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, p.fail(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, p.fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, p.fail(fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&anthropicResp); err != nil {
		return nil, p.fail(err)
	}

	if len(anthropicResp.Content) == 0 {
		return nil, p.fail(fmt.Errorf("api returned no content"))
	}

	return &provider.Response{
		ID:           anthropicResp.ID,
		Content:      anthropicResp.Content[0].Text,
		InputTokens:  anthropicResp.Usage.InputTokens,
		OutputTokens: anthropicResp.Usage.OutputTokens,
		Model:        anthropicResp.Model,
		Provider:     p.Name(),
	}, nil
}

// mapRequest lifts any system-role message into the top-level system field;
// the backend does not accept it inline in the message list.
func (p *AnthropicProvider) mapRequest(req *provider.Request) anthropicRequest {
	var system string
	var messages []anthropicMessage

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		messages = append(messages, anthropicMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
		Temperature: req.Temperature,
	}
}

func (p *AnthropicProvider) fail(err error) error {
	return &provider.Error{Provider: p.Name(), Err: err}
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}
