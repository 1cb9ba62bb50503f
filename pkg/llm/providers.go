package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// provider abstracts the wire format of one API family.
type provider interface {
	url(ep Endpoint) string
	setHeaders(req *http.Request, ep Endpoint)
	buildBody(ep Endpoint, req Request) ([]byte, error)
	parseResponse(body []byte, model string) (*Response, error)
}

// providerFor resolves a provider name to its wire format.
func providerFor(name string) (provider, error) {
	switch name {
	case "", "openai":
		// OpenAI-compatible is the default; it also covers OpenRouter,
		// Ollama, and most self-hosted gateways.
		return openAIProvider{}, nil
	case "anthropic":
		return anthropicProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", name)
	}
}

// ─── OpenAI-compatible chat completions ─────────────────────────────────────

type openAIProvider struct{}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

func (openAIProvider) url(ep Endpoint) string {
	base := strings.TrimSuffix(ep.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

func (openAIProvider) setHeaders(req *http.Request, ep Endpoint) {
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}
}

func (openAIProvider) buildBody(ep Endpoint, req Request) ([]byte, error) {
	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.UserMessage})
	return json.Marshal(chatCompletionRequest{Model: ep.Model, Messages: messages})
}

func (openAIProvider) parseResponse(body []byte, model string) (*Response, error) {
	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, NewFatalError(fmt.Errorf("parse chat completion response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, NewFatalError(fmt.Errorf("chat completion response has no choices"))
	}
	respModel := parsed.Model
	if respModel == "" {
		respModel = model
	}
	return &Response{
		Content: parsed.Choices[0].Message.Content,
		Model:   respModel,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}

// ─── Anthropic messages API ─────────────────────────────────────────────────

type anthropicProvider struct{}

const anthropicVersion = "2023-06-01"

type anthropicRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

func (anthropicProvider) url(ep Endpoint) string {
	base := strings.TrimSuffix(ep.BaseURL, "/")
	if base == "" {
		base = "https://api.anthropic.com"
	}
	if strings.HasSuffix(base, "/v1/messages") {
		return base
	}
	return base + "/v1/messages"
}

func (anthropicProvider) setHeaders(req *http.Request, ep Endpoint) {
	if ep.APIKey != "" {
		req.Header.Set("x-api-key", ep.APIKey)
	}
	req.Header.Set("anthropic-version", anthropicVersion)
}

func (anthropicProvider) buildBody(ep Endpoint, req Request) ([]byte, error) {
	return json.Marshal(anthropicRequest{
		Model:     ep.Model,
		System:    req.SystemPrompt,
		Messages:  []chatMessage{{Role: "user", Content: req.UserMessage}},
		MaxTokens: 8192,
	})
}

func (anthropicProvider) parseResponse(body []byte, model string) (*Response, error) {
	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, NewFatalError(fmt.Errorf("parse anthropic response: %w", err))
	}
	var content strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	if content.Len() == 0 {
		return nil, NewFatalError(fmt.Errorf("anthropic response has no text content"))
	}
	respModel := parsed.Model
	if respModel == "" {
		respModel = model
	}
	return &Response{
		Content: content.String(),
		Model:   respModel,
		Usage: Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
		},
	}, nil
}
