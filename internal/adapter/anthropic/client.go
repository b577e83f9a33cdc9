// Package anthropic drives the Anthropic messages API, which takes system
// directives as a dedicated field and streams typed content-block events.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Strob0t/ChatGate/internal/port/provider"
	"github.com/Strob0t/ChatGate/internal/resilience"
)

const apiVersion = "2023-06-01"

// Adapter implements provider.Adapter against the messages endpoint.
type Adapter struct {
	cfg        provider.Config
	httpClient *http.Client
	breaker    *resilience.Breaker
	maxTokens  int
}

// New creates an adapter for one Anthropic-dialect endpoint.
func New(cfg provider.Config, maxTokens int) *Adapter {
	return &Adapter{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		maxTokens: maxTokens,
	}
}

// SetBreaker attaches a circuit breaker to upstream calls.
func (a *Adapter) SetBreaker(b *resilience.Breaker) {
	a.breaker = b
}

// Name returns the provider registry key.
func (a *Adapter) Name() string {
	return a.cfg.Name
}

type message struct {
	Role    string `json:"role"`
	Content []any  `json:"content"`
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type imageBlock struct {
	Type   string      `json:"type"`
	Source imageSource `json:"source"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type thinkingParams struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type messagesRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []message       `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Thinking    *thinkingParams `json:"thinking,omitempty"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// thinkingBudgets maps the reasoning-effort level to a thinking token budget.
var thinkingBudgets = map[int]int{1: 1024, 2: 4096, 3: 16384}

func (a *Adapter) buildRequest(req provider.Request, stream bool) messagesRequest {
	messages := make([]message, 0, len(req.Payload.Messages))
	for _, m := range req.Payload.Messages {
		blocks := make([]any, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case "image":
				blocks = append(blocks, imageBlock{
					Type: "image",
					Source: imageSource{
						Type:      "base64",
						MediaType: p.MediaType,
						Data:      p.Data,
					},
				})
			default:
				blocks = append(blocks, textBlock{Type: "text", Text: p.Text})
			}
		}
		messages = append(messages, message{Role: m.Role, Content: blocks})
	}

	out := messagesRequest{
		Model:     req.Model,
		MaxTokens: a.maxTokens,
		System:    req.Payload.System,
		Messages:  messages,
		Stream:    stream,
	}

	if budget, ok := thinkingBudgets[req.Reason]; ok {
		// The API rejects temperature together with extended thinking.
		out.Thinking = &thinkingParams{Type: "enabled", BudgetTokens: budget}
	} else {
		temp := req.Temperature
		out.Temperature = &temp
	}
	return out
}

// Complete performs a single non-streaming completion.
func (a *Adapter) Complete(ctx context.Context, req provider.Request) (string, error) {
	body, err := json.Marshal(a.buildRequest(req, false))
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	data, err := a.doRequest(ctx, body)
	if err != nil {
		return "", err
	}

	var resp messagesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("%s returned no text content", a.cfg.Name)
}

func (a *Adapter) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", apiVersion)
	if a.cfg.APIKey != "" {
		req.Header.Set("x-api-key", a.cfg.APIKey)
	}
	return req, nil
}

func (a *Adapter) doRequest(ctx context.Context, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		req, err := a.newRequest(ctx, body)
		if err != nil {
			return err
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return fmt.Errorf("%s API error %d: %s", a.cfg.Name, resp.StatusCode, string(data))
		}

		result = data
		return nil
	}

	if a.breaker != nil {
		if err := a.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}
