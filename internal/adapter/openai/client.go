// Package openai drives chat-completions compatible upstreams. Most hosted
// providers (OpenAI, Gemini's compatibility endpoint, DeepSeek, Perplexity,
// Llama, Grok) speak this dialect, so one adapter serves them all.
package openai

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

// Adapter implements provider.Adapter against a chat-completions endpoint.
type Adapter struct {
	cfg        provider.Config
	httpClient *http.Client
	breaker    *resilience.Breaker
	chunkSize  int
	chunkDelay time.Duration
}

// New creates an adapter for one provider endpoint. chunkSize and chunkDelay
// control the simulated stream used when the upstream cannot stream.
func New(cfg provider.Config, chunkSize int, chunkDelay time.Duration) *Adapter {
	return &Adapter{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		chunkSize:  chunkSize,
		chunkDelay: chunkDelay,
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

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type imagePart struct {
	Type     string   `json:"type"`
	ImageURL imageURL `json:"image_url"`
}

type imageURL struct {
	URL string `json:"url"`
}

type completionRequest struct {
	Model           string        `json:"model"`
	Messages        []chatMessage `json:"messages"`
	Temperature     float64       `json:"temperature,omitempty"`
	Stream          bool          `json:"stream,omitempty"`
	ReasoningEffort string        `json:"reasoning_effort,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// buildRequest translates the normalized payload into the wire body.
func (a *Adapter) buildRequest(req provider.Request, stream bool) completionRequest {
	messages := make([]chatMessage, 0, len(req.Payload.Messages)+1)
	if req.Payload.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.Payload.System})
	}
	for _, m := range req.Payload.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: wireContent(m)})
	}

	return completionRequest{
		Model:           req.Model,
		Messages:        messages,
		Temperature:     req.Temperature,
		Stream:          stream,
		ReasoningEffort: reasoningEffort(req.Reason),
	}
}

// wireContent renders a message body: a bare string for text-only messages,
// the typed part array otherwise.
func wireContent(m provider.WireMessage) any {
	multipart := false
	for _, p := range m.Parts {
		if p.Type != "text" {
			multipart = true
			break
		}
	}
	if !multipart {
		return m.Text()
	}

	parts := make([]any, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case "image":
			parts = append(parts, imagePart{
				Type:     "image_url",
				ImageURL: imageURL{URL: fmt.Sprintf("data:%s;base64,%s", p.MediaType, p.Data)},
			})
		default:
			parts = append(parts, textPart{Type: "text", Text: p.Text})
		}
	}
	return parts
}

func reasoningEffort(reason int) string {
	switch reason {
	case 1:
		return "low"
	case 2:
		return "medium"
	case 3:
		return "high"
	default:
		return ""
	}
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

	var resp completionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("unmarshal completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s returned no choices", a.cfg.Name)
	}
	return resp.Choices[0].Message.Content, nil
}

func (a *Adapter) doRequest(ctx context.Context, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if a.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
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
