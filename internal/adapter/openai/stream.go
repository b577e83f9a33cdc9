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
	"time"

	cgotel "github.com/Strob0t/ChatGate/internal/adapter/otel"
	"github.com/Strob0t/ChatGate/internal/port/provider"
)

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Citations []string `json:"citations"`
}

// OpenStream starts a streaming completion. For upstreams without streaming
// support the full response is fetched and replayed in fixed-size chunks so
// consumers see the same event sequence either way.
func (a *Adapter) OpenStream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	ctx, span := cgotel.StartUpstreamSpan(ctx, a.cfg.Name, a.cfg.Streaming)

	if !a.cfg.Streaming {
		events := make(chan provider.Event, 16)
		go func() {
			defer span.End()
			a.chunkedFallback(ctx, req, events)
		}()
		return events, nil
	}

	body, err := json.Marshal(a.buildRequest(req, true))
	if err != nil {
		span.End()
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.openSSE(ctx, body)
	if err != nil {
		span.End()
		return nil, err
	}

	events := make(chan provider.Event, 16)
	go func() {
		defer span.End()
		a.readStream(ctx, resp.Body, events)
	}()
	return events, nil
}

// openSSE establishes the upstream SSE connection. Connection failures and
// error statuses count against the breaker; mid-stream errors do not.
func (a *Adapter) openSSE(ctx context.Context, body []byte) (*http.Response, error) {
	var resp *http.Response
	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		if a.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
		}

		r, err := a.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}

		if r.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(r.Body)
			_ = r.Body.Close()
			return fmt.Errorf("%s API error %d: %s", a.cfg.Name, r.StatusCode, string(data))
		}

		resp = r
		return nil
	}

	if a.breaker != nil {
		if err := a.breaker.Execute(call); err != nil {
			return nil, err
		}
		return resp, nil
	}
	if err := call(); err != nil {
		return nil, err
	}
	return resp, nil
}

// readStream parses the SSE body into normalized events and closes the
// channel when done.
func (a *Adapter) readStream(ctx context.Context, body io.ReadCloser, events chan<- provider.Event) {
	defer close(events)
	defer func() { _ = body.Close() }()

	reader := bufio.NewReader(body)
	thinking := false
	var citations []string

	finish := func() {
		if thinking {
			send(ctx, events, provider.Event{Type: provider.EventThinkEnd})
		}
		if len(citations) > 0 {
			send(ctx, events, provider.Event{Type: provider.EventCitations, Citations: citations})
		}
		send(ctx, events, provider.Event{Type: provider.EventEnd})
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				finish()
				return
			}
			send(ctx, events, provider.Event{Type: provider.EventError, Err: fmt.Sprintf("read stream: %v", err)})
			return
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		if data == "[DONE]" {
			finish()
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks rather than aborting the stream.
			continue
		}

		if len(chunk.Citations) > 0 {
			citations = chunk.Citations
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.ReasoningContent != "" {
			if !thinking {
				thinking = true
				if !send(ctx, events, provider.Event{Type: provider.EventThinkStart}) {
					return
				}
			}
			if !send(ctx, events, provider.Event{Type: provider.EventThinkToken, Text: delta.ReasoningContent}) {
				return
			}
		}

		if delta.Content != "" {
			if thinking {
				thinking = false
				if !send(ctx, events, provider.Event{Type: provider.EventThinkEnd}) {
					return
				}
			}
			if !send(ctx, events, provider.Event{Type: provider.EventToken, Text: delta.Content}) {
				return
			}
		}

		if chunk.Choices[0].FinishReason != "" {
			finish()
			return
		}
	}
}

// chunkedFallback fetches the full completion and replays it as a paced
// token stream.
func (a *Adapter) chunkedFallback(ctx context.Context, req provider.Request, events chan<- provider.Event) {
	defer close(events)

	text, err := a.Complete(ctx, req)
	if err != nil {
		send(ctx, events, provider.Event{Type: provider.EventError, Err: err.Error()})
		return
	}

	runes := []rune(text)
	for start := 0; start < len(runes); start += a.chunkSize {
		end := min(start+a.chunkSize, len(runes))
		if !send(ctx, events, provider.Event{Type: provider.EventToken, Text: string(runes[start:end])}) {
			return
		}
		if end < len(runes) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.chunkDelay):
			}
		}
	}
	send(ctx, events, provider.Event{Type: provider.EventEnd})
}

// send delivers an event unless the context is cancelled first.
func send(ctx context.Context, events chan<- provider.Event, ev provider.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
