package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	cgotel "github.com/Strob0t/ChatGate/internal/adapter/otel"
	"github.com/Strob0t/ChatGate/internal/port/provider"
)

// streamEvent is the union of the messages-API SSE payloads we care about.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
	} `json:"content_block"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// OpenStream starts a streaming completion against the messages API.
func (a *Adapter) OpenStream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	ctx, span := cgotel.StartUpstreamSpan(ctx, a.cfg.Name, true)

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

func (a *Adapter) openSSE(ctx context.Context, body []byte) (*http.Response, error) {
	var resp *http.Response
	call := func() error {
		req, err := a.newRequest(ctx, body)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "text/event-stream")

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

func (a *Adapter) readStream(ctx context.Context, body io.ReadCloser, events chan<- provider.Event) {
	defer close(events)
	defer func() { _ = body.Close() }()

	reader := bufio.NewReader(body)
	thinking := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if thinking {
					send(ctx, events, provider.Event{Type: provider.EventThinkEnd})
				}
				send(ctx, events, provider.Event{Type: provider.EventEnd})
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

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock.Type == "thinking" && !thinking {
				thinking = true
				if !send(ctx, events, provider.Event{Type: provider.EventThinkStart}) {
					return
				}
			}

		case "content_block_delta":
			switch ev.Delta.Type {
			case "thinking_delta":
				if !thinking {
					thinking = true
					if !send(ctx, events, provider.Event{Type: provider.EventThinkStart}) {
						return
					}
				}
				if !send(ctx, events, provider.Event{Type: provider.EventThinkToken, Text: ev.Delta.Thinking}) {
					return
				}
			case "text_delta":
				if thinking {
					thinking = false
					if !send(ctx, events, provider.Event{Type: provider.EventThinkEnd}) {
						return
					}
				}
				if !send(ctx, events, provider.Event{Type: provider.EventToken, Text: ev.Delta.Text}) {
					return
				}
			}

		case "content_block_stop":
			if thinking {
				thinking = false
				if !send(ctx, events, provider.Event{Type: provider.EventThinkEnd}) {
					return
				}
			}

		case "message_stop":
			if thinking {
				send(ctx, events, provider.Event{Type: provider.EventThinkEnd})
			}
			send(ctx, events, provider.Event{Type: provider.EventEnd})
			return

		case "error":
			send(ctx, events, provider.Event{Type: provider.EventError, Err: ev.Error.Message})
			return
		}
	}
}

func send(ctx context.Context, events chan<- provider.Event, ev provider.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
