package http

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/Strob0t/ChatGate/internal/port/provider"
)

// readSSE parses the event stream body into content frames, error frames,
// and whether the end marker arrived.
func readSSE(t *testing.T, body *bufio.Scanner) (contents []string, errs []string, ended bool) {
	t.Helper()
	for body.Scan() {
		line := body.Text()
		switch {
		case line == "event: end":
			ended = true
		case strings.HasPrefix(line, "data: "):
			raw := strings.TrimPrefix(line, "data: ")
			if raw == "{}" {
				continue
			}
			var f sseFrame
			if err := json.Unmarshal([]byte(raw), &f); err != nil {
				t.Fatalf("bad frame %q: %v", raw, err)
			}
			if f.Error != "" {
				errs = append(errs, f.Error)
			} else {
				contents = append(contents, f.Content)
			}
		}
	}
	return contents, errs, ended
}

func chatBody(stream bool) string {
	b, _ := json.Marshal(map[string]any{
		"conversation_id": "c1",
		"model":           "gpt-4o",
		"user_message":    "hello",
		"stream":          stream,
	})
	return string(b)
}

func TestChatTurnStreaming(t *testing.T) {
	ts := newTestServer(t, []provider.Event{
		{Type: provider.EventToken, Text: "Hello"},
		{Type: provider.EventToken, Text: " world"},
		{Type: provider.EventEnd},
	})
	token := ts.registerAndLogin(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/chat/gpt", token, chatBody(true))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	contents, errs, ended := readSSE(t, bufio.NewScanner(resp.Body))
	if got := strings.Join(contents, ""); got != "Hello world" {
		t.Fatalf("streamed content = %q, want %q", got, "Hello world")
	}
	if len(errs) != 0 {
		t.Fatalf("unexpected error frames: %v", errs)
	}
	if !ended {
		t.Fatal("stream did not terminate with the end event")
	}
}

func TestChatTurnUpstreamError(t *testing.T) {
	ts := newTestServer(t, []provider.Event{
		{Type: provider.EventToken, Text: "partial"},
		{Type: provider.EventError, Err: "rate limited"},
	})
	token := ts.registerAndLogin(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/chat/gpt", token, chatBody(true))
	defer resp.Body.Close()

	contents, errs, _ := readSSE(t, bufio.NewScanner(resp.Body))
	if got := strings.Join(contents, ""); got != "partial" {
		t.Fatalf("content before error = %q, want %q", got, "partial")
	}
	if len(errs) != 1 || errs[0] != "rate limited" {
		t.Fatalf("error frames = %v, want [rate limited]", errs)
	}
}

func TestChatTurnNonStreaming(t *testing.T) {
	ts := newTestServer(t, []provider.Event{
		{Type: provider.EventToken, Text: "full"},
		{Type: provider.EventToken, Text: " answer"},
		{Type: provider.EventEnd},
	})
	token := ts.registerAndLogin(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/chat/gpt", token, chatBody(false))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var f sseFrame
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Content != "full answer" {
		t.Fatalf("content = %q, want %q", f.Content, "full answer")
	}
}

func TestChatTurnValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.registerAndLogin(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/chat/gpt", token, `{"conversation_id":"c1"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatTurnUnknownProviderRouteAbsent(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.registerAndLogin(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/chat/nope", token, chatBody(true))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
