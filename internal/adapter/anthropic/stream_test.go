package anthropic_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Strob0t/ChatGate/internal/adapter/anthropic"
	"github.com/Strob0t/ChatGate/internal/port/provider"
)

func testConfig(url string) provider.Config {
	return provider.Config{
		Name:          "claude",
		BaseURL:       url,
		APIKey:        "test-key",
		API:           "anthropic",
		AdminRole:     "system",
		SystemAsField: true,
		Streaming:     true,
		Window:        20,
	}
}

func textRequest(text string) provider.Request {
	return provider.Request{
		Model:       "claude-sonnet-4-20250514",
		Temperature: 0.7,
		Payload: provider.Payload{
			System:   "be brief",
			Messages: []provider.WireMessage{provider.TextMessage("user", text)},
		},
	}
}

func collect(t *testing.T, events <-chan provider.Event) []provider.Event {
	t.Helper()
	var got []provider.Event
	for ev := range events {
		got = append(got, ev)
	}
	return got
}

func sseServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if key := r.Header.Get("x-api-key"); key != "test-key" {
			t.Fatalf("unexpected api key: %q", key)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["system"] != "be brief" {
			t.Fatalf("expected top-level system field, got %v", body["system"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			_, _ = w.Write([]byte(frame))
		}
	}))
}

func TestOpenStream_TextDeltas(t *testing.T) {
	srv := sseServer(t, []string{
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	})
	defer srv.Close()

	a := anthropic.New(testConfig(srv.URL), 8192)
	events, err := a.OpenStream(context.Background(), textRequest("hi"))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	got := collect(t, events)
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(got), got)
	}
	if got[0].Text+got[1].Text != "Hello" {
		t.Fatalf("unexpected text: %+v", got[:2])
	}
	if got[2].Type != provider.EventEnd {
		t.Fatalf("expected EventEnd, got %+v", got[2])
	}
}

func TestOpenStream_ThinkingBlocks(t *testing.T) {
	srv := sseServer(t, []string{
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"content_block\":{\"type\":\"thinking\"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"thinking_delta\",\"thinking\":\"hmm\"}}\n\n",
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\"}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"answer\"}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	})
	defer srv.Close()

	a := anthropic.New(testConfig(srv.URL), 8192)
	events, err := a.OpenStream(context.Background(), textRequest("hi"))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	got := collect(t, events)
	want := []provider.EventType{
		provider.EventThinkStart,
		provider.EventThinkToken,
		provider.EventThinkEnd,
		provider.EventToken,
		provider.EventEnd,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(got), got)
	}
	for i, typ := range want {
		if got[i].Type != typ {
			t.Fatalf("event %d: expected type %d, got %+v", i, typ, got[i])
		}
	}
	if got[1].Text != "hmm" {
		t.Fatalf("expected thinking text, got %+v", got[1])
	}
}

func TestOpenStream_ErrorEvent(t *testing.T) {
	srv := sseServer(t, []string{
		"event: error\ndata: {\"type\":\"error\",\"error\":{\"message\":\"overloaded\"}}\n\n",
	})
	defer srv.Close()

	a := anthropic.New(testConfig(srv.URL), 8192)
	events, err := a.OpenStream(context.Background(), textRequest("hi"))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	got := collect(t, events)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d: %+v", len(got), got)
	}
	if got[0].Type != provider.EventError || got[0].Err != "overloaded" {
		t.Fatalf("expected error event, got %+v", got[0])
	}
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["thinking"]; ok {
			t.Fatal("reason 0 must not enable thinking")
		}
		if _, ok := body["temperature"]; !ok {
			t.Fatal("expected temperature without thinking")
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"Alias here"}]}`))
	}))
	defer srv.Close()

	a := anthropic.New(testConfig(srv.URL), 8192)
	text, err := a.Complete(context.Background(), textRequest("name this"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "Alias here" {
		t.Fatalf("expected 'Alias here', got %q", text)
	}
}

func TestComplete_ThinkingBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		thinking, ok := body["thinking"].(map[string]any)
		if !ok {
			t.Fatal("expected thinking params")
		}
		if thinking["budget_tokens"] != float64(4096) {
			t.Fatalf("expected budget 4096, got %v", thinking["budget_tokens"])
		}
		if _, ok := body["temperature"]; ok {
			t.Fatal("temperature must be omitted with thinking enabled")
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"ok"}]}`))
	}))
	defer srv.Close()

	a := anthropic.New(testConfig(srv.URL), 8192)
	req := textRequest("hi")
	req.Reason = 2
	if _, err := a.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}
