package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Strob0t/ChatGate/internal/domain/chat"
	"github.com/Strob0t/ChatGate/internal/middleware"
	"github.com/Strob0t/ChatGate/internal/service"
)

// sseFrame is one event on the chat wire. Exactly one field is set.
type sseFrame struct {
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ChatTurn returns the handler for one provider's chat endpoint. The response
// is a server-sent event stream of incremental content frames ending with an
// `end` event; with "stream": false in the request the full response is
// collected and returned as a single JSON body instead.
func (h *Handlers) ChatTurn(providerName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := middleware.UserFromContext(r.Context())
		if u == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		req, ok := readJSON[chat.Request](w, r)
		if !ok {
			return
		}

		frames, err := h.Chat.StreamTurn(r.Context(), u.ID, providerName, &req)
		if err != nil {
			writeDomainError(w, err, "provider not found")
			return
		}

		if !req.Stream {
			h.collectTurn(w, frames)
			return
		}
		h.streamTurn(w, frames)
	}
}

func (h *Handlers) streamTurn(w http.ResponseWriter, frames <-chan service.StreamFrame) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for frame := range frames {
		f := sseFrame{Content: frame.Content, Error: frame.Err}
		if err := writeSSE(w, f); err != nil {
			// Client gone. Keep draining so the producer can cancel and
			// finalize; StreamTurn observes the request context directly.
			for range frames {
			}
			return
		}
		flusher.Flush()
	}

	_, _ = w.Write([]byte("event: end\ndata: {}\n\n"))
	flusher.Flush()
}

// collectTurn drains the frame stream into one JSON response.
func (h *Handlers) collectTurn(w http.ResponseWriter, frames <-chan service.StreamFrame) {
	var b strings.Builder
	var streamErr string
	for frame := range frames {
		b.WriteString(frame.Content)
		if frame.Err != "" {
			streamErr = frame.Err
		}
	}
	if streamErr != "" && b.Len() == 0 {
		writeError(w, http.StatusBadGateway, streamErr)
		return
	}
	writeJSON(w, http.StatusOK, sseFrame{Content: b.String(), Error: streamErr})
}

func writeSSE(w http.ResponseWriter, f sseFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}
