// Package middleware provides HTTP middleware for ChatGate.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/Strob0t/ChatGate/internal/logger"
)

const headerRequestID = "X-Request-ID"

// RequestID tags every request with an ID so one chat turn can be followed
// across handler logs, the stream pipeline, and NATS usage events. An
// X-Request-ID sent by the client is honored, otherwise one is minted; either
// way it is echoed on the response and stored in the context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}

		ctx := logger.WithRequestID(r.Context(), id)
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
