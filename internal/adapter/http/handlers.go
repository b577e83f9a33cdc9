package http

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/ChatGate/internal/config"
	"github.com/Strob0t/ChatGate/internal/middleware"
	"github.com/Strob0t/ChatGate/internal/service"
)

// maxUploadSize bounds attachment uploads (images and documents).
const maxUploadSize = 20 << 20 // 20 MB

// Handlers bundles the services behind the HTTP surface.
type Handlers struct {
	Auth          *service.AuthService
	Chat          *service.ChatService
	Conversations *service.ConversationService
	Cfg           *config.Config

	// Pool and Queue are probed by the readiness endpoint; either may be
	// nil in tests.
	Pool  *pgxpool.Pool
	Queue interface{ IsConnected() bool }
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports readiness of the backing services.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	type readiness struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
		NATS     string `json:"nats"`
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	res := readiness{Status: "ok", Postgres: "ok", NATS: "ok"}
	status := http.StatusOK

	if h.Pool != nil {
		if err := h.Pool.Ping(ctx); err != nil {
			res.Postgres = "unreachable"
			res.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	if h.Queue != nil && !h.Queue.IsConnected() {
		res.NATS = "disconnected"
		res.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// UploadFile stores an attachment under the uploads directory and returns the
// name chat messages reference it by.
func (h *Handlers) UploadFile(w http.ResponseWriter, r *http.Request) {
	if middleware.UserFromContext(r.Context()) == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer func() { _ = file.Close() }()

	name := filepath.Base(header.Filename)
	if err := sanitizeName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := os.MkdirAll(h.Cfg.Chat.FilesDir, 0o750); err != nil {
		writeInternalError(w, err)
		return
	}
	dst, err := os.Create(filepath.Join(h.Cfg.Chat.FilesDir, name))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, file); err != nil {
		writeInternalError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}
