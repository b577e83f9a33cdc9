package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	cgotel "github.com/Strob0t/ChatGate/internal/adapter/otel"
	"github.com/Strob0t/ChatGate/internal/adapter/ws"
	"github.com/Strob0t/ChatGate/internal/middleware"
	"github.com/Strob0t/ChatGate/internal/service"
)

// NewRouter assembles the full HTTP surface: health probes, auth, the
// per-provider chat endpoints, conversation CRUD, uploads, and the WebSocket
// event feed. No global timeout middleware is mounted: chat responses are
// long-lived streams.
func NewRouter(h *Handlers, authSvc *service.AuthService, hub *ws.Hub) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(cgotel.HTTPMiddleware(h.Cfg.Logging.Service))
	r.Use(middleware.RequestID)
	r.Use(Logger)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(CORS(h.Cfg.Server.CORSOrigin))

	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(authSvc, h.Cfg.Auth.CookieName))

		r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
			u := middleware.UserFromContext(req.Context())
			if u == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			hub.HandleWS(w, req, u.ID)
		})

		r.Route("/api/v1", func(r chi.Router) {
			r.Route("/auth", func(r chi.Router) {
				// Credential endpoints get their own rate limit to slow
				// brute-force attempts.
				rl := middleware.NewRateLimiter(h.Cfg.Server.RateLimitRPS, h.Cfg.Server.RateLimitBurst)
				rl.StartCleanup(10*time.Minute, time.Hour)
				r.Use(rl.Handler)

				r.Post("/register", h.Register)
				r.Post("/login", h.Login)
				r.Post("/logout", h.Logout)
				r.Get("/status", h.AuthStatus)
				r.Get("/user", h.GetCurrentUser)
			})

			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", h.ListConversations)
				r.Post("/", h.CreateConversation)
				r.Delete("/", h.DeleteAllConversations)
				r.Get("/{id}", h.GetConversation)
				r.Patch("/{id}", h.RenameConversation)
				r.Delete("/{id}", h.DeleteConversation)
				r.Post("/{id}/truncate", h.TruncateConversation)
			})

			r.Post("/files", h.UploadFile)

			// One chat endpoint per registered provider: /api/v1/chat/gpt,
			// /api/v1/chat/claude, and so on.
			r.Route("/chat", func(r chi.Router) {
				for _, name := range h.Chat.ProviderNames() {
					r.Post("/"+name, h.ChatTurn(name))
				}
			})
		})
	})

	return r
}
