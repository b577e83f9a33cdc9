package http

import (
	"net/http"

	"github.com/Strob0t/ChatGate/internal/domain/user"
	"github.com/Strob0t/ChatGate/internal/middleware"
)

// Register creates a new account.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[user.CreateRequest](w, r)
	if !ok {
		return
	}

	u, err := h.Auth.Register(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "user not found")
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// Login verifies credentials, returns the access token, and sets it as an
// httponly cookie for browser clients.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[user.LoginRequest](w, r)
	if !ok {
		return
	}

	resp, err := h.Auth.Login(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "user not found")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.Cfg.Auth.CookieName,
		Value:    resp.AccessToken,
		Path:     "/",
		MaxAge:   resp.ExpiresIn,
		HttpOnly: true,
		Secure:   h.Cfg.Auth.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, resp)
}

// Logout clears the session cookie. The token itself stays valid until
// expiry; there is no server-side session state.
func (h *Handlers) Logout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.Cfg.Auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.Cfg.Auth.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"logged_out": true})
}

// AuthStatus reports whether the request carries a valid session. It is a
// public route: an anonymous request gets {authenticated: false}, not a 401.
func (h *Handlers) AuthStatus(w http.ResponseWriter, r *http.Request) {
	token := middleware.TokenFromRequest(r, h.Cfg.Auth.CookieName)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]bool{"authenticated": false})
		return
	}
	if _, err := h.Auth.ValidateAccessToken(token); err != nil {
		writeJSON(w, http.StatusOK, map[string]bool{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"authenticated": true})
}

// GetCurrentUser returns the authenticated user's profile including the
// accumulated billing total.
func (h *Handlers) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	full, err := h.Auth.CurrentUser(r.Context(), u.ID)
	if err != nil {
		writeDomainError(w, err, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, full)
}
