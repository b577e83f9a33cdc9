package http

import (
	"net/http"
	"strconv"

	"github.com/Strob0t/ChatGate/internal/domain/chat"
	"github.com/Strob0t/ChatGate/internal/middleware"
)

// ListConversations returns the caller's conversation summaries.
func (h *Handlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	summaries, err := h.Conversations.List(r.Context(), u.ID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

// GetConversation returns a full conversation document including messages.
func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conv, err := h.Conversations.Get(r.Context(), u.ID, urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// CreateConversation creates an empty conversation and titles it from the
// opening message when one is supplied.
func (h *Handlers) CreateConversation(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	req, ok := readJSON[chat.NewConversationRequest](w, r)
	if !ok {
		return
	}

	conv, err := h.Conversations.Create(r.Context(), u.ID, &req)
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

// RenameConversation updates a conversation's alias.
func (h *Handlers) RenameConversation(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	req, ok := readJSON[chat.RenameRequest](w, r)
	if !ok {
		return
	}

	if err := h.Conversations.Rename(r.Context(), u.ID, urlParam(r, "id"), &req); err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"alias": req.Alias})
}

// DeleteConversation removes a single conversation.
func (h *Handlers) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := h.Conversations.Delete(r.Context(), u.ID, urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteAllConversations removes every conversation the caller owns.
func (h *Handlers) DeleteAllConversations(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	n, err := h.Conversations.DeleteAll(r.Context(), u.ID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// TruncateConversation drops the message tail starting at the index in the
// ?from= query parameter, so a turn can be regenerated from that point.
func (h *Handlers) TruncateConversation(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	from, err := strconv.Atoi(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be a message index")
		return
	}

	if err := h.Conversations.Truncate(r.Context(), u.ID, urlParam(r, "id"), from); err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
