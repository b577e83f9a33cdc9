package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventBillingUpdated = "billing.updated"
	EventTurnCompleted  = "turn.completed"
	EventConversation   = "conversation.changed"
)

// BillingUpdatedEvent is sent to a user when a turn's cost has been applied
// to their balance.
type BillingUpdatedEvent struct {
	UserID  string  `json:"user_id"`
	Billing float64 `json:"billing"`
}

// TurnCompletedEvent is sent to a user when one of their chat turns has been
// finalized, including partial turns after a disconnect.
type TurnCompletedEvent struct {
	UserID         string  `json:"user_id"`
	ConversationID string  `json:"conversation_id"`
	Model          string  `json:"model"`
	Cost           float64 `json:"cost"`
}

// ConversationEvent is sent when a conversation is created, renamed, or
// deleted, so other open tabs can refresh their listing.
type ConversationEvent struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Action         string `json:"action"` // "created", "renamed", "deleted"
	Alias          string `json:"alias,omitempty"`
}

// BroadcastEvent marshals a typed event and broadcasts it to all clients.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}

// BroadcastEventToUser marshals a typed event and sends it to one user's
// connections only.
func (h *Hub) BroadcastEventToUser(ctx context.Context, userID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.BroadcastToUser(ctx, userID, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
