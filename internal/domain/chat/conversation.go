package chat

import (
	"fmt"
	"time"

	"github.com/Strob0t/ChatGate/internal/domain"
)

// Placeholder is stored as the assistant message when a stream produced no
// content at all. A zero-width space keeps the stored document non-empty
// without rendering visibly.
const Placeholder = "​"

// Conversation is the durable document keyed by (user_id, conversation_id).
// Messages are strictly append-ordered; history sent upstream is a bounded
// suffix of this sequence.
type Conversation struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Alias          string    `json:"alias"`
	Model          string    `json:"model"`
	Temperature    float64   `json:"temperature"`
	Reason         int       `json:"reason"`
	SystemMessage  string    `json:"system_message"`
	Messages       []Message `json:"messages"`
	CreatedAt      time.Time `json:"created_at,omitzero"`
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
}

// Window returns the trailing n messages, or all of them when n <= 0 or the
// history is shorter. The returned slice is a deep copy.
func (c *Conversation) Window(n int) []Message {
	msgs := c.Messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return CloneMessages(msgs)
}

// Summary is the listing projection of a conversation.
type Summary struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Alias          string `json:"alias"`
}

// Request is one chat turn as submitted by the client. It is never persisted.
type Request struct {
	ConversationID string  `json:"conversation_id"`
	Model          string  `json:"model"`
	InBilling      float64 `json:"in_billing"`
	OutBilling     float64 `json:"out_billing"`
	SearchBilling  float64 `json:"search_billing"`
	Temperature    float64 `json:"temperature"`
	Reason         int     `json:"reason"`
	SystemMessage  string  `json:"system_message"`
	UserMessage    Content `json:"user_message"`
	DAN            bool    `json:"dan"`
	Stream         bool    `json:"stream"`
}

// Validate checks required fields and ranges.
func (r *Request) Validate() error {
	if r.ConversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", domain.ErrValidation)
	}
	if r.Model == "" {
		return fmt.Errorf("%w: model is required", domain.ErrValidation)
	}
	if !r.UserMessage.Multipart() && r.UserMessage.Text == "" {
		return fmt.Errorf("%w: user_message is required", domain.ErrValidation)
	}
	if r.Reason < 0 || r.Reason > 3 {
		return fmt.Errorf("%w: reason must be between 0 and 3", domain.ErrValidation)
	}
	if r.InBilling < 0 || r.OutBilling < 0 || r.SearchBilling < 0 {
		return fmt.Errorf("%w: billing rates must be non-negative", domain.ErrValidation)
	}
	return nil
}

// NewConversationRequest creates an empty conversation ahead of its first turn.
type NewConversationRequest struct {
	UserMessage   string  `json:"user_message"`
	Model         string  `json:"model"`
	Temperature   float64 `json:"temperature"`
	Reason        int     `json:"reason"`
	SystemMessage string  `json:"system_message"`
}

// RenameRequest updates a conversation's display alias.
type RenameRequest struct {
	Alias string `json:"alias"`
}
