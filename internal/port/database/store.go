// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/Strob0t/ChatGate/internal/domain/chat"
	"github.com/Strob0t/ChatGate/internal/domain/user"
)

// Store is the port interface for database operations.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *user.User) error
	GetUser(ctx context.Context, id string) (*user.User, error)
	GetUserByEmail(ctx context.Context, email string) (*user.User, error)
	ListUsers(ctx context.Context) ([]user.User, error)
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error

	// AddBilling atomically increments a user's accumulated cost. This is
	// a numeric increment at the store, not a read-modify-write, so turns
	// across different conversations never lose updates.
	AddBilling(ctx context.Context, userID string, amount float64) error

	// Conversations
	GetConversation(ctx context.Context, userID, conversationID string) (*chat.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]chat.Summary, error)

	// UpsertConversation writes the full conversation document keyed by
	// (user_id, conversation_id), creating it when absent. Last write wins.
	UpsertConversation(ctx context.Context, c *chat.Conversation) error

	RenameConversation(ctx context.Context, userID, conversationID, alias string) error
	DeleteConversation(ctx context.Context, userID, conversationID string) error
	DeleteAllConversations(ctx context.Context, userID string) (int64, error)

	// TruncateConversation keeps messages[:startIndex] and drops the rest.
	TruncateConversation(ctx context.Context, userID, conversationID string, startIndex int) error
}
