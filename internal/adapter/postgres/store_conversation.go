package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/ChatGate/internal/domain"
	"github.com/Strob0t/ChatGate/internal/domain/chat"
)

func (s *Store) GetConversation(ctx context.Context, userID, conversationID string) (*chat.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, conversation_id, alias, model, temperature, reason, system_message, messages, created_at, updated_at
		FROM conversations WHERE user_id = $1 AND conversation_id = $2`, userID, conversationID)

	var c chat.Conversation
	var messagesJSON []byte
	err := row.Scan(&c.UserID, &c.ConversationID, &c.Alias, &c.Model, &c.Temperature,
		&c.Reason, &c.SystemMessage, &messagesJSON, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get conversation %s/%s", userID, conversationID)
	}
	if err := json.Unmarshal(messagesJSON, &c.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	return &c, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]chat.Summary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, conversation_id, alias
		FROM conversations WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var summaries []chat.Summary
	for rows.Next() {
		var sm chat.Summary
		if err := rows.Scan(&sm.UserID, &sm.ConversationID, &sm.Alias); err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		summaries = append(summaries, sm)
	}
	return summaries, rows.Err()
}

// UpsertConversation writes the full conversation document. Concurrent
// writers resolve last-write-wins on the (user_id, conversation_id) key.
func (s *Store) UpsertConversation(ctx context.Context, c *chat.Conversation) error {
	messagesJSON, err := json.Marshal(c.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversations (user_id, conversation_id, alias, model, temperature, reason, system_message, messages, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, conversation_id) DO UPDATE SET
		  alias = EXCLUDED.alias,
		  model = EXCLUDED.model,
		  temperature = EXCLUDED.temperature,
		  reason = EXCLUDED.reason,
		  system_message = EXCLUDED.system_message,
		  messages = EXCLUDED.messages,
		  updated_at = EXCLUDED.updated_at`,
		c.UserID, c.ConversationID, c.Alias, c.Model, c.Temperature, c.Reason,
		c.SystemMessage, messagesJSON, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation %s/%s: %w", c.UserID, c.ConversationID, err)
	}
	return nil
}

func (s *Store) RenameConversation(ctx context.Context, userID, conversationID, alias string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET alias = $3, updated_at = now()
		WHERE user_id = $1 AND conversation_id = $2`, userID, conversationID, alias)
	return execExpectOne(tag, err, "rename conversation %s/%s", userID, conversationID)
}

func (s *Store) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conversations WHERE user_id = $1 AND conversation_id = $2`, userID, conversationID)
	return execExpectOne(tag, err, "delete conversation %s/%s", userID, conversationID)
}

func (s *Store) DeleteAllConversations(ctx context.Context, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete all conversations for %s: %w", userID, err)
	}
	return tag.RowsAffected(), nil
}

// TruncateConversation drops all messages from startIndex onward.
func (s *Store) TruncateConversation(ctx context.Context, userID, conversationID string, startIndex int) error {
	c, err := s.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	if startIndex < 0 || startIndex >= len(c.Messages) {
		return fmt.Errorf("truncate conversation %s/%s: index %d out of range: %w",
			userID, conversationID, startIndex, domain.ErrValidation)
	}

	messagesJSON, err := json.Marshal(c.Messages[:startIndex])
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET messages = $3, updated_at = now()
		WHERE user_id = $1 AND conversation_id = $2`, userID, conversationID, messagesJSON)
	return execExpectOne(tag, err, "truncate conversation %s/%s", userID, conversationID)
}
