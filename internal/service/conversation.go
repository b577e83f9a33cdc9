package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Strob0t/ChatGate/internal/adapter/ws"
	"github.com/Strob0t/ChatGate/internal/config"
	"github.com/Strob0t/ChatGate/internal/domain/chat"
	"github.com/Strob0t/ChatGate/internal/port/broadcast"
	"github.com/Strob0t/ChatGate/internal/port/database"
	"github.com/Strob0t/ChatGate/internal/port/provider"
)

// aliasPrompt asks a cheap model for a short conversation title.
const aliasPrompt = "Write a title of at most five words for a conversation that starts with this message. Reply with the title only, no quotes:\n\n"

// aliasFallback is used when alias generation fails or returns nothing.
const aliasFallback = "Untitled"

const aliasMaxLen = 60

// ConversationService manages the conversation collection: listing, creation
// with a generated alias, rename, delete, and history truncation.
type ConversationService struct {
	store database.Store
	chat  *ChatService
	cfg   *config.Chat
	hub   broadcast.Broadcaster
}

// NewConversationService creates a ConversationService. hub may be nil.
func NewConversationService(store database.Store, chatSvc *ChatService, cfg *config.Chat, hub broadcast.Broadcaster) *ConversationService {
	return &ConversationService{store: store, chat: chatSvc, cfg: cfg, hub: hub}
}

// List returns the user's conversation summaries, most recently updated first.
func (s *ConversationService) List(ctx context.Context, userID string) ([]chat.Summary, error) {
	return s.store.ListConversations(ctx, userID)
}

// Get returns one full conversation document.
func (s *ConversationService) Get(ctx context.Context, userID, conversationID string) (*chat.Conversation, error) {
	return s.store.GetConversation(ctx, userID, conversationID)
}

// Create starts an empty conversation ahead of its first turn. The alias is
// generated from the opening message by a cheap single-shot completion;
// generation failure degrades to a fallback title.
func (s *ConversationService) Create(ctx context.Context, userID string, req *chat.NewConversationRequest) (*chat.Conversation, error) {
	conv := &chat.Conversation{
		UserID:         userID,
		ConversationID: generateID(),
		Alias:          s.generateAlias(ctx, req.UserMessage),
		Model:          req.Model,
		Temperature:    req.Temperature,
		Reason:         req.Reason,
		SystemMessage:  req.SystemMessage,
		Messages:       []chat.Message{},
	}
	if err := s.store.UpsertConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	s.notify(ctx, userID, conv.ConversationID, "created", conv.Alias)
	return conv, nil
}

// Rename updates a conversation's display alias.
func (s *ConversationService) Rename(ctx context.Context, userID, conversationID string, req *chat.RenameRequest) error {
	alias := strings.TrimSpace(req.Alias)
	if alias == "" {
		alias = aliasFallback
	}
	if err := s.store.RenameConversation(ctx, userID, conversationID, alias); err != nil {
		return err
	}
	s.notify(ctx, userID, conversationID, "renamed", alias)
	return nil
}

// Delete removes one conversation.
func (s *ConversationService) Delete(ctx context.Context, userID, conversationID string) error {
	if err := s.store.DeleteConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	s.notify(ctx, userID, conversationID, "deleted", "")
	return nil
}

// DeleteAll removes every conversation of the user and returns the count.
func (s *ConversationService) DeleteAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.DeleteAllConversations(ctx, userID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.notify(ctx, userID, "", "deleted", "")
	}
	return n, nil
}

// Truncate drops the message tail starting at startIndex, for regenerating a
// turn from an earlier point.
func (s *ConversationService) Truncate(ctx context.Context, userID, conversationID string, startIndex int) error {
	return s.store.TruncateConversation(ctx, userID, conversationID, startIndex)
}

// generateAlias titles a conversation from its opening message. Any failure
// falls back to a static title; creation never fails on alias generation.
func (s *ConversationService) generateAlias(ctx context.Context, openingMessage string) string {
	if openingMessage == "" || s.chat == nil {
		return aliasFallback
	}
	adapter, _, err := s.chat.Provider(s.cfg.AliasProvider)
	if err != nil {
		return aliasFallback
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	text, err := adapter.Complete(ctx, provider.Request{
		Model: s.cfg.AliasModel,
		Payload: provider.Payload{Messages: []provider.WireMessage{
			provider.TextMessage("user", aliasPrompt+openingMessage),
		}},
	})
	if err != nil {
		slog.Warn("alias generation failed", "provider", s.cfg.AliasProvider, "error", err)
		return aliasFallback
	}

	alias := strings.Trim(strings.TrimSpace(text), `"'`)
	if alias == "" {
		return aliasFallback
	}
	if len(alias) > aliasMaxLen {
		alias = alias[:aliasMaxLen]
	}
	return alias
}

func (s *ConversationService) notify(ctx context.Context, userID, conversationID, action, alias string) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEventToUser(ctx, userID, ws.EventConversation, ws.ConversationEvent{
		UserID:         userID,
		ConversationID: conversationID,
		Action:         action,
		Alias:          alias,
	})
}
