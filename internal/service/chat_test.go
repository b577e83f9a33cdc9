package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/ChatGate/internal/config"
	"github.com/Strob0t/ChatGate/internal/domain"
	"github.com/Strob0t/ChatGate/internal/domain/chat"
	"github.com/Strob0t/ChatGate/internal/domain/user"
	"github.com/Strob0t/ChatGate/internal/port/provider"
)

// memStore is an in-memory database.Store for service tests.
type memStore struct {
	mu    sync.Mutex
	users map[string]*user.User
	convs map[string]*chat.Conversation
}

func newMemStore() *memStore {
	return &memStore{
		users: make(map[string]*user.User),
		convs: make(map[string]*chat.Conversation),
	}
}

func convKey(userID, convID string) string { return userID + "/" + convID }

func (m *memStore) CreateUser(_ context.Context, u *user.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *memStore) GetUser(_ context.Context, id string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) ListUsers(_ context.Context) ([]user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []user.User
	for _, u := range m.users {
		out = append(out, *u)
	}
	return out, nil
}

func (m *memStore) UpdateUserPassword(_ context.Context, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (m *memStore) AddBilling(_ context.Context, userID string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.Billing += amount
	return nil
}

func (m *memStore) GetConversation(_ context.Context, userID, convID string) (*chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[convKey(userID, convID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	cp.Messages = chat.CloneMessages(c.Messages)
	return &cp, nil
}

func (m *memStore) ListConversations(_ context.Context, userID string) ([]chat.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []chat.Summary
	for _, c := range m.convs {
		if c.UserID == userID {
			out = append(out, chat.Summary{
				UserID:         c.UserID,
				ConversationID: c.ConversationID,
				Alias:          c.Alias,
			})
		}
	}
	return out, nil
}

func (m *memStore) UpsertConversation(_ context.Context, c *chat.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.Messages = chat.CloneMessages(c.Messages)
	m.convs[convKey(c.UserID, c.ConversationID)] = &cp
	return nil
}

func (m *memStore) RenameConversation(_ context.Context, userID, convID, alias string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[convKey(userID, convID)]
	if !ok {
		return domain.ErrNotFound
	}
	c.Alias = alias
	return nil
}

func (m *memStore) DeleteConversation(_ context.Context, userID, convID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[convKey(userID, convID)]; !ok {
		return domain.ErrNotFound
	}
	delete(m.convs, convKey(userID, convID))
	return nil
}

func (m *memStore) DeleteAllConversations(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, c := range m.convs {
		if c.UserID == userID {
			delete(m.convs, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) TruncateConversation(_ context.Context, userID, convID string, startIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[convKey(userID, convID)]
	if !ok {
		return domain.ErrNotFound
	}
	if startIndex < 0 || startIndex >= len(c.Messages) {
		return domain.ErrValidation
	}
	c.Messages = c.Messages[:startIndex]
	return nil
}

// scriptAdapter replays a fixed event sequence.
type scriptAdapter struct {
	name   string
	events []provider.Event
	text   string
}

func (a *scriptAdapter) Name() string { return a.name }

func (a *scriptAdapter) OpenStream(ctx context.Context, _ provider.Request) (<-chan provider.Event, error) {
	out := make(chan provider.Event)
	go func() {
		defer close(out)
		for _, ev := range a.events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (a *scriptAdapter) Complete(context.Context, provider.Request) (string, error) {
	return a.text, nil
}

func newTestChat(t *testing.T, events []provider.Event) (*ChatService, *memStore) {
	t.Helper()
	store := newMemStore()
	if err := store.CreateUser(context.Background(), &user.User{ID: "u1", Email: "u1@example.com"}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Defaults()
	cfg.Chat.FilesDir = t.TempDir()
	cfg.Chat.QueueSize = 0 // unbuffered, so relayed frames match delivered frames

	auth := NewAuthService(store, &cfg.Auth, nil, 0)
	svc := NewChatService(store, auth, NewFormatter(cfg.Chat), &cfg.Chat, nil, nil, nil)
	svc.RegisterProvider(
		provider.Config{Name: "gpt", API: "openai", AdminRole: "system", Streaming: true, Window: 30},
		&scriptAdapter{name: "gpt", events: events},
	)
	return svc, store
}

func turnRequest(msg string) *chat.Request {
	return &chat.Request{
		ConversationID: "c1",
		Model:          "gpt-4o",
		InBilling:      2.5,
		OutBilling:     10,
		UserMessage:    chat.TextContent(msg),
	}
}

// collectFrames drains the stream and returns the concatenated content and
// the first error frame, if any.
func collectFrames(frames <-chan StreamFrame) (string, string) {
	var content strings.Builder
	var errMsg string
	for f := range frames {
		content.WriteString(f.Content)
		if f.Err != "" {
			errMsg = f.Err
		}
	}
	return content.String(), errMsg
}

func storedConv(t *testing.T, store *memStore) *chat.Conversation {
	t.Helper()
	conv, err := store.GetConversation(context.Background(), "u1", "c1")
	if err != nil {
		t.Fatalf("conversation not stored: %v", err)
	}
	return conv
}

func TestStreamTurn_HappyPath(t *testing.T) {
	svc, store := newTestChat(t, []provider.Event{
		{Type: provider.EventToken, Text: "Hi"},
		{Type: provider.EventToken, Text: " there"},
		{Type: provider.EventEnd},
	})

	frames, err := svc.StreamTurn(context.Background(), "u1", "gpt", turnRequest("hello"))
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	content, errMsg := collectFrames(frames)
	if content != "Hi there" || errMsg != "" {
		t.Errorf("got content %q, err %q", content, errMsg)
	}

	conv := storedConv(t, store)
	if len(conv.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(conv.Messages))
	}
	if conv.Messages[0].Role != chat.RoleUser || conv.Messages[0].Content.PlainText() != "hello" {
		t.Errorf("user message = %+v", conv.Messages[0])
	}
	if conv.Messages[1].Role != chat.RoleAssistant || conv.Messages[1].Content.PlainText() != "Hi there" {
		t.Errorf("assistant message = %+v", conv.Messages[1])
	}

	u, _ := store.GetUser(context.Background(), "u1")
	if u.Billing <= 0 {
		t.Errorf("billing = %v, want > 0", u.Billing)
	}
}

func TestStreamTurn_AlternatingHistory(t *testing.T) {
	svc, store := newTestChat(t, []provider.Event{
		{Type: provider.EventToken, Text: "ok"},
		{Type: provider.EventEnd},
	})

	for _, msg := range []string{"one", "two", "three"} {
		frames, err := svc.StreamTurn(context.Background(), "u1", "gpt", turnRequest(msg))
		if err != nil {
			t.Fatalf("StreamTurn(%q): %v", msg, err)
		}
		collectFrames(frames)
	}

	conv := storedConv(t, store)
	if len(conv.Messages) != 6 {
		t.Fatalf("got %d messages, want 6", len(conv.Messages))
	}
	for i, m := range conv.Messages {
		want := chat.RoleUser
		if i%2 == 1 {
			want = chat.RoleAssistant
		}
		if m.Role != want {
			t.Errorf("message %d role = %q, want %q", i, m.Role, want)
		}
	}
}

func TestStreamTurn_BillingMonotonic(t *testing.T) {
	svc, store := newTestChat(t, []provider.Event{
		{Type: provider.EventToken, Text: "a response with several tokens"},
		{Type: provider.EventEnd},
	})

	var last float64
	for i := 0; i < 3; i++ {
		frames, err := svc.StreamTurn(context.Background(), "u1", "gpt", turnRequest("hello again"))
		if err != nil {
			t.Fatal(err)
		}
		collectFrames(frames)
		u, _ := store.GetUser(context.Background(), "u1")
		if u.Billing <= last {
			t.Fatalf("billing %v not greater than previous %v", u.Billing, last)
		}
		last = u.Billing
	}
}

func TestStreamTurn_UpstreamErrorMidStream(t *testing.T) {
	svc, store := newTestChat(t, []provider.Event{
		{Type: provider.EventToken, Text: "partial"},
		{Type: provider.EventError, Err: "upstream exploded"},
	})

	frames, err := svc.StreamTurn(context.Background(), "u1", "gpt", turnRequest("hello"))
	if err != nil {
		t.Fatal(err)
	}
	content, errMsg := collectFrames(frames)
	if content != "partial" {
		t.Errorf("content = %q, want partial token only", content)
	}
	if errMsg != "upstream exploded" {
		t.Errorf("error frame = %q", errMsg)
	}

	conv := storedConv(t, store)
	if got := conv.Messages[1].Content.PlainText(); got != "partial" {
		t.Errorf("stored assistant message = %q, want the partial text", got)
	}
}

func TestStreamTurn_ClientDisconnect(t *testing.T) {
	svc, store := newTestChat(t, []provider.Event{
		{Type: provider.EventToken, Text: "a"},
		{Type: provider.EventToken, Text: "b"},
		{Type: provider.EventToken, Text: "c"},
		{Type: provider.EventToken, Text: "d"},
		{Type: provider.EventToken, Text: "e"},
		{Type: provider.EventEnd},
	})

	ctx, cancel := context.WithCancel(context.Background())
	frames, err := svc.StreamTurn(ctx, "u1", "gpt", turnRequest("hello"))
	if err != nil {
		t.Fatal(err)
	}

	// Read two frames, then disconnect.
	var got string
	for i := 0; i < 2; i++ {
		f := <-frames
		got += f.Content
	}
	cancel()
	for range frames {
	}

	if got != "ab" {
		t.Fatalf("received %q before disconnect, want ab", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		conv, err := store.GetConversation(context.Background(), "u1", "c1")
		if err == nil && len(conv.Messages) == 2 {
			if text := conv.Messages[1].Content.PlainText(); text != "ab" {
				t.Fatalf("stored assistant message = %q, want ab", text)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("turn was not finalized after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamTurn_EmptyResponsePlaceholder(t *testing.T) {
	svc, store := newTestChat(t, []provider.Event{
		{Type: provider.EventEnd},
	})

	frames, err := svc.StreamTurn(context.Background(), "u1", "gpt", turnRequest("hello"))
	if err != nil {
		t.Fatal(err)
	}
	content, _ := collectFrames(frames)
	if content != "" {
		t.Errorf("content = %q, want none", content)
	}

	conv := storedConv(t, store)
	if got := conv.Messages[1].Content.PlainText(); got != chat.Placeholder {
		t.Errorf("stored assistant message = %q, want the placeholder", got)
	}
}

func TestStreamTurn_ThinkingShownNotPersisted(t *testing.T) {
	svc, store := newTestChat(t, []provider.Event{
		{Type: provider.EventThinkStart},
		{Type: provider.EventThinkToken, Text: "x"},
		{Type: provider.EventThinkEnd},
		{Type: provider.EventToken, Text: "answer"},
		{Type: provider.EventEnd},
	})

	req := turnRequest("hello")
	req.Reason = 2
	frames, err := svc.StreamTurn(context.Background(), "u1", "gpt", req)
	if err != nil {
		t.Fatal(err)
	}
	content, _ := collectFrames(frames)
	if want := thinkOpen + "x" + thinkClose + "answer"; content != want {
		t.Errorf("relayed content = %q, want %q", content, want)
	}

	conv := storedConv(t, store)
	if got := conv.Messages[1].Content.PlainText(); got != "answer" {
		t.Errorf("stored assistant message = %q, reasoning must be excluded", got)
	}
}

func TestStreamTurn_PersistThinkingPolicy(t *testing.T) {
	svc, store := newTestChat(t, []provider.Event{
		{Type: provider.EventThinkStart},
		{Type: provider.EventThinkToken, Text: "plan"},
		{Type: provider.EventThinkEnd},
		{Type: provider.EventToken, Text: "answer"},
		{Type: provider.EventEnd},
	})
	svc.cfg.PersistThinking = true

	frames, err := svc.StreamTurn(context.Background(), "u1", "gpt", turnRequest("hello"))
	if err != nil {
		t.Fatal(err)
	}
	collectFrames(frames)

	conv := storedConv(t, store)
	want := thinkOpen + "plan" + thinkClose + "answer"
	if got := conv.Messages[1].Content.PlainText(); got != want {
		t.Errorf("stored assistant message = %q, want %q", got, want)
	}
}

func TestStreamTurn_CitationsTrailingBlock(t *testing.T) {
	svc, store := newTestChat(t, []provider.Event{
		{Type: provider.EventToken, Text: "answer"},
		{Type: provider.EventCitations, Citations: []string{"https://a.example", "https://b.example"}},
		{Type: provider.EventEnd},
	})

	frames, err := svc.StreamTurn(context.Background(), "u1", "gpt", turnRequest("hello"))
	if err != nil {
		t.Fatal(err)
	}
	content, _ := collectFrames(frames)
	if !strings.HasPrefix(content, "answer") {
		t.Errorf("citations must follow the content, got %q", content)
	}
	if !strings.Contains(content, "1. https://a.example") || !strings.Contains(content, "2. https://b.example") {
		t.Errorf("citation block missing: %q", content)
	}

	conv := storedConv(t, store)
	if got := conv.Messages[1].Content.PlainText(); !strings.Contains(got, "**Sources:**") {
		t.Errorf("stored message missing citation block: %q", got)
	}
}

func TestStreamTurn_UnknownProvider(t *testing.T) {
	svc, _ := newTestChat(t, nil)

	_, err := svc.StreamTurn(context.Background(), "u1", "nope", turnRequest("hello"))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStreamTurn_InvalidRequest(t *testing.T) {
	svc, _ := newTestChat(t, nil)

	req := turnRequest("hello")
	req.Model = ""
	_, err := svc.StreamTurn(context.Background(), "u1", "gpt", req)
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestLockConversation_CancelledWhileWaiting(t *testing.T) {
	svc, _ := newTestChat(t, nil)

	unlock, err := svc.lockConversation(context.Background(), "u1/c1")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.lockConversation(ctx, "u1/c1"); err == nil {
		t.Error("expected error when waiting on a held lock with a cancelled context")
	}
}

func TestCitationBlock_Empty(t *testing.T) {
	if got := citationBlock(nil); got != "" {
		t.Errorf("citationBlock(nil) = %q, want empty", got)
	}
}
