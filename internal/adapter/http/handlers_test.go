package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Strob0t/ChatGate/internal/config"
	"github.com/Strob0t/ChatGate/internal/domain"
	"github.com/Strob0t/ChatGate/internal/domain/chat"
	"github.com/Strob0t/ChatGate/internal/domain/user"
	"github.com/Strob0t/ChatGate/internal/port/provider"
	"github.com/Strob0t/ChatGate/internal/service"
)

// fakeStore is an in-memory database.Store for handler tests.
type fakeStore struct {
	mu    sync.Mutex
	users map[string]*user.User
	convs map[string]*chat.Conversation
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: make(map[string]*user.User),
		convs: make(map[string]*chat.Conversation),
	}
}

func convKey(userID, conversationID string) string { return userID + "/" + conversationID }

func (s *fakeStore) CreateUser(_ context.Context, u *user.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return fmt.Errorf("email taken: %w", domain.ErrConflict)
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *fakeStore) GetUser(_ context.Context, id string) (*user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fakeStore) GetUserByEmail(_ context.Context, email string) (*user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *fakeStore) ListUsers(_ context.Context) ([]user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]user.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	return out, nil
}

func (s *fakeStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (s *fakeStore) AddBilling(_ context.Context, userID string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.Billing += amount
	return nil
}

func (s *fakeStore) GetConversation(_ context.Context, userID, conversationID string) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convKey(userID, conversationID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	cp.Messages = chat.CloneMessages(c.Messages)
	return &cp, nil
}

func (s *fakeStore) ListConversations(_ context.Context, userID string) ([]chat.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Summary
	for _, c := range s.convs {
		if c.UserID == userID {
			out = append(out, chat.Summary{UserID: c.UserID, ConversationID: c.ConversationID, Alias: c.Alias})
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertConversation(_ context.Context, c *chat.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.Messages = chat.CloneMessages(c.Messages)
	s.convs[convKey(c.UserID, c.ConversationID)] = &cp
	return nil
}

func (s *fakeStore) RenameConversation(_ context.Context, userID, conversationID, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convKey(userID, conversationID)]
	if !ok {
		return domain.ErrNotFound
	}
	c.Alias = alias
	return nil
}

func (s *fakeStore) DeleteConversation(_ context.Context, userID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := convKey(userID, conversationID)
	if _, ok := s.convs[key]; !ok {
		return domain.ErrNotFound
	}
	delete(s.convs, key)
	return nil
}

func (s *fakeStore) DeleteAllConversations(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, c := range s.convs {
		if c.UserID == userID {
			delete(s.convs, key)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) TruncateConversation(_ context.Context, userID, conversationID string, startIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convKey(userID, conversationID)]
	if !ok {
		return domain.ErrNotFound
	}
	if startIndex < 0 || startIndex > len(c.Messages) {
		return fmt.Errorf("%w: start index out of range", domain.ErrValidation)
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
	ch := make(chan provider.Event)
	go func() {
		defer close(ch)
		for _, ev := range a.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (a *scriptAdapter) Complete(_ context.Context, _ provider.Request) (string, error) {
	return a.text, nil
}

type testServer struct {
	srv   *httptest.Server
	store *fakeStore
	cfg   *config.Config
}

func newTestServer(t *testing.T, events []provider.Event) *testServer {
	t.Helper()

	cfg := config.Defaults()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.BcryptCost = 4
	cfg.Chat.FilesDir = t.TempDir()
	cfg.Chat.QueueSize = 0

	store := newFakeStore()
	authSvc := service.NewAuthService(store, &cfg.Auth, nil, 0)
	formatter := service.NewFormatter(cfg.Chat)
	chatSvc := service.NewChatService(store, authSvc, formatter, &cfg.Chat, nil, nil, nil)
	chatSvc.RegisterProvider(
		provider.Config{Name: "gpt", API: "openai", AdminRole: "system", Streaming: true, Window: 10},
		&scriptAdapter{name: "gpt", events: events, text: "Test Title"},
	)
	convSvc := service.NewConversationService(store, chatSvc, &cfg.Chat, nil)

	h := &Handlers{
		Auth:          authSvc,
		Chat:          chatSvc,
		Conversations: convSvc,
		Cfg:           &cfg,
	}
	srv := httptest.NewServer(NewRouter(h, authSvc, nil))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: store, cfg: &cfg}
}

// registerAndLogin creates an account and returns the access token.
func (ts *testServer) registerAndLogin(t *testing.T) string {
	t.Helper()

	body := `{"name":"Ada","email":"ada@example.com","password":"longenough"}`
	resp, err := http.Post(ts.srv.URL+"/api/v1/auth/register", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", resp.StatusCode)
	}

	login := `{"email":"ada@example.com","password":"longenough"}`
	resp, err = http.Post(ts.srv.URL+"/api/v1/auth/login", "application/json", strings.NewReader(login))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}

	var lr user.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if lr.AccessToken == "" {
		t.Fatal("login returned empty access token")
	}

	var cookieSet bool
	for _, c := range resp.Cookies() {
		if c.Name == ts.cfg.Auth.CookieName && c.Value == lr.AccessToken && c.HttpOnly {
			cookieSet = true
		}
	}
	if !cookieSet {
		t.Fatal("login did not set the httponly session cookie")
	}
	return lr.AccessToken
}

func (ts *testServer) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/api/v1/conversations/", "", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthStatus(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/api/v1/auth/status", "", "")
	var out map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if out["authenticated"] {
		t.Fatal("anonymous request reported authenticated")
	}

	token := ts.registerAndLogin(t)
	resp = ts.do(t, http.MethodGet, "/api/v1/auth/status", token, "")
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if !out["authenticated"] {
		t.Fatal("valid token reported unauthenticated")
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.registerAndLogin(t)

	body := `{"name":"Ada Again","email":"ada@example.com","password":"longenough"}`
	resp, err := http.Post(ts.srv.URL+"/api/v1/auth/register", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestLoginBadPassword(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.registerAndLogin(t)

	body := `{"email":"ada@example.com","password":"not-the-password"}`
	resp, err := http.Post(ts.srv.URL+"/api/v1/auth/login", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestCurrentUser(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.registerAndLogin(t)

	resp := ts.do(t, http.MethodGet, "/api/v1/auth/user", token, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var u user.User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.Email != "ada@example.com" {
		t.Fatalf("email = %q, want ada@example.com", u.Email)
	}
}

func TestConversationLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.registerAndLogin(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/conversations/", token, `{"user_message":"What is Go?"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var conv chat.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	resp.Body.Close()
	if conv.ConversationID == "" {
		t.Fatal("created conversation has empty id")
	}
	if conv.Alias != "Test Title" {
		t.Fatalf("alias = %q, want generated title", conv.Alias)
	}

	resp = ts.do(t, http.MethodGet, "/api/v1/conversations/", token, "")
	var summaries []chat.Summary
	if err := json.NewDecoder(resp.Body).Decode(&summaries); err != nil {
		t.Fatalf("decode summaries: %v", err)
	}
	resp.Body.Close()
	if len(summaries) != 1 {
		t.Fatalf("got %d conversations, want 1", len(summaries))
	}

	resp = ts.do(t, http.MethodPatch, "/api/v1/conversations/"+conv.ConversationID, token, `{"alias":"Renamed"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rename status = %d, want 200", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ConversationID, token, "")
	var got chat.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	resp.Body.Close()
	if got.Alias != "Renamed" {
		t.Fatalf("alias after rename = %q, want Renamed", got.Alias)
	}

	resp = ts.do(t, http.MethodDelete, "/api/v1/conversations/"+conv.ConversationID, token, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ConversationID, token, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestTruncateConversation(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.registerAndLogin(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/conversations/", token, `{}`)
	var conv chat.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ConversationID+"/truncate?from=0", token, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("truncate status = %d, want 204", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ConversationID+"/truncate?from=oops", token, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad index status = %d, want 400", resp.StatusCode)
	}
}

func TestUploadFile(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.registerAndLogin(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "diagram.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte("png-bytes")); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/v1/files", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["name"] != "diagram.png" {
		t.Fatalf("name = %q, want diagram.png", out["name"])
	}
}
