package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	cgotel "github.com/Strob0t/ChatGate/internal/adapter/otel"
	"github.com/Strob0t/ChatGate/internal/adapter/ws"
	"github.com/Strob0t/ChatGate/internal/config"
	"github.com/Strob0t/ChatGate/internal/domain"
	"github.com/Strob0t/ChatGate/internal/domain/chat"
	"github.com/Strob0t/ChatGate/internal/port/broadcast"
	"github.com/Strob0t/ChatGate/internal/port/database"
	"github.com/Strob0t/ChatGate/internal/port/messagequeue"
	"github.com/Strob0t/ChatGate/internal/port/provider"
)

// Reasoning tokens are relayed inside a fenced block so the client renders
// them apart from the final answer.
const (
	thinkOpen  = "```thinking\n"
	thinkClose = "\n```\n\n"
)

// StreamFrame is one event relayed to the chat client. Exactly one field is
// set. The frame sequence preserves upstream order; an Err frame is always
// the last one before the stream ends.
type StreamFrame struct {
	Content string
	Err     string
}

// UsageEvent is published to the usage stream after every finalized turn,
// including partial turns cut short by an error or a disconnect.
type UsageEvent struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	Cost           float64   `json:"cost"`
	Partial        bool      `json:"partial"`
	DurationMS     int64     `json:"duration_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

// ChatService orchestrates one chat turn: load history, format the upstream
// payload, relay the provider stream, and always finalize (persist the
// conversation and bill the user) no matter how the stream ended.
type ChatService struct {
	store     database.Store
	auth      *AuthService
	formatter *Formatter
	cfg       *config.Chat
	queue     messagequeue.Queue
	hub       broadcast.Broadcaster
	metrics   *cgotel.Metrics

	adapters map[string]provider.Adapter
	configs  map[string]provider.Config

	// streams caps concurrent upstream streams process-wide.
	streams *semaphore.Weighted
	// convLocks serializes turns per (user, conversation) so concurrent
	// turns cannot drop each other's messages on the upsert. Entries are
	// never evicted; the map is bounded by the conversations touched since
	// startup.
	convLocks sync.Map // map[string]chan struct{}
}

// NewChatService creates the chat orchestrator. queue, hub, and metrics may
// be nil; the corresponding side effects are skipped.
func NewChatService(
	store database.Store,
	auth *AuthService,
	formatter *Formatter,
	cfg *config.Chat,
	queue messagequeue.Queue,
	hub broadcast.Broadcaster,
	metrics *cgotel.Metrics,
) *ChatService {
	return &ChatService{
		store:     store,
		auth:      auth,
		formatter: formatter,
		cfg:       cfg,
		queue:     queue,
		hub:       hub,
		metrics:   metrics,
		adapters:  make(map[string]provider.Adapter),
		configs:   make(map[string]provider.Config),
		streams:   semaphore.NewWeighted(int64(cfg.MaxConcurrentStreams)),
	}
}

// RegisterProvider adds a provider endpoint to the registry.
func (s *ChatService) RegisterProvider(pcfg provider.Config, a provider.Adapter) {
	s.adapters[pcfg.Name] = a
	s.configs[pcfg.Name] = pcfg
}

// ProviderNames lists every registered provider, sorted for stable route
// mounting.
func (s *ChatService) ProviderNames() []string {
	names := make([]string, 0, len(s.adapters))
	for name := range s.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Provider returns the adapter and config registered under name.
func (s *ChatService) Provider(name string) (provider.Adapter, provider.Config, error) {
	a, ok := s.adapters[name]
	if !ok {
		return nil, provider.Config{}, fmt.Errorf("%w: unknown provider %q", domain.ErrNotFound, name)
	}
	return a, s.configs[name], nil
}

// StreamTurn runs one chat turn against the named provider and returns the
// frame stream for the client. Errors before the upstream stream opens are
// returned directly and nothing is persisted or billed. Once the stream is
// open, every exit path (end, upstream error, client disconnect) finalizes
// the turn with whatever content was accumulated.
func (s *ChatService) StreamTurn(ctx context.Context, userID, providerName string, req *chat.Request) (<-chan StreamFrame, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	adapter, pcfg, err := s.Provider(providerName)
	if err != nil {
		return nil, err
	}

	if err := s.streams.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire stream slot: %w", err)
	}
	unlock, err := s.lockConversation(ctx, userID+"/"+req.ConversationID)
	if err != nil {
		s.streams.Release(1)
		return nil, err
	}
	release := func() {
		unlock()
		s.streams.Release(1)
	}

	conv, err := s.loadConversation(ctx, userID, req)
	if err != nil {
		release()
		return nil, err
	}

	window := conv.Window(s.windowFor(pcfg))
	window = append(window, chat.Message{Role: chat.RoleUser, Content: req.UserMessage})
	conv.Messages = append(conv.Messages, chat.Message{Role: chat.RoleUser, Content: req.UserMessage})

	payload := s.formatter.Format(window, req.SystemMessage, req.DAN, pcfg)
	// The formatted payload is the billing input, captured before streaming.
	inTokens := PayloadTokens(payload)

	ctx, span := cgotel.StartTurnSpan(ctx, providerName, req.Model, req.ConversationID)

	streamCtx, cancelStream := context.WithCancel(ctx)
	events, err := adapter.OpenStream(streamCtx, provider.Request{
		Model:       req.Model,
		Temperature: req.Temperature,
		Reason:      req.Reason,
		Payload:     payload,
	})
	if err != nil {
		cancelStream()
		span.End()
		release()
		return nil, fmt.Errorf("open stream: %w", err)
	}

	if s.metrics != nil {
		s.metrics.TurnsStarted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", providerName)))
	}

	frames := make(chan StreamFrame, s.cfg.QueueSize)
	t := &turn{
		svc:      s,
		provider: providerName,
		userID:   userID,
		req:      req,
		conv:     conv,
		inTokens: inTokens,
		started:  time.Now(),
	}

	go func() {
		defer close(frames)
		defer release()
		defer span.End()
		defer cancelStream()

		t.relay(ctx, events, frames)
		// Finalization must survive client disconnect: run it on a context
		// detached from the request's cancellation.
		t.finalize(context.WithoutCancel(ctx))
	}()

	return frames, nil
}

// turn carries the mutable state of one in-flight chat turn.
type turn struct {
	svc      *ChatService
	provider string
	userID   string
	req      *chat.Request
	conv     *chat.Conversation
	inTokens int
	started  time.Time

	answer   []byte
	thinking []byte
	failed   bool
	partial  bool
}

// relay consumes upstream events, accumulates the assistant response, and
// forwards frames to the client. It returns when the upstream closes, an
// error event arrives, or the client disconnects.
func (t *turn) relay(ctx context.Context, events <-chan provider.Event, frames chan<- StreamFrame) {
	for {
		select {
		case <-ctx.Done():
			t.partial = true
			return
		case ev, ok := <-events:
			if !ok {
				t.partial = true
				return
			}
			switch ev.Type {
			case provider.EventToken:
				// Relay first, then accumulate: a partial turn stores
				// exactly the tokens the client received.
				if !t.emit(ctx, frames, StreamFrame{Content: ev.Text}) {
					return
				}
				t.answer = append(t.answer, ev.Text...)
				if t.svc.metrics != nil {
					t.svc.metrics.StreamedTokens.Add(ctx, 1, metric.WithAttributes(
						attribute.String("provider", t.provider)))
				}
			case provider.EventThinkStart:
				if !t.emit(ctx, frames, StreamFrame{Content: thinkOpen}) {
					return
				}
			case provider.EventThinkToken:
				if !t.emit(ctx, frames, StreamFrame{Content: ev.Text}) {
					return
				}
				t.thinking = append(t.thinking, ev.Text...)
			case provider.EventThinkEnd:
				if !t.emit(ctx, frames, StreamFrame{Content: thinkClose}) {
					return
				}
			case provider.EventCitations:
				block := citationBlock(ev.Citations)
				if !t.emit(ctx, frames, StreamFrame{Content: block}) {
					return
				}
				t.answer = append(t.answer, block...)
			case provider.EventError:
				t.failed = true
				t.partial = true
				t.emit(ctx, frames, StreamFrame{Err: ev.Err})
				return
			case provider.EventEnd:
				return
			}
		}
	}
}

// emit forwards one frame, reporting false once the client is gone.
func (t *turn) emit(ctx context.Context, frames chan<- StreamFrame, f StreamFrame) bool {
	select {
	case frames <- f:
		return true
	case <-ctx.Done():
		t.partial = true
		return false
	}
}

// finalize persists and bills the turn. It runs on every exit path with
// whatever content was accumulated, so partial turns are never lost.
func (t *turn) finalize(ctx context.Context) {
	s := t.svc

	stored := string(t.answer)
	if s.cfg.PersistThinking && len(t.thinking) > 0 {
		stored = thinkOpen + string(t.thinking) + thinkClose + stored
	}
	outTokens := EstimateTokens(stored)
	if stored == "" {
		stored = chat.Placeholder
	}

	t.conv.Messages = append(t.conv.Messages, chat.Message{
		Role:    chat.RoleAssistant,
		Content: chat.TextContent(stored),
	})
	t.conv.Model = t.req.Model
	t.conv.Temperature = t.req.Temperature
	t.conv.Reason = t.req.Reason
	t.conv.SystemMessage = t.req.SystemMessage

	if err := s.store.UpsertConversation(ctx, t.conv); err != nil {
		slog.Error("persist conversation failed",
			"user_id", t.userID, "conversation_id", t.conv.ConversationID, "error", err)
	}

	cost := EstimateCost(t.inTokens, outTokens, Rates{
		In:     t.req.InBilling,
		Out:    t.req.OutBilling,
		Search: t.req.SearchBilling,
	})
	if cost > 0 {
		if err := s.store.AddBilling(ctx, t.userID, cost); err != nil {
			slog.Error("billing increment failed", "user_id", t.userID, "error", err)
		}
		s.auth.InvalidateUser(ctx, t.userID)
	}

	s.publishUsage(ctx, t, outTokens, cost)
	s.notify(ctx, t, cost)
	s.record(ctx, t, cost)

	slog.Info("turn finalized",
		"user_id", t.userID,
		"conversation_id", t.conv.ConversationID,
		"provider", t.provider,
		"in_tokens", t.inTokens,
		"out_tokens", outTokens,
		"cost", cost,
		"partial", t.partial,
		"failed", t.failed,
	)
}

func (s *ChatService) publishUsage(ctx context.Context, t *turn, outTokens int, cost float64) {
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(UsageEvent{
		UserID:         t.userID,
		ConversationID: t.conv.ConversationID,
		Provider:       t.provider,
		Model:          t.req.Model,
		InputTokens:    t.inTokens,
		OutputTokens:   outTokens,
		Cost:           cost,
		Partial:        t.partial,
		DurationMS:     time.Since(t.started).Milliseconds(),
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		slog.Error("marshal usage event", "error", err)
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectUsageTurn, data); err != nil {
		slog.Error("publish usage event", "error", err)
	}
}

func (s *ChatService) notify(ctx context.Context, t *turn, cost float64) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEventToUser(ctx, t.userID, ws.EventTurnCompleted, ws.TurnCompletedEvent{
		UserID:         t.userID,
		ConversationID: t.conv.ConversationID,
		Model:          t.req.Model,
		Cost:           cost,
	})
	if cost > 0 {
		if u, err := s.store.GetUser(ctx, t.userID); err == nil {
			s.hub.BroadcastEventToUser(ctx, t.userID, ws.EventBillingUpdated, ws.BillingUpdatedEvent{
				UserID:  t.userID,
				Billing: u.Billing,
			})
		}
	}
}

func (s *ChatService) record(ctx context.Context, t *turn, cost float64) {
	if s.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("provider", t.provider))
	if t.failed {
		s.metrics.TurnsFailed.Add(ctx, 1, attrs)
	} else {
		s.metrics.TurnsCompleted.Add(ctx, 1, attrs)
	}
	s.metrics.TurnCost.Record(ctx, cost, attrs)
	s.metrics.TurnDuration.Record(ctx, time.Since(t.started).Seconds(), attrs)
}

// loadConversation reads the stored document, or starts a fresh one when the
// first turn arrives before any explicit create.
func (s *ChatService) loadConversation(ctx context.Context, userID string, req *chat.Request) (*chat.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, userID, req.ConversationID)
	if errors.Is(err, domain.ErrNotFound) {
		return &chat.Conversation{
			UserID:         userID,
			ConversationID: req.ConversationID,
			Messages:       []chat.Message{},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return conv, nil
}

func (s *ChatService) windowFor(pcfg provider.Config) int {
	if pcfg.Window > 0 {
		return pcfg.Window
	}
	return s.cfg.WindowDefault
}

// lockConversation serializes turns on one conversation. The wait respects
// ctx so a client disconnect while queued does not leak the request.
func (s *ChatService) lockConversation(ctx context.Context, key string) (func(), error) {
	v, _ := s.convLocks.LoadOrStore(key, make(chan struct{}, 1))
	ch := v.(chan struct{})
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for conversation lock: %w", ctx.Err())
	}
}

// citationBlock formats buffered citations as a trailing markdown block.
func citationBlock(urls []string) string {
	if len(urls) == 0 {
		return ""
	}
	block := "\n\n**Sources:**\n"
	for i, u := range urls {
		block += fmt.Sprintf("%d. %s\n", i+1, u)
	}
	return block
}
