// Package provider defines the outbound port for upstream LLM providers.
//
// Heterogeneous upstream streaming APIs (chat-completions SSE, Anthropic
// messages events, single-shot completion bodies) are normalized into one
// token-event sequence so the chat orchestrator never branches per provider.
package provider

import "context"

// EventType discriminates stream events.
type EventType int

const (
	// EventToken carries an incremental piece of the final answer.
	EventToken EventType = iota
	// EventThinkStart marks the beginning of a reasoning block.
	EventThinkStart
	// EventThinkToken carries an incremental piece of a reasoning block.
	EventThinkToken
	// EventThinkEnd marks the end of a reasoning block.
	EventThinkEnd
	// EventCitations carries the buffered citation list, emitted once after
	// the main content.
	EventCitations
	// EventError reports an upstream failure. It is always the last event
	// before the channel closes.
	EventError
	// EventEnd marks normal completion of the stream.
	EventEnd
)

// Event is one element of the normalized stream.
type Event struct {
	Type      EventType
	Text      string
	Citations []string
	Err       string
}

// WirePart is a normalized content element of a formatted message. The
// formatter resolves file parts to text and inlines image bytes; adapters
// only translate this shape into their provider's JSON.
type WirePart struct {
	Type      string // "text" or "image"
	Text      string
	MediaType string // image MIME type, e.g. "image/png"
	Data      string // base64 image payload
}

// WireMessage is one formatted message of the upstream payload.
type WireMessage struct {
	Role  string
	Parts []WirePart
}

// Text returns the concatenated text parts of the message.
func (m WireMessage) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// TextMessage builds a single-part text wire message.
func TextMessage(role, text string) WireMessage {
	return WireMessage{Role: role, Parts: []WirePart{{Type: "text", Text: text}}}
}

// Payload is the fully formatted upstream request body content. System is set
// only for providers that take directives as a dedicated field; otherwise the
// directives are already injected as a leading message.
type Payload struct {
	System   string
	Messages []WireMessage
}

// Request is the provider-facing request for one assistant turn.
type Request struct {
	Model       string
	Temperature float64
	// Reason is the reasoning-effort level 0-3; 0 disables thinking output.
	Reason  int
	Payload Payload
}

// Adapter abstracts one upstream provider. Implementations must stop
// producing as soon as ctx is cancelled, emit at most one EventError, and
// never panic across this boundary.
type Adapter interface {
	// Name is a stable identifier like "gpt" or "claude".
	Name() string

	// OpenStream starts a streaming completion. The returned channel is
	// closed after EventEnd or EventError, or once ctx is cancelled.
	// Providers without upstream streaming chunk a single-shot response to
	// preserve the contract.
	OpenStream(ctx context.Context, req Request) (<-chan Event, error)

	// Complete performs a non-streaming completion and returns the full
	// text. Used for small auxiliary calls such as alias generation.
	Complete(ctx context.Context, req Request) (string, error)
}

// Config describes how one provider endpoint is driven. It parameterizes the
// formatter and the shared adapters instead of per-provider handler code.
type Config struct {
	// Name is the route and registry key ("gpt", "claude", "gemini", ...).
	Name string `yaml:"name"`
	// BaseURL of the upstream API. Empty means the adapter default.
	BaseURL string `yaml:"base_url"`
	// APIKey authenticates against the upstream.
	APIKey string `yaml:"api_key"`
	// API selects the adapter dialect: "openai" or "anthropic".
	API string `yaml:"api"`
	// AdminRole is the role name used for injected directive messages
	// ("system", "developer", or "assistant").
	AdminRole string `yaml:"admin_role"`
	// SystemAsField places directives in a dedicated payload field instead
	// of a leading message.
	SystemAsField bool `yaml:"system_as_field"`
	// Streaming reports upstream streaming support. When false the adapter
	// simulates streaming by chunking the full response.
	Streaming bool `yaml:"streaming"`
	// Window is the history suffix length sent upstream.
	Window int `yaml:"window"`
}
