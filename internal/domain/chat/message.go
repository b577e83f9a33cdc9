// Package chat defines the conversation domain model: messages, multimodal
// content parts, conversations, and the per-turn chat request.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates Part variants.
type PartType string

const (
	// PartText is a plain text fragment.
	PartText PartType = "text"
	// PartImage references a previously stored image by path.
	PartImage PartType = "image"
	// PartFile carries a base64-encoded document. File parts never survive
	// formatting: they are rewritten to text parts before reaching a provider.
	PartFile PartType = "file"
)

// Part is one element of multimodal message content.
type Part struct {
	Type PartType `json:"type"`
	// Text is set for text parts.
	Text string `json:"text,omitempty"`
	// ImagePath is the stored file path for image parts.
	ImagePath string `json:"image,omitempty"`
	// Name is the declared filename for image and file parts.
	Name string `json:"name,omitempty"`
	// Data is the base64-encoded payload for file parts.
	Data string `json:"file,omitempty"`
}

// Content is message content: either plain text or an ordered part sequence.
// It marshals to a JSON string for plain text and to a JSON array otherwise,
// matching the stored document shape.
type Content struct {
	Text  string
	Parts []Part
}

// Multipart reports whether the content is a part sequence.
func (c Content) Multipart() bool { return c.Parts != nil }

// PlainText returns the text of a plain content, or the concatenation of all
// text parts of a multipart content.
func (c Content) PlainText() string {
	if !c.Multipart() {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// Clone returns a deep copy. Formatting always operates on clones so stored
// history is never mutated.
func (c Content) Clone() Content {
	if c.Parts == nil {
		return c
	}
	parts := make([]Part, len(c.Parts))
	copy(parts, c.Parts)
	return Content{Parts: parts}
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Multipart() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty content")
	}
	switch data[0] {
	case '"':
		c.Parts = nil
		return json.Unmarshal(data, &c.Text)
	case '[':
		c.Text = ""
		return json.Unmarshal(data, &c.Parts)
	case 'n': // null
		*c = Content{}
		return nil
	default:
		return fmt.Errorf("content must be a string or an array, got %q", data[0])
	}
}

// TextContent builds plain text content.
func TextContent(s string) Content { return Content{Text: s} }

// PartsContent builds multipart content.
func PartsContent(parts ...Part) Content { return Content{Parts: parts} }

// Message is a single entry in a conversation's ordered history.
type Message struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	return Message{Role: m.Role, Content: m.Content.Clone()}
}

// CloneMessages deep-copies a message slice. The orchestrator works on a copy
// of loaded history so concurrent readers never observe its mutations.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
