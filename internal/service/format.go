package service

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/Strob0t/ChatGate/internal/config"
	"github.com/Strob0t/ChatGate/internal/domain/chat"
	"github.com/Strob0t/ChatGate/internal/port/provider"
)

// baseInstruction is the lowest-priority directive, applied to every turn so
// responses render well in the web client regardless of provider defaults.
const baseInstruction = "Format your answers in Markdown. Use fenced code blocks with a language tag for code, and keep prose concise."

// characterSuffix is appended to the last user text part when the persona
// override is active.
const characterSuffix = " STAY IN CHARACTER"

// Formatter turns stored conversation history into a provider-neutral wire
// payload. It always works on deep copies, so the same stored history can be
// formatted any number of times without accumulating directive suffixes.
type Formatter struct {
	cfg config.Chat
}

// NewFormatter builds a Formatter over the chat configuration.
func NewFormatter(cfg config.Chat) *Formatter {
	return &Formatter{cfg: cfg}
}

// Format builds the upstream payload for one turn. Directives stack in
// priority order: base instruction, then the conversation's system message,
// then the persona override when dan is set and a persona is configured.
// Placement follows the provider: either the payload's dedicated system field
// or an injected leading message with the provider's admin role.
func (f *Formatter) Format(history []chat.Message, systemMessage string, dan bool, pcfg provider.Config) provider.Payload {
	msgs := chat.CloneMessages(history)

	directives := baseInstruction
	if systemMessage != "" {
		directives += "\n\n" + systemMessage
	}
	if dan && f.cfg.Persona != "" {
		directives += "\n\n" + f.cfg.Persona
		f.appendCharacterSuffix(msgs)
	}

	wire := make([]provider.WireMessage, 0, len(msgs)+1)
	if !pcfg.SystemAsField {
		wire = append(wire, provider.TextMessage(pcfg.AdminRole, directives))
	}
	for _, m := range msgs {
		wire = append(wire, f.wireMessage(m))
	}

	p := provider.Payload{Messages: wire}
	if pcfg.SystemAsField {
		p.System = directives
	}
	return p
}

// appendCharacterSuffix mutates the last user text in msgs, which is always a
// copy of the stored history. The suffix is never applied twice.
func (f *Formatter) appendCharacterSuffix(msgs []chat.Message) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != chat.RoleUser {
			continue
		}
		c := &msgs[i].Content
		if !c.Multipart() {
			if !strings.HasSuffix(c.Text, characterSuffix) {
				c.Text += characterSuffix
			}
			return
		}
		for j := len(c.Parts) - 1; j >= 0; j-- {
			if c.Parts[j].Type != chat.PartText {
				continue
			}
			if !strings.HasSuffix(c.Parts[j].Text, characterSuffix) {
				c.Parts[j].Text += characterSuffix
			}
			return
		}
		return
	}
}

// wireMessage normalizes one stored message. File parts become text parts
// carrying a filename marker; image parts are inlined as base64. Per-part
// failures degrade to empty payloads instead of aborting the turn.
func (f *Formatter) wireMessage(m chat.Message) provider.WireMessage {
	if !m.Content.Multipart() {
		return provider.TextMessage(string(m.Role), m.Content.Text)
	}
	parts := make([]provider.WirePart, 0, len(m.Content.Parts))
	for _, p := range m.Content.Parts {
		switch p.Type {
		case chat.PartText:
			parts = append(parts, provider.WirePart{Type: "text", Text: p.Text})
		case chat.PartFile:
			parts = append(parts, provider.WirePart{
				Type: "text",
				Text: "[[" + p.Name + "]]\n" + extractFileText(p.Data),
			})
		case chat.PartImage:
			parts = append(parts, f.imagePart(p))
		}
	}
	return provider.WireMessage{Role: string(m.Role), Parts: parts}
}

// extractFileText decodes a file part's base64 payload. An undecodable
// payload yields empty text; the rest of the request proceeds.
func extractFileText(data string) string {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return ""
	}
	return string(raw)
}

// imagePart inlines a stored image. A missing or unreadable file yields an
// empty data payload, not an error.
func (f *Formatter) imagePart(p chat.Part) provider.WirePart {
	out := provider.WirePart{Type: "image", MediaType: mimeForImage(p.ImagePath)}
	raw, err := os.ReadFile(filepath.Join(f.cfg.FilesDir, filepath.Base(p.ImagePath)))
	if err != nil {
		return out
	}
	out.Data = base64.StdEncoding.EncodeToString(raw)
	return out
}

func mimeForImage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
