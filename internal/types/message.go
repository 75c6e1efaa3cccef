package types

import "strings"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleSystem, RoleUser, RoleAssistant:
		return Role(s), true
	default:
		return "", false
	}
}

type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartFile  PartType = "file"
)

// ContentPart is one segment of a structured message. Vendors that support
// multimodal input receive image parts natively; everyone else gets the
// flattened text form.
type ContentPart struct {
	Type PartType `json:"type"`

	// Text is set for PartText.
	Text string `json:"text,omitempty"`

	// Data is base64-encoded content for PartImage, with its media type.
	Data      string `json:"data,omitempty"`
	MediaType string `json:"media_type,omitempty"`

	// FileID/FileName reference a file held by the external file store.
	FileID   string `json:"file_id,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// Message is a canonical chat message. Content is the flat form; when Parts
// is non-empty it is authoritative and Content is ignored.
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// Flatten degrades a message to plain text. Non-text parts are replaced with
// a marker rather than dropped, so user intent never collapses to an empty
// string.
func (m Message) Flatten() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for i, p := range m.Parts {
		if i > 0 && b.Len() > 0 {
			b.WriteString("\n")
		}
		switch p.Type {
		case PartText:
			b.WriteString(p.Text)
		case PartImage:
			b.WriteString("[attached image]")
		case PartFile:
			if p.FileName != "" {
				b.WriteString("[attached file: " + p.FileName + "]")
			} else {
				b.WriteString("[attached file]")
			}
		}
	}
	return b.String()
}

// HasNonText reports whether any part requires multimodal vendor support.
func (m Message) HasNonText() bool {
	for _, p := range m.Parts {
		if p.Type != PartText {
			return true
		}
	}
	return false
}
