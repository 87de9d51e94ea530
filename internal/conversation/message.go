package conversation

import (
	"strings"

	"github.com/firebase/genkit/go/ai"
)

// External role names. Genkit uses "model" internally; the service API speaks
// the conventional "assistant".
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is the externally visible view of one conversation entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessageText joins the text parts of a message into a single string.
func MessageText(msg *ai.Message) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range msg.Content {
		if part != nil && part.Text != "" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// ToolRequests returns the tool request parts of a message, in order.
func ToolRequests(msg *ai.Message) []*ai.ToolRequest {
	if msg == nil {
		return nil
	}
	var reqs []*ai.ToolRequest
	for _, part := range msg.Content {
		if part != nil && part.ToolRequest != nil {
			reqs = append(reqs, part.ToolRequest)
		}
	}
	return reqs
}

// NormalizeAssistant flattens a model response message so that all text
// blocks collapse into one text part, preserving tool request parts. Some
// providers return structured multi-block content; downstream code relies on
// a single text part per assistant message.
func NormalizeAssistant(msg *ai.Message) *ai.Message {
	if msg == nil {
		return nil
	}

	var parts []*ai.Part
	for _, part := range msg.Content {
		if part != nil && part.ToolRequest != nil {
			parts = append(parts, part)
		}
	}
	if text := MessageText(msg); text != "" {
		parts = append(parts, ai.NewTextPart(text))
	}

	return &ai.Message{
		Role:     ai.RoleModel,
		Content:  parts,
		Metadata: msg.Metadata,
	}
}

// LastUserText returns the text of the most recent user message, or "".
func LastUserText(msgs []*ai.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i] != nil && msgs[i].Role == ai.RoleUser {
			return MessageText(msgs[i])
		}
	}
	return ""
}

// LastAnswer returns the text of the most recent model message that carries
// no pending tool requests. This is the answer of a completed turn.
func LastAnswer(msgs []*ai.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if msg == nil || msg.Role != ai.RoleModel {
			continue
		}
		if len(ToolRequests(msg)) > 0 {
			continue
		}
		return MessageText(msg)
	}
	return ""
}

// Visible filters a message history down to what callers may see: user and
// assistant messages with non-empty text. Tool traffic and system prompts
// stay internal.
func Visible(msgs []*ai.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			continue
		}

		var role string
		switch msg.Role {
		case ai.RoleUser:
			role = RoleUser
		case ai.RoleModel:
			role = RoleAssistant
		default:
			continue
		}

		if len(ToolRequests(msg)) > 0 {
			continue
		}
		text := MessageText(msg)
		if text == "" {
			continue
		}
		out = append(out, Message{Role: role, Content: text})
	}
	return out
}
