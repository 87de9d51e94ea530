// Package conversation defines the data model shared by the workflow engine,
// the checkpoint store and the agent facade: the per-thread conversation
// state, retrieved document records, and helpers over genkit message lists.
package conversation

import "github.com/firebase/genkit/go/ai"

// Document is one retrieved excerpt with its attribution metadata.
// Metadata carries at least "source", "document_id" and, for owner-scoped
// content, "owner_id".
type Document struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// State is the unit of workflow data for one thread.
//
// Messages accumulates across turns and is append-only; use Append rather
// than assigning the slice. Retrieved is replaced by every retrieve step and
// reflects only the most recent retrieval. Provider and Model select the LLM
// backend for the current turn and fall back to process configuration when
// empty.
type State struct {
	Messages  []*ai.Message `json:"messages"`
	UserID    *int64        `json:"user_id,omitempty"`
	Retrieved []Document    `json:"retrieved_documents,omitempty"`
	Provider  string        `json:"provider,omitempty"`
	Model     string        `json:"model,omitempty"`
}

// Append returns a new message sequence with msgs added after existing.
// The input slice is never mutated: the additive merge rule for conversation
// history is an explicit reducer, not ambient slice behavior.
func Append(existing []*ai.Message, msgs ...*ai.Message) []*ai.Message {
	merged := make([]*ai.Message, 0, len(existing)+len(msgs))
	merged = append(merged, existing...)
	merged = append(merged, msgs...)
	return merged
}

// Append adds msgs to the state's history via the Append reducer.
func (s *State) Append(msgs ...*ai.Message) {
	s.Messages = Append(s.Messages, msgs...)
}
