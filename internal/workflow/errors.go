package workflow

import "errors"

var (
	// ErrProviderCall indicates the LLM call failed. Fatal for the turn;
	// not retried internally.
	ErrProviderCall = errors.New("provider call failed")

	// ErrEmptyRequest indicates a turn was started without any messages.
	ErrEmptyRequest = errors.New("request has no messages")
)

// exhaustedAnswer closes a turn whose tool loop hit the round cap without
// any usable assistant text.
const exhaustedAnswer = "I could not complete the request within the allowed number of tool calls. Please try rephrasing your question."
