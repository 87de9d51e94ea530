// Package testutil provides shared testing utilities for the okapi project.
//
// This package contains reusable test infrastructure used across packages,
// following the pattern of Go standard library packages like
// net/http/httptest and testing/iotest.
package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// MockLLM provides deterministic LLM responses for testing.
//
// Responses come from two sources, checked in order:
//  1. A scripted FIFO queue (Enqueue*): each generate call consumes one
//     entry. This is how multi-step tool loops are tested, since the same
//     user message triggers different responses on successive calls.
//  2. Pattern rules (AddResponse): substring match against the last user
//     message, first match wins.
//
// When neither yields a response the fallback text is returned.
// Thread-safe for concurrent use.
type MockLLM struct {
	mu       sync.Mutex
	script   []mockTurn
	patterns []mockTurn
	fallback string
	calls    []MockCall
}

type mockTurn struct {
	pattern string            // substring match, empty for scripted turns
	text    string            // text response
	tools   []*ai.ToolRequest // tool calls to request (nil = text only)
}

// MockCall records a single call to the mock model.
type MockCall struct {
	UserMessage string // last user message text
	Response    string // response text returned
	Messages    int    // number of messages in the request
	ToolCalls   int    // number of tool requests returned
	Streamed    bool   // whether a stream callback was supplied
}

// NewMockLLM creates a mock LLM with the given fallback response.
func NewMockLLM(fallback string) *MockLLM {
	return &MockLLM{fallback: fallback}
}

// AddResponse registers a pattern-response pair.
// When a user message contains the pattern (case-insensitive), the response
// is returned. Patterns are checked in registration order.
func (m *MockLLM) AddResponse(pattern, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = append(m.patterns, mockTurn{
		pattern: strings.ToLower(pattern),
		text:    response,
	})
}

// EnqueueText appends a scripted text-only response.
func (m *MockLLM) EnqueueText(response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockTurn{text: response})
}

// EnqueueToolRequests appends a scripted response that requests tool calls.
// text accompanies the tool requests, mimicking models that narrate before
// calling tools; pass "" for a bare tool call.
func (m *MockLLM) EnqueueToolRequests(text string, tools ...*ai.ToolRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockTurn{text: text, tools: tools})
}

// Calls returns a copy of all recorded calls.
func (m *MockLLM) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]MockCall, len(m.calls))
	copy(cp, m.calls)
	return cp
}

// Reset clears recorded calls and any unconsumed script (keeps patterns).
func (m *MockLLM) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.script = nil
}

// ModelName is the provider-qualified name the mock registers under.
const ModelName = "mock/chat-model"

// RegisterModel registers the mock as a Genkit model and returns a reference.
func (m *MockLLM) RegisterModel(g *genkit.Genkit) ai.Model {
	return genkit.DefineModel(g, ModelName, &ai.ModelOptions{
		Label: "Mock Chat Model",
		Supports: &ai.ModelSupports{
			Multiturn:  true,
			Tools:      true,
			SystemRole: true,
			Media:      false,
		},
	}, m.generate)
}

// generate is the Genkit model function.
func (m *MockLLM) generate(ctx context.Context, req *ai.ModelRequest, cb ai.ModelStreamCallback) (*ai.ModelResponse, error) {
	var userText string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == ai.RoleUser {
			userText = req.Messages[i].Text()
			break
		}
	}

	m.mu.Lock()
	var turn mockTurn
	switch {
	case len(m.script) > 0:
		turn = m.script[0]
		m.script = m.script[1:]
	default:
		turn = mockTurn{text: m.fallback}
		lower := strings.ToLower(userText)
		for i := range m.patterns {
			if strings.Contains(lower, m.patterns[i].pattern) {
				turn = m.patterns[i]
				break
			}
		}
	}

	m.calls = append(m.calls, MockCall{
		UserMessage: userText,
		Response:    turn.text,
		Messages:    len(req.Messages),
		ToolCalls:   len(turn.tools),
		Streamed:    cb != nil,
	})
	m.mu.Unlock()

	// Stream the text in word chunks so buffering logic is exercised.
	if cb != nil && turn.text != "" {
		for _, word := range splitStream(turn.text) {
			if err := cb(ctx, &ai.ModelResponseChunk{
				Content: []*ai.Part{ai.NewTextPart(word)},
			}); err != nil {
				return nil, err
			}
		}
	}

	var parts []*ai.Part
	for _, tr := range turn.tools {
		parts = append(parts, &ai.Part{
			Kind:        ai.PartToolRequest,
			ToolRequest: tr,
		})
	}
	if turn.text != "" || len(parts) == 0 {
		parts = append(parts, ai.NewTextPart(turn.text))
	}

	return &ai.ModelResponse{
		Request: req,
		Message: &ai.Message{
			Role:    ai.RoleModel,
			Content: parts,
		},
	}, nil
}

// splitStream cuts text into chunks preserving the original bytes when
// rejoined. Splits after each space so concatenation reproduces the text.
func splitStream(text string) []string {
	var chunks []string
	start := 0
	for i, r := range text {
		if r == ' ' {
			chunks = append(chunks, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		chunks = append(chunks, text[start:])
	}
	return chunks
}
