// Package agent is the service facade over the conversation workflow.
//
// Surrounding layers (the HTTP API, the CLI) talk only to this package:
// Answer and AnswerStream run a turn through the workflow engine, History
// and Clear delegate to the checkpoint store. The facade owns the external
// response shape, including the summarized source view of retrieved
// documents.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/okapi0/okapi/internal/conversation"
	"github.com/okapi0/okapi/internal/log"
	"github.com/okapi0/okapi/internal/prompt"
	"github.com/okapi0/okapi/internal/workflow"
)

// SourceCharBudget caps the content excerpt of one source entry.
const SourceCharBudget = 200

var (
	// ErrInvalidThread indicates a missing or blank thread id.
	ErrInvalidThread = errors.New("invalid thread id")
)

// Source is the summarized view of one retrieved document.
type Source struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Answer is the result of a completed query.
type Answer struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}

// Query is one user turn addressed to a thread.
type Query struct {
	ThreadID string
	Messages []conversation.Message
	UserID   *int64
	// Provider and Model override the configured defaults for this thread.
	Provider string
	Model    string
}

// Runner executes conversation turns.
type Runner interface {
	Run(ctx context.Context, req workflow.Request) (*workflow.Result, error)
	RunStream(ctx context.Context, req workflow.Request, stream workflow.StreamFunc) (*workflow.Result, error)
}

// Historian reads and clears persisted thread history.
type Historian interface {
	History(ctx context.Context, threadID string) ([]conversation.Message, error)
	Clear(ctx context.Context, threadID string) error
}

// Agent is the facade implementation. Safe for concurrent use.
type Agent struct {
	runner  Runner
	history Historian
	logger  log.Logger
}

// New creates the facade.
func New(runner Runner, history Historian, logger log.Logger) *Agent {
	return &Agent{
		runner:  runner,
		history: history,
		logger:  logger.With("component", "agent"),
	}
}

// Answer runs one turn to completion and returns the final answer together
// with the sources retrieved for it.
func (a *Agent) Answer(ctx context.Context, q Query) (*Answer, error) {
	req, err := toRequest(q)
	if err != nil {
		return nil, err
	}

	res, err := a.runner.Run(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("answering thread %q: %w", q.ThreadID, err)
	}

	return &Answer{
		Answer:  res.Answer,
		Sources: summarize(res.Retrieved),
	}, nil
}

// AnswerStream runs one turn, forwarding answer chunks to stream as they are
// produced, and returns the complete answer once the turn finishes. The
// concatenation of the streamed chunks equals the returned answer.
func (a *Agent) AnswerStream(ctx context.Context, q Query, stream workflow.StreamFunc) (*Answer, error) {
	req, err := toRequest(q)
	if err != nil {
		return nil, err
	}

	res, err := a.runner.RunStream(ctx, req, stream)
	if err != nil {
		return nil, fmt.Errorf("streaming thread %q: %w", q.ThreadID, err)
	}

	return &Answer{
		Answer:  res.Answer,
		Sources: summarize(res.Retrieved),
	}, nil
}

// History returns the thread's visible messages, oldest first. Unknown
// threads yield an empty slice.
func (a *Agent) History(ctx context.Context, threadID string) ([]conversation.Message, error) {
	if threadID == "" {
		return nil, ErrInvalidThread
	}
	return a.history.History(ctx, threadID)
}

// Clear removes all persisted state for the thread. Idempotent.
func (a *Agent) Clear(ctx context.Context, threadID string) error {
	if threadID == "" {
		return ErrInvalidThread
	}
	return a.history.Clear(ctx, threadID)
}

func toRequest(q Query) (workflow.Request, error) {
	if q.ThreadID == "" {
		return workflow.Request{}, ErrInvalidThread
	}
	return workflow.Request{
		ThreadID: q.ThreadID,
		Messages: q.Messages,
		UserID:   q.UserID,
		Provider: q.Provider,
		Model:    q.Model,
	}, nil
}

// summarize converts retrieved documents to the external source view.
// Content is excerpted; metadata passes through untouched.
func summarize(docs []conversation.Document) []Source {
	sources := make([]Source, len(docs))
	for i, doc := range docs {
		sources[i] = Source{
			Content:  prompt.Truncate(doc.Content, SourceCharBudget),
			Metadata: doc.Metadata,
		}
	}
	return sources
}
