// Package workflow runs the conversation state machine.
//
// A turn moves through retrieve, chat, and tool-call steps:
//
//	RETRIEVE -> CHAT -> (TOOL_CALL <-> CHAT)* -> terminal
//
// Retrieve runs once at the top of every turn and replaces the state's
// retrieved documents. Chat invokes the resolved model with the assembled
// system prompt and full message history; when the response requests tool
// calls they are dispatched through the closed tool registry and the loop
// returns to chat. The loop is bounded by a configured round cap. One
// checkpoint revision is persisted per completed turn.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/okapi0/okapi/internal/checkpoint"
	"github.com/okapi0/okapi/internal/conversation"
	"github.com/okapi0/okapi/internal/log"
	"github.com/okapi0/okapi/internal/prompt"
	"github.com/okapi0/okapi/internal/provider"
)

// CheckpointStore persists workflow state between turns.
type CheckpointStore interface {
	Load(ctx context.Context, threadID string) (*conversation.State, error)
	Save(ctx context.Context, threadID string, state *conversation.State) error
}

// Retriever fetches context documents for a query. Implementations swallow
// backend failures and return an empty slice.
type Retriever interface {
	Retrieve(ctx context.Context, query string, owner *int64, k int) []conversation.Document
}

// ToolDispatcher executes tool calls from the closed registry.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, name string, args map[string]any, userID *int64) (any, error)
	Refs() []ai.ToolRef
}

// ModelResolver maps provider/model requests to concrete selections.
type ModelResolver interface {
	Resolve(requestedProvider, requestedModel string) (provider.Selection, error)
}

// Config bounds the engine's loops.
type Config struct {
	// MaxToolRounds caps chat/tool cycles per turn.
	MaxToolRounds int
	// RetrievalTopK is the document count fetched by the retrieve step.
	RetrievalTopK int
	// MaxHistoryMessages is a sliding window over the history sent to the
	// model. The full history is still persisted. Zero means unlimited.
	MaxHistoryMessages int
}

// Request is one conversational turn.
type Request struct {
	ThreadID string
	// Messages are the incoming messages for this turn, appended to the
	// thread's accumulated history. Typically a single user message.
	Messages []conversation.Message
	UserID   *int64
	// Provider and Model override the process defaults for this turn.
	Provider string
	Model    string
}

// Result is the outcome of a completed turn.
type Result struct {
	Answer    string
	Retrieved []conversation.Document
	State     *conversation.State
}

// StreamFunc receives answer chunks during a streaming turn.
type StreamFunc func(ctx context.Context, chunk string) error

// Engine drives conversation turns through the state machine.
// Safe for concurrent use; turns on the same thread are serialized
// internally.
type Engine struct {
	g           *genkit.Genkit
	resolver    ModelResolver
	retriever   Retriever
	tools       ToolDispatcher
	checkpoints CheckpointStore
	cfg         Config
	locks       *threadLocks
	logger      log.Logger
}

// New creates an engine. Zero or negative config values get defaults.
func New(g *genkit.Genkit, resolver ModelResolver, retriever Retriever, tools ToolDispatcher, checkpoints CheckpointStore, cfg Config, logger log.Logger) *Engine {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 5
	}
	if cfg.RetrievalTopK <= 0 {
		cfg.RetrievalTopK = 5
	}
	return &Engine{
		g:           g,
		resolver:    resolver,
		retriever:   retriever,
		tools:       tools,
		checkpoints: checkpoints,
		cfg:         cfg,
		locks:       newThreadLocks(),
		logger:      logger.With("component", "workflow"),
	}
}

// Run executes one turn to completion and returns the final answer.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	return e.run(ctx, req, nil)
}

// RunStream executes one turn, forwarding answer chunks to stream as the
// final response is produced. Responses that trigger tool calls are never
// streamed: their partial content is discarded and streaming resumes with
// the next chat step. When the provider yields no incremental chunks the
// whole answer is delivered as a single chunk.
func (e *Engine) RunStream(ctx context.Context, req Request, stream StreamFunc) (*Result, error) {
	return e.run(ctx, req, stream)
}

func (e *Engine) run(ctx context.Context, req Request, stream StreamFunc) (*Result, error) {
	if len(req.Messages) == 0 {
		return nil, ErrEmptyRequest
	}

	release := e.locks.acquire(req.ThreadID)
	defer release()

	state, err := e.loadState(ctx, req)
	if err != nil {
		return nil, err
	}

	logger := e.logger.With("thread_id", req.ThreadID)

	// RETRIEVE: always once per turn, replacing prior documents.
	query := conversation.LastUserText(state.Messages)
	state.Retrieved = e.retriever.Retrieve(ctx, query, state.UserID, e.cfg.RetrievalTopK)
	logger.Debug("retrieve step complete", "documents", len(state.Retrieved))

	answer, err := e.chatLoop(ctx, state, stream, logger)
	if err != nil {
		return nil, err
	}

	if err := e.checkpoints.Save(ctx, req.ThreadID, state); err != nil {
		return nil, fmt.Errorf("persisting turn for thread %q: %w", req.ThreadID, err)
	}

	return &Result{
		Answer:    answer,
		Retrieved: state.Retrieved,
		State:     state,
	}, nil
}

// loadState loads the thread's accumulated state and merges the incoming
// turn into it. A missing checkpoint starts a fresh state.
func (e *Engine) loadState(ctx context.Context, req Request) (*conversation.State, error) {
	state, err := e.checkpoints.Load(ctx, req.ThreadID)
	switch {
	case err == nil:
	case errors.Is(err, checkpoint.ErrNotFound):
		state = &conversation.State{}
	default:
		return nil, fmt.Errorf("loading thread %q: %w", req.ThreadID, err)
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case conversation.RoleAssistant:
			state.Append(ai.NewModelMessage(ai.NewTextPart(msg.Content)))
		default:
			state.Append(ai.NewUserMessage(ai.NewTextPart(msg.Content)))
		}
	}

	if req.UserID != nil {
		state.UserID = req.UserID
	}
	if req.Provider != "" {
		state.Provider = req.Provider
	}
	if req.Model != "" {
		state.Model = req.Model
	}

	return state, nil
}

// chatLoop runs CHAT and TOOL_CALL steps until a response without tool
// requests arrives or the round cap is hit.
func (e *Engine) chatLoop(ctx context.Context, state *conversation.State, stream StreamFunc, logger log.Logger) (string, error) {
	sel, err := e.resolver.Resolve(state.Provider, state.Model)
	if err != nil {
		return "", fmt.Errorf("resolving model: %w", err)
	}

	systemPrompt := prompt.Build(state.Retrieved)

	for round := 0; ; round++ {
		history := windowHistory(state.Messages, e.cfg.MaxHistoryMessages)
		msg, chunks, err := e.chat(ctx, sel.ModelName, systemPrompt, history, stream != nil)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrProviderCall, err)
		}

		normalized := conversation.NormalizeAssistant(msg)
		requests := conversation.ToolRequests(normalized)

		// At the round cap a still-tool-hungry response is cut off: the
		// dangling requests are dropped and the turn closes with the best
		// text available, so the persisted history never ends on an
		// unresolved tool call.
		if len(requests) > 0 && round >= e.cfg.MaxToolRounds {
			logger.Warn("tool round cap reached, forcing final answer", "rounds", round)
			answer := conversation.MessageText(normalized)
			if answer == "" {
				answer = conversation.LastAnswer(state.Messages)
			}
			if answer == "" {
				answer = exhaustedAnswer
			}
			state.Append(ai.NewModelMessage(ai.NewTextPart(answer)))
			if stream != nil {
				if err := e.forward(ctx, stream, nil, answer); err != nil {
					return "", fmt.Errorf("delivering stream: %w", err)
				}
			}
			return answer, nil
		}

		state.Append(normalized)

		if len(requests) == 0 {
			answer := conversation.MessageText(normalized)
			if stream != nil {
				if err := e.forward(ctx, stream, chunks, answer); err != nil {
					return "", fmt.Errorf("delivering stream: %w", err)
				}
			}
			logger.Debug("turn complete", "rounds", round, "answer_length", len(answer))
			return answer, nil
		}

		logger.Debug("tool call step", "round", round, "requests", len(requests))
		e.dispatchTools(ctx, state, requests, logger)
	}
}

// chat performs one model invocation. When streaming, chunk texts are
// buffered and returned rather than forwarded, because whether they may be
// exposed depends on the finished response.
func (e *Engine) chat(ctx context.Context, modelName, systemPrompt string, history []*ai.Message, buffered bool) (*ai.Message, []string, error) {
	// Genkit mutates message content in place while rendering, so shared
	// history must be copied per call.
	messages := make([]*ai.Message, 0, len(history)+1)
	messages = append(messages, ai.NewSystemMessage(ai.NewTextPart(systemPrompt)))
	messages = append(messages, copyMessages(history)...)

	opts := []ai.GenerateOption{
		ai.WithModelName(modelName),
		ai.WithMessages(messages...),
		ai.WithTools(e.tools.Refs()...),
		ai.WithReturnToolRequests(true),
	}

	var chunks []string
	if buffered {
		opts = append(opts, ai.WithStreaming(func(_ context.Context, chunk *ai.ModelResponseChunk) error {
			if text := chunk.Text(); text != "" {
				chunks = append(chunks, text)
			}
			return nil
		}))
	}

	resp, err := genkit.Generate(ctx, e.g, opts...)
	if err != nil {
		return nil, nil, err
	}
	return resp.Message, chunks, nil
}

// forward delivers buffered chunks to the caller's stream. A response that
// produced no incremental chunks is delivered as one terminal chunk.
func (e *Engine) forward(ctx context.Context, stream StreamFunc, chunks []string, answer string) error {
	if len(chunks) == 0 {
		if answer == "" {
			return nil
		}
		return stream(ctx, answer)
	}
	for _, chunk := range chunks {
		if err := stream(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// dispatchTools executes every requested tool call and appends one tool
// result message per call, tagged with the originating ref. A failing call
// does not abort the others: its error becomes the result content so the
// model can react on the next chat step.
func (e *Engine) dispatchTools(ctx context.Context, state *conversation.State, requests []*ai.ToolRequest, logger log.Logger) {
	for _, req := range requests {
		output, err := e.tools.Dispatch(ctx, req.Name, toArgsMap(req.Input), state.UserID)
		if err != nil {
			logger.Warn("tool call failed", "tool", req.Name, "error", err)
			output = map[string]any{"error": err.Error()}
		}

		state.Append(&ai.Message{
			Role: ai.RoleTool,
			Content: []*ai.Part{ai.NewToolResponsePart(&ai.ToolResponse{
				Name:   req.Name,
				Ref:    req.Ref,
				Output: output,
			})},
		})
	}
}

// toArgsMap normalizes a tool request's decoded input to a string map.
func toArgsMap(input any) map[string]any {
	if input == nil {
		return map[string]any{}
	}
	if m, ok := input.(map[string]any); ok {
		return m
	}
	// Structured inputs round-trip through JSON.
	raw, err := json.Marshal(input)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// windowHistory keeps the most recent limit messages. The start is advanced
// past leading tool results so the model never sees a tool response without
// its originating request.
func windowHistory(msgs []*ai.Message, limit int) []*ai.Message {
	if limit <= 0 || len(msgs) <= limit {
		return msgs
	}
	start := len(msgs) - limit
	for start < len(msgs) && msgs[start].Role == ai.RoleTool {
		start++
	}
	return msgs[start:]
}

// copyMessages deep copies messages so Genkit's in-place rendering cannot
// race with state shared across calls.
func copyMessages(msgs []*ai.Message) []*ai.Message {
	if msgs == nil {
		return nil
	}
	copied := make([]*ai.Message, len(msgs))
	for i, msg := range msgs {
		parts := make([]*ai.Part, len(msg.Content))
		for j, part := range msg.Content {
			parts[j] = copyPart(part)
		}
		copied[i] = &ai.Message{
			Role:     msg.Role,
			Content:  parts,
			Metadata: copyMap(msg.Metadata),
		}
	}
	return copied
}

// copyPart copies an ai.Part. ToolRequest.Input and ToolResponse.Output are
// reference copies; rendering does not mutate tool payloads.
func copyPart(p *ai.Part) *ai.Part {
	if p == nil {
		return nil
	}
	cp := &ai.Part{
		Kind:        p.Kind,
		ContentType: p.ContentType,
		Text:        p.Text,
		Custom:      copyMap(p.Custom),
		Metadata:    copyMap(p.Metadata),
	}
	if p.ToolRequest != nil {
		cp.ToolRequest = &ai.ToolRequest{
			Name:  p.ToolRequest.Name,
			Ref:   p.ToolRequest.Ref,
			Input: p.ToolRequest.Input,
		}
	}
	if p.ToolResponse != nil {
		cp.ToolResponse = &ai.ToolResponse{
			Name:   p.ToolResponse.Name,
			Ref:    p.ToolResponse.Ref,
			Output: p.ToolResponse.Output,
		}
	}
	return cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
