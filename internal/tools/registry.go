// Package tools provides a closed tool registry for the conversation
// workflow.
//
// Unlike an open plugin surface, every invocable tool is registered at
// startup with a JSON schema derived from its typed input struct. Dispatch
// validates arguments against that schema before the handler runs, so a
// model emitting malformed arguments produces a described failure instead
// of a handler panic.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/okapi0/okapi/internal/log"
)

var (
	// ErrUnknownTool indicates a dispatch request for an unregistered tool.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments indicates tool arguments failed schema validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrDuplicateTool indicates a tool name was registered twice.
	ErrDuplicateTool = errors.New("duplicate tool registration")
)

// handler executes a validated tool call with JSON-encoded arguments.
type handler func(ctx context.Context, raw json.RawMessage) (any, error)

// entry is one registered tool.
type entry struct {
	description   string
	resolved      *jsonschema.Resolved
	run           handler
	acceptsUserID bool
	ref           ai.Tool
}

// Registry is the closed set of tools the workflow may dispatch.
// Registration happens at startup; afterwards the registry is read-only and
// safe for concurrent use.
type Registry struct {
	g      *genkit.Genkit
	logger log.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry bound to a Genkit instance.
// Genkit registration makes tool schemas visible to the model; execution
// stays with Dispatch.
func NewRegistry(g *genkit.Genkit, logger log.Logger) *Registry {
	return &Registry{
		g:       g,
		logger:  logger.With("component", "tools"),
		entries: make(map[string]*entry),
	}
}

// Register adds a tool with a typed input struct to the registry.
// The input type's JSON schema is derived via reflection and enforced on
// every dispatch. acceptsUserID marks tools whose arguments may carry a
// "user_id" field the workflow injects when the model omitted it.
func Register[T any](r *Registry, name, description string, acceptsUserID bool, fn func(ctx context.Context, input T) (any, error)) error {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return fmt.Errorf("deriving schema for tool %q: %w", name, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolving schema for tool %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, name)
	}

	ref := genkit.DefineTool(r.g, name, description,
		func(tctx *ai.ToolContext, input T) (any, error) {
			return fn(tctx, input)
		})

	r.entries[name] = &entry{
		description:   description,
		resolved:      resolved,
		acceptsUserID: acceptsUserID,
		ref:           ref,
		run: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var input T
			if err := json.Unmarshal(raw, &input); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
			}
			return fn(ctx, input)
		},
	}

	r.logger.Debug("registered tool", "name", name)
	return nil
}

// Dispatch validates and executes a tool call by name.
// When the tool accepts a user id and the arguments omit one, userID is
// injected before validation so owner scoping cannot be skipped by the
// model. The passed args map is not mutated.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any, userID *int64) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	merged := make(map[string]any, len(args)+1)
	for k, v := range args {
		merged[k] = v
	}
	if e.acceptsUserID && userID != nil {
		if _, present := merged["user_id"]; !present {
			merged["user_id"] = *userID
		}
	}

	if err := e.resolved.Validate(merged); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	return e.run(ctx, raw)
}

// Refs returns Genkit tool references for all registered tools, for passing
// to the model so it can see names and schemas.
func (r *Registry) Refs() []ai.ToolRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]ai.ToolRef, 0, len(r.entries))
	for _, name := range r.sortedNamesLocked() {
		refs = append(refs, r.entries[name].ref)
	}
	return refs
}

// Names returns the registered tool names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNamesLocked()
}

func (r *Registry) sortedNamesLocked() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
