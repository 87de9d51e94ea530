// Package checkpoint persists conversation workflow state keyed by thread id.
//
// Each engine invocation appends one revision: the full serialized state
// plus a monotonically increasing version. Loading returns the latest
// revision; clearing deletes every revision for the thread.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/okapi0/okapi/internal/conversation"
	"github.com/okapi0/okapi/internal/log"
)

// ErrNotFound indicates no checkpoint exists for the thread.
var ErrNotFound = errors.New("checkpoint not found")

// DB is the subset of pgxpool.Pool used by Store.
// Defined by the consumer so tests can substitute a fake.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	latestStateSQL = `
		SELECT state FROM checkpoints
		WHERE thread_id = $1
		ORDER BY version DESC
		LIMIT 1`

	// Aggregates return exactly one row even with no matches, so this
	// assigns version 1 on first save and max+1 afterwards.
	saveSQL = `
		INSERT INTO checkpoints (thread_id, version, state, created_at)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, now()
		FROM checkpoints
		WHERE thread_id = $1`

	clearSQL = `DELETE FROM checkpoints WHERE thread_id = $1`

	revisionsSQL = `
		SELECT version, created_at FROM checkpoints
		WHERE thread_id = $1
		ORDER BY version`
)

// Revision identifies one persisted checkpoint of a thread.
type Revision struct {
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages checkpoint persistence with a PostgreSQL backend.
//
// Store is safe for concurrent use by multiple goroutines; callers are
// responsible for not saving the same thread concurrently.
type Store struct {
	db     DB
	logger log.Logger
}

// NewStore creates a checkpoint store over the given database.
func NewStore(db DB, logger log.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With("component", "checkpoint"),
	}
}

// Load returns the latest persisted state for a thread.
// Returns ErrNotFound when the thread has no checkpoints.
func (s *Store) Load(ctx context.Context, threadID string) (*conversation.State, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, latestStateSQL, threadID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("thread %q: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for thread %q: %w", threadID, err)
	}

	var state conversation.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshaling checkpoint for thread %q: %w", threadID, err)
	}

	s.logger.Debug("loaded checkpoint", "thread_id", threadID, "messages", len(state.Messages))
	return &state, nil
}

// Save appends a new revision holding the full state.
// Versions increase monotonically per thread, starting at 1.
func (s *Store) Save(ctx context.Context, threadID string, state *conversation.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling state for thread %q: %w", threadID, err)
	}

	if _, err := s.db.Exec(ctx, saveSQL, threadID, raw); err != nil {
		return fmt.Errorf("saving checkpoint for thread %q: %w", threadID, err)
	}

	s.logger.Debug("saved checkpoint", "thread_id", threadID, "messages", len(state.Messages))
	return nil
}

// Clear deletes all revisions for a thread.
// Idempotent: clearing a non-existent thread is not an error.
func (s *Store) Clear(ctx context.Context, threadID string) error {
	tag, err := s.db.Exec(ctx, clearSQL, threadID)
	if err != nil {
		return fmt.Errorf("clearing thread %q: %w", threadID, err)
	}

	s.logger.Debug("cleared thread", "thread_id", threadID, "revisions", tag.RowsAffected())
	return nil
}

// History returns the externally visible conversation for a thread: only
// user and assistant messages with non-empty content, in order. A thread
// without checkpoints yields an empty history, not an error.
func (s *Store) History(ctx context.Context, threadID string) ([]conversation.Message, error) {
	state, err := s.Load(ctx, threadID)
	if errors.Is(err, ErrNotFound) {
		return []conversation.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return conversation.Visible(state.Messages), nil
}

// Revisions lists a thread's checkpoint versions in ascending order.
// Useful for inspection and debugging; returns an empty slice for unknown
// threads.
func (s *Store) Revisions(ctx context.Context, threadID string) ([]Revision, error) {
	rows, err := s.db.Query(ctx, revisionsSQL, threadID)
	if err != nil {
		return nil, fmt.Errorf("listing revisions for thread %q: %w", threadID, err)
	}
	defer rows.Close()

	revisions := make([]Revision, 0)
	for rows.Next() {
		var r Revision
		if err := rows.Scan(&r.Version, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning revision: %w", err)
		}
		revisions = append(revisions, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading revisions: %w", err)
	}
	return revisions, nil
}
