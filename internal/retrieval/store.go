// Package retrieval provides vector similarity search over indexed documents
// backed by PostgreSQL + pgvector.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/okapi0/okapi/internal/log"
)

// DB is the subset of pgxpool.Pool used by Store.
// Defined by the consumer so tests can substitute a fake.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	upsertDocumentSQL = `
		INSERT INTO documents (id, content, embedding, owner_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET content = EXCLUDED.content,
		    embedding = EXCLUDED.embedding,
		    owner_id = EXCLUDED.owner_id,
		    metadata = EXCLUDED.metadata`

	// Cosine distance operator <=> maps to similarity = 1 - distance.
	searchByOwnerSQL = `
		SELECT id, content, owner_id, metadata, created_at,
		       1 - (embedding <=> $1) AS similarity
		FROM documents
		WHERE owner_id = $2
		ORDER BY embedding <=> $1
		LIMIT $3`

	searchAllSQL = `
		SELECT id, content, owner_id, metadata, created_at,
		       1 - (embedding <=> $1) AS similarity
		FROM documents
		ORDER BY embedding <=> $1
		LIMIT $2`

	deleteDocumentSQL = `DELETE FROM documents WHERE id = $1`

	countByOwnerSQL = `SELECT count(*) FROM documents WHERE owner_id = $1`
	countAllSQL     = `SELECT count(*) FROM documents`
)

// Store manages indexed documents with vector search.
// It handles embedding generation and similarity search using pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db        DB
	embedder  ai.Embedder
	embedOpts any
	logger    log.Logger
}

// StoreOption configures a Store at construction.
type StoreOption func(*Store)

// WithEmbedOptions sets the plugin-specific options attached to every embed
// request. The googleai plugin reads *genai.EmbedContentConfig here to
// request OutputDimensionality; other plugins have their own option types
// or ignore the field.
func WithEmbedOptions(opts any) StoreOption {
	return func(s *Store) {
		s.embedOpts = opts
	}
}

// NewStore creates a document store over the given database and embedder.
func NewStore(db DB, embedder ai.Embedder, logger log.Logger, opts ...StoreOption) *Store {
	s := &Store{
		db:       db,
		embedder: embedder,
		logger:   logger.With("component", "retrieval"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// embed generates the vector for a single text, fitted to VectorDimension.
func (s *Store) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{
			{Content: []*ai.Part{ai.NewTextPart(text)}},
		},
		Options: s.embedOpts,
	})
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("generating embedding: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return pgvector.Vector{}, errors.New("empty embedding returned")
	}

	vec, err := fitDimension(resp.Embeddings[0].Embedding, int(VectorDimension))
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

// fitDimension reconciles an embedder's native width with the pgvector
// schema. Wider vectors are truncated and re-normalized, which Matryoshka
// embedders (gemini-embedding-001, text-embedding-3-*) are trained to
// support; the OpenAI-compatible plugin cannot request a reduced width, so
// this is the only path that keeps its vectors insertable. Narrower vectors
// cannot be widened and are an error.
func fitDimension(vec []float32, dim int) ([]float32, error) {
	if len(vec) == dim {
		return vec, nil
	}
	if len(vec) < dim {
		return nil, fmt.Errorf("embedder returned %d dimensions, schema requires %d", len(vec), dim)
	}

	vec = vec[:dim]
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// Index embeds and upserts a document. A zero ID gets a generated UUID.
// Returns the stored document ID.
func (s *Store) Index(ctx context.Context, doc Document) (string, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	embedding, err := s.embed(ctx, doc.Content)
	if err != nil {
		return "", fmt.Errorf("indexing document %q: %w", doc.ID, err)
	}

	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshaling metadata for %q: %w", doc.ID, err)
	}

	if _, err := s.db.Exec(ctx, upsertDocumentSQL,
		doc.ID, doc.Content, embedding, doc.OwnerID, metadataJSON, doc.CreatedAt); err != nil {
		return "", fmt.Errorf("upserting document %q: %w", doc.ID, err)
	}

	s.logger.Debug("indexed document", "id", doc.ID, "content_length", len(doc.Content))
	return doc.ID, nil
}

// Search returns the most similar documents to query, ordered by similarity.
// A timeout bounds both the embedding call and the vector query.
func (s *Store) Search(ctx context.Context, query string, opts ...SearchOption) ([]Result, error) {
	cfg := buildSearchConfig(opts)

	queryCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	embedding, err := s.embed(queryCtx, query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("embedding generation timeout: %w", err)
		}
		return nil, err
	}

	var rows pgx.Rows
	if cfg.owner != nil {
		rows, err = s.db.Query(queryCtx, searchByOwnerSQL, embedding, *cfg.owner, cfg.topK)
	} else {
		rows, err = s.db.Query(queryCtx, searchAllSQL, embedding, cfg.topK)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("search query timeout: %w", err)
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	return s.scanResults(rows)
}

func (s *Store) scanResults(rows pgx.Rows) ([]Result, error) {
	results := make([]Result, 0)
	for rows.Next() {
		var (
			r            Result
			metadataJSON []byte
		)
		if err := rows.Scan(&r.ID, &r.Content, &r.OwnerID, &metadataJSON, &r.CreatedAt, &r.Similarity); err != nil {
			return nil, fmt.Errorf("scanning search row: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &r.Metadata); err != nil {
				s.logger.Warn("failed to parse metadata", "document_id", r.ID, "error", err)
				r.Metadata = map[string]any{}
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading search rows: %w", err)
	}
	return results, nil
}

// Delete removes a document by ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, deleteDocumentSQL, id); err != nil {
		return fmt.Errorf("deleting document %q: %w", id, err)
	}
	s.logger.Debug("deleted document", "id", id)
	return nil
}

// Count returns the number of indexed documents, optionally scoped to owner.
func (s *Store) Count(ctx context.Context, owner *int64) (int64, error) {
	var count int64
	var err error
	if owner != nil {
		err = s.db.QueryRow(ctx, countByOwnerSQL, *owner).Scan(&count)
	} else {
		err = s.db.QueryRow(ctx, countAllSQL).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return count, nil
}
