package retrieval

import (
	"context"

	"github.com/okapi0/okapi/internal/conversation"
	"github.com/okapi0/okapi/internal/log"
)

// Searcher is the similarity search surface consumed by the workflow.
type Searcher interface {
	Search(ctx context.Context, query string, opts ...SearchOption) ([]Result, error)
}

// Retriever adapts a Searcher into the workflow's retrieval step.
// Backend failures are swallowed and logged; the chat step can still answer
// without context, so retrieval must never abort a turn.
type Retriever struct {
	searcher Searcher
	topK     int
	logger   log.Logger
}

// NewRetriever wraps searcher with the configured default result count.
func NewRetriever(searcher Searcher, topK int, logger log.Logger) *Retriever {
	if topK <= 0 {
		topK = 5
	}
	return &Retriever{
		searcher: searcher,
		topK:     topK,
		logger:   logger.With("component", "retriever"),
	}
}

// Retrieve runs a similarity search scoped to owner when given.
// On backend failure it logs and returns an empty slice, never an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, owner *int64, k int) []conversation.Document {
	if k <= 0 {
		k = r.topK
	}

	opts := []SearchOption{WithTopK(k)}
	if owner != nil {
		opts = append(opts, WithOwner(*owner))
	}

	results, err := r.searcher.Search(ctx, query, opts...)
	if err != nil {
		r.logger.Warn("retrieval failed, continuing without context", "error", err)
		return []conversation.Document{}
	}

	docs := make([]conversation.Document, 0, len(results))
	for _, res := range results {
		metadata := map[string]any{
			"document_id": res.ID,
			"similarity":  res.Similarity,
		}
		if res.OwnerID != nil {
			metadata["owner_id"] = *res.OwnerID
		}
		for k, v := range res.Metadata {
			metadata[k] = v
		}
		docs = append(docs, conversation.Document{
			Content:  res.Content,
			Metadata: metadata,
		})
	}

	r.logger.Debug("retrieved documents", "query_length", len(query), "count", len(docs))
	return docs
}
