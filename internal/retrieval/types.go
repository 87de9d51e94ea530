package retrieval

import "time"

// VectorDimension is the embedding width stored in pgvector.
// gemini-embedding-001 supports truncation to 768 via OutputDimensionality;
// the documents table schema must match this value.
const VectorDimension int32 = 768

// Document is an indexed document owned by an optional user.
type Document struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	OwnerID   *int64         `json:"owner_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Result is a search hit with its cosine similarity score in [0, 1].
type Result struct {
	Document
	Similarity float64 `json:"similarity"`
}
