package tools

import (
	"context"

	"github.com/okapi0/okapi/internal/conversation"
)

// RetrieveDocumentsName is the tool name the model uses for document search.
const RetrieveDocumentsName = "retrieve_documents"

// retrieveDescription tells the model when to reach for the tool.
const retrieveDescription = "Search the user's indexed documents using semantic similarity. " +
	"Finds document sections that are conceptually related to the query. " +
	"Returns: document content excerpts with attribution metadata and similarity scores. " +
	"Use this to: find relevant documentation, answer questions about uploaded content. " +
	"Default top_k: 5. Maximum top_k: 20."

// RetrieveInput defines input for the retrieve_documents tool.
type RetrieveInput struct {
	Query  string `json:"query" jsonschema_description:"The search query string"`
	UserID *int64 `json:"user_id,omitempty" jsonschema_description:"Owner id scoping the search; injected automatically when omitted"`
	TopK   int    `json:"top_k,omitempty" jsonschema_description:"Maximum results to return (1-20)"`
}

// Retriever is the document search surface used by the retrieval tool.
type Retriever interface {
	Retrieve(ctx context.Context, query string, owner *int64, k int) []conversation.Document
}

// RegisterRetrieve adds the document retrieval tool to the registry.
// The retriever swallows backend failures, so the tool never errors; it
// returns an empty document list at worst.
func RegisterRetrieve(r *Registry, retriever Retriever) error {
	return Register(r, RetrieveDocumentsName, retrieveDescription, true,
		func(ctx context.Context, input RetrieveInput) (any, error) {
			docs := retriever.Retrieve(ctx, input.Query, input.UserID, input.TopK)
			return docs, nil
		})
}
