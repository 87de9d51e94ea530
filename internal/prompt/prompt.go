// Package prompt builds system prompts for the conversation workflow.
//
// The prompt is assembled from retrieved context documents: up to
// MaxContextDocuments are embedded, each truncated to DocumentCharBudget
// characters, formatted as numbered blocks. Without context documents a
// generic capability prompt is used instead. Assembly is deterministic:
// same documents in, same prompt out.
package prompt

import (
	"fmt"
	"strings"

	"github.com/okapi0/okapi/internal/conversation"
)

const (
	// MaxContextDocuments caps how many retrieved documents enter the prompt.
	MaxContextDocuments = 5

	// DocumentCharBudget caps the characters taken from each document.
	DocumentCharBudget = 500
)

// contextPrompt frames the model as a grounded question answerer.
// The retrieved document blocks are appended below the guidelines.
const contextPrompt = `You are a helpful AI assistant that answers questions based on the provided context documents.

Guidelines:
1. Use the provided context documents to answer questions accurately
2. If the context doesn't contain enough information, say so clearly
3. Cite specific documents when possible
4. Be concise but thorough
5. If asked about something not in the context, politely decline or suggest checking the documents

Context documents:
%s

Please provide a helpful answer based on the context above.`

// genericPrompt is used when no context documents were retrieved.
const genericPrompt = `You are an intelligent AI assistant specialized in answering questions based on uploaded documents.

Your capabilities:
- Answer questions using information from uploaded documents
- Provide citations and references when appropriate
- Handle follow-up questions in a conversation
- Admit when you don't have enough information

Always be helpful, accurate, and transparent about the sources of your information.`

// Build assembles the system prompt for a chat turn.
// With documents it returns the grounded prompt containing numbered context
// blocks; without documents it returns the generic capability prompt.
func Build(docs []conversation.Document) string {
	if len(docs) == 0 {
		return genericPrompt
	}

	if len(docs) > MaxContextDocuments {
		docs = docs[:MaxContextDocuments]
	}

	blocks := make([]string, 0, len(docs))
	for i, doc := range docs {
		blocks = append(blocks, fmt.Sprintf("Document %d:\n%s", i+1, Truncate(doc.Content, DocumentCharBudget)))
	}

	return fmt.Sprintf(contextPrompt, strings.Join(blocks, "\n\n"))
}

// Truncate cuts s to at most budget characters, appending "..." when content
// was dropped. Truncation counts runes so multi-byte text is never split
// mid-character.
func Truncate(s string, budget int) string {
	runes := []rune(s)
	if len(runes) <= budget {
		return s
	}
	return string(runes[:budget]) + "..."
}
