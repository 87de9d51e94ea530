//go:build integration
// +build integration

package retrieval

import (
	"context"
	"testing"

	"github.com/firebase/genkit/go/genkit"

	"github.com/okapi0/okapi/internal/log"
	"github.com/okapi0/okapi/internal/testutil"
)

// orthogonalVector returns a unit vector with a single non-zero axis,
// giving exact control over cosine similarity between test documents.
func orthogonalVector(axis int) []float32 {
	vec := make([]float32, VectorDimension)
	vec[axis] = 1
	return vec
}

func setupStore(t *testing.T) (*Store, *testutil.MockEmbedder, func()) {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)

	g := genkit.Init(context.Background())
	mock := testutil.NewMockEmbedder(int(VectorDimension))
	embedder := mock.RegisterEmbedder(g)

	return NewStore(db.Pool, embedder, log.NewNop()), mock, cleanup
}

func TestIndexAndSearch(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	mock.SetVector("go concurrency patterns", orthogonalVector(0))
	mock.SetVector("goroutines and channels", orthogonalVector(0))
	mock.SetVector("italian cooking", orthogonalVector(1))

	if _, err := store.Index(ctx, Document{
		Content:  "goroutines and channels",
		Metadata: map[string]any{"source": "go-book.pdf"},
	}); err != nil {
		t.Fatalf("Index() error = %v", err)
	}
	if _, err := store.Index(ctx, Document{Content: "italian cooking"}); err != nil {
		t.Fatalf("Index() error = %v", err)
	}

	results, err := store.Search(ctx, "go concurrency patterns", WithTopK(1))
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Search() returned %d results, want 1", len(results))
	}
	if results[0].Content != "goroutines and channels" {
		t.Errorf("top result = %q, want the concurrency doc", results[0].Content)
	}
	if results[0].Similarity < 0.99 {
		t.Errorf("similarity = %f, want ~1.0 for identical vectors", results[0].Similarity)
	}
	if results[0].Metadata["source"] != "go-book.pdf" {
		t.Errorf("metadata = %v", results[0].Metadata)
	}
}

func TestSearchOwnerScoping(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	alice, bob := int64(1), int64(2)
	mock.SetVector("shared topic", orthogonalVector(0))
	mock.SetVector("alice notes on the topic", orthogonalVector(0))
	mock.SetVector("bob notes on the topic", orthogonalVector(0))

	if _, err := store.Index(ctx, Document{Content: "alice notes on the topic", OwnerID: &alice}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Index(ctx, Document{Content: "bob notes on the topic", OwnerID: &bob}); err != nil {
		t.Fatal(err)
	}

	results, err := store.Search(ctx, "shared topic", WithTopK(10), WithOwner(alice))
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("owner-scoped search returned %d results, want 1", len(results))
	}
	if results[0].Content != "alice notes on the topic" {
		t.Errorf("scoped search leaked another owner's document: %q", results[0].Content)
	}

	// Unscoped search sees both.
	all, err := store.Search(ctx, "shared topic", WithTopK(10))
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("unscoped search returned %d results, want 2", len(all))
	}
}

func TestSearchEmptyStore(t *testing.T) {
	store, _, cleanup := setupStore(t)
	defer cleanup()

	results, err := store.Search(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Search() on empty store = %v, want empty", results)
	}
}

func TestIndexUpsert(t *testing.T) {
	store, _, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	id, err := store.Index(ctx, Document{ID: "doc-1", Content: "first version"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "doc-1" {
		t.Errorf("Index() id = %q, want doc-1", id)
	}

	if _, err := store.Index(ctx, Document{ID: "doc-1", Content: "second version"}); err != nil {
		t.Fatalf("upsert error = %v", err)
	}

	count, err := store.Count(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("Count() = %d after upsert, want 1", count)
	}
}

func TestDelete(t *testing.T) {
	store, _, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := store.Index(ctx, Document{ID: "doc-del", Content: "to remove"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "doc-del"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	count, err := store.Count(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("Count() = %d after delete, want 0", count)
	}
}
