package embedding

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/cirkelline/localagent/pkg/store"
)

func TestChargramEmbedder_DeterministicAndNormalized(t *testing.T) {
	e := ByName(DefaultModel)

	a := e.Embed("the user prefers dark roast coffee")
	b := e.Embed("the user prefers dark roast coffee")
	if len(a) != 384 {
		t.Fatalf("expected 384 dims, got %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("embedding not deterministic")
		}
	}
	if norm := vectorNorm(a); math.Abs(norm-1.0) > 1e-5 {
		t.Fatalf("vector not normalized, norm %v", norm)
	}
}

func TestCosineSimilarity_RanksRelatedTextHigher(t *testing.T) {
	e := ByName(DefaultModel)
	query := e.Embed("coffee preferences")
	related := e.Embed("the user prefers dark roast coffee")
	unrelated := e.Embed("kubernetes cluster autoscaling policy")

	if CosineSimilarity(query, related) <= CosineSimilarity(query, unrelated) {
		t.Fatal("related text should score higher than unrelated text")
	}
}

func TestByName_FallsBackToDefault(t *testing.T) {
	if ByName("no-such-model").ModelID() != DefaultModel {
		t.Fatal("unknown model should fall back to default")
	}
	if ByName("hash").ModelID() != HashModel {
		t.Fatal("hash alias should select the hash model")
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestService_VectorUsesCache(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	svc := NewService(s, nil)

	v1, err := svc.Vector(ctx, "hello world")
	if err != nil {
		t.Fatalf("first vector: %v", err)
	}

	// The cache now holds the entry under the content hash.
	if _, ok, err := s.GetCachedEmbedding(ctx, contentHash("hello world"), DefaultModel); err != nil || !ok {
		t.Fatalf("expected cache entry, ok=%v err=%v", ok, err)
	}

	v2, err := svc.Vector(ctx, "hello world")
	if err != nil {
		t.Fatalf("second vector: %v", err)
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatal("cached vector differs from computed vector")
		}
	}
}

func TestService_EmbedMemory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	svc := NewService(s, nil)

	m, err := s.PutMemory(ctx, store.Memory{Content: "remember the milk"})
	if err != nil {
		t.Fatalf("put memory: %v", err)
	}
	if err := svc.EmbedMemory(ctx, m.ID); err != nil {
		t.Fatalf("embed memory: %v", err)
	}

	got, err := s.GetMemory(ctx, m.ID)
	if err != nil {
		t.Fatalf("get memory: %v", err)
	}
	if len(got.Embedding) != 384 {
		t.Fatalf("embedding not attached, got %d dims", len(got.Embedding))
	}
}

func TestService_EmbedMemoryValidatesInput(t *testing.T) {
	svc := NewService(newTestStore(t), nil)

	err := svc.EmbedMemory(context.Background(), "  ")
	var verr *store.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := svc.EmbedMemory(context.Background(), "missing-id"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
