package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/cirkelline/localagent/pkg/logger"
	"github.com/cirkelline/localagent/pkg/store"
)

// Service computes memory embeddings through the content-addressed
// cache: identical content under the same model is never recomputed.
type Service struct {
	store    store.Store
	embedder Embedder
	maxCache int
}

func NewService(s store.Store, embedder Embedder) *Service {
	if embedder == nil {
		embedder = ByName(DefaultModel)
	}
	return &Service{store: s, embedder: embedder, maxCache: 10000}
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Vector returns the embedding for text, computing and caching on miss.
func (s *Service) Vector(ctx context.Context, text string) ([]float32, error) {
	hash := contentHash(text)
	model := s.embedder.ModelID()

	if vec, ok, err := s.store.GetCachedEmbedding(ctx, hash, model); err != nil {
		return nil, err
	} else if ok {
		return vec, nil
	}

	vec := s.embedder.Embed(text)
	if err := s.store.PutCachedEmbedding(ctx, store.EmbeddingCacheEntry{
		ContentHash: hash,
		Model:       model,
		Vector:      vec,
	}); err != nil {
		return nil, err
	}
	if n, err := s.store.PruneEmbeddingCache(ctx, s.maxCache); err == nil && n > 0 {
		logger.DebugCF("embedding", "Cache pruned", map[string]interface{}{"evicted": n})
	}
	return vec, nil
}

// EmbedMemory computes and attaches the vector for one stored memory.
// This is the handler body for embedding tasks.
func (s *Service) EmbedMemory(ctx context.Context, memoryID string) error {
	if strings.TrimSpace(memoryID) == "" {
		return &store.ValidationError{Field: "memory_id", Reason: "empty"}
	}
	m, err := s.store.GetMemory(ctx, memoryID)
	if err != nil {
		return err
	}
	vec, err := s.Vector(ctx, m.Content)
	if err != nil {
		return err
	}
	return s.store.SetMemoryEmbedding(ctx, m.ID, vec)
}
