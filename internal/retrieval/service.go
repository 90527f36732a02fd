package retrieval

import (
	"context"
	"fmt"
	"log"
)

// Service tries Meilisearch first and falls back to the document store.
type Service struct {
	meili *Meili
	store DocumentStore
}

// NewService creates a retrieval service. meili may be nil when Meilisearch
// is not configured.
func NewService(meili *Meili, store DocumentStore) *Service {
	return &Service{meili: meili, store: store}
}

// Retrieve returns ranked hits. An error means no backend could answer.
func (s *Service) Retrieve(ctx context.Context, query string, f Filters) ([]Hit, error) {
	if s.meili != nil && s.meili.Healthy() {
		hits, err := s.meili.Search(ctx, query, f)
		if err == nil {
			return hits, nil
		}
		log.Printf("retrieval: meilisearch error, falling back to store: %v", err)
	}
	hits, err := s.store.Search(ctx, query, f)
	if err != nil {
		return nil, fmt.Errorf("search policy documents: %w", err)
	}
	return hits, nil
}

// Index writes docs to the store and, when available, to Meilisearch.
func (s *Service) Index(ctx context.Context, docs []Document) error {
	if err := s.store.Upsert(ctx, docs); err != nil {
		return err
	}
	if s.meili != nil && s.meili.Healthy() {
		if err := s.meili.IndexDocuments(docs); err != nil {
			log.Printf("retrieval: index %d document(s): %v", len(docs), err)
		}
	}
	return nil
}

// Remove deletes documents from the store and Meilisearch.
func (s *Service) Remove(ctx context.Context, ids []string) error {
	if err := s.store.Delete(ctx, ids); err != nil {
		return err
	}
	if s.meili != nil && s.meili.Healthy() {
		for _, id := range ids {
			if err := s.meili.DeleteDocument(id); err != nil {
				log.Printf("retrieval: delete document %s: %v", id, err)
			}
		}
	}
	return nil
}

// ReindexFromStore pushes the stored corpus into Meilisearch.
func (s *Service) ReindexFromStore(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	docs, err := s.store.All(ctx)
	if err != nil {
		log.Printf("retrieval: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexDocuments(docs); err != nil {
		log.Printf("retrieval: reindex documents: %v", err)
	}
}

// Healthy reports whether any backend can answer.
func (s *Service) Healthy() bool {
	return (s.meili != nil && s.meili.Healthy()) || s.store.Healthy()
}

// Documents returns the stored corpus.
func (s *Service) Documents(ctx context.Context) ([]Document, error) {
	return s.store.All(ctx)
}
