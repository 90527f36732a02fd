// Package retrieval finds policy documents supporting a request.
package retrieval

import (
	"context"
	"time"
)

// Document is one indexed policy section.
type Document struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	Category    string    `json:"category"`
	Section     string    `json:"section"`
	Revision    string    `json:"revision"`
	Body        string    `json:"body"`
	Fingerprint string    `json:"fingerprint"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Hit is a ranked search result. Score is normalised to [0,1].
type Hit struct {
	Document Document
	Snippet  string
	Score    float64
}

// Filters narrow a query. Limit defaults to 5.
type Filters struct {
	Category string
	Limit    int
}

func (f Filters) limit() int {
	if f.Limit <= 0 {
		return 5
	}
	if f.Limit > 50 {
		return 50
	}
	return f.Limit
}

// Searcher executes a ranked query.
type Searcher interface {
	Search(ctx context.Context, query string, f Filters) ([]Hit, error)
	Healthy() bool
}

// DocumentStore is the durable copy of the corpus that indexes are built from.
type DocumentStore interface {
	Searcher
	Upsert(ctx context.Context, docs []Document) error
	Delete(ctx context.Context, ids []string) error
	All(ctx context.Context) ([]Document, error)
}
