package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"helpdesk/api/internal/util"
)

// MemoryIndex is an in-process corpus scored by term overlap.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: map[string]Document{}}
}

func (m *MemoryIndex) Healthy() bool { return true }

func (m *MemoryIndex) Search(_ context.Context, query string, f Filters) ([]Hit, error) {
	terms := tokens(query)
	if len(terms) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var hits []Hit
	for _, d := range m.docs {
		if f.Category != "" && !strings.EqualFold(d.Category, f.Category) {
			continue
		}
		words := map[string]bool{}
		for _, w := range tokens(d.Title + " " + d.Section + " " + d.Body) {
			words[w] = true
		}
		matched := 0
		for _, term := range terms {
			if words[term] {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, Hit{
			Document: d,
			Snippet:  excerpt(d.Body, 240),
			Score:    float64(matched) / float64(len(terms)),
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Document.ID < hits[j].Document.ID
	})
	if len(hits) > f.limit() {
		hits = hits[:f.limit()]
	}
	return hits, nil
}

func (m *MemoryIndex) Upsert(_ context.Context, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		m.docs[d.ID] = d
	}
	return nil
}

func (m *MemoryIndex) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.docs, id)
	}
	return nil
}

func (m *MemoryIndex) All(_ context.Context) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Document, 0, len(m.docs))
	for _, d := range m.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func tokens(s string) []string {
	return strings.FieldsFunc(util.NormalizeText(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := strings.LastIndex(s[:n], " ")
	if cut <= 0 {
		cut = n
	}
	return s[:cut] + "..."
}
