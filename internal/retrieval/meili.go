package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxPolicies = "helpdesk_policies"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the policy index.
// The client starts unhealthy when the server is unreachable and recovers
// through the health loop.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("retrieval: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxPolicies,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("retrieval: create index %s (may already exist): %v", idxPolicies, err)
	}

	index := m.client.Index(idxPolicies)
	filterable := []interface{}{"category", "source"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("retrieval: update filterable attrs: %v", err)
	}
	searchable := []string{"title", "section", "body"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("retrieval: update searchable attrs: %v", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("retrieval: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, query string, f Filters) ([]Hit, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	sr := &meili.SearchRequest{
		IndexUID:              idxPolicies,
		Query:                 query,
		Limit:                 int64(f.limit()),
		AttributesToHighlight: []string{"body"},
		AttributesToCrop:      []string{"body"},
		CropLength:            40,
		ShowRankingScore:      true,
	}
	if f.Category != "" {
		sr.Filter = []string{fmt.Sprintf("category = %q", f.Category)}
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	var hits []Hit
	for _, res := range resp.Results {
		for _, hit := range res.Hits {
			hits = append(hits, hitToResult(hit))
		}
	}
	return hits, nil
}

func hitToResult(hit meili.Hit) Hit {
	doc := Document{
		ID:          decodeString(hit, "id"),
		Title:       decodeString(hit, "title"),
		Source:      decodeString(hit, "source"),
		Category:    decodeString(hit, "category"),
		Section:     decodeString(hit, "section"),
		Revision:    decodeString(hit, "revision"),
		Body:        decodeString(hit, "body"),
		Fingerprint: decodeString(hit, "fingerprint"),
	}
	var score float64
	if raw, ok := hit["_rankingScore"]; ok {
		_ = json.Unmarshal(raw, &score)
	}
	return Hit{
		Document: doc,
		Snippet:  firstNonBlank(decodeFormattedString(hit, "body"), doc.Body),
		Score:    score,
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexDocuments adds or replaces documents in the index.
func (m *Meili) IndexDocuments(docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxPolicies).AddDocuments(docs, nil)
	return err
}

// DeleteDocument removes a document from the index.
func (m *Meili) DeleteDocument(id string) error {
	_, err := m.client.Index(idxPolicies).DeleteDocument(id, nil)
	return err
}
