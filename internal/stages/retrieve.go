package stages

import (
	"context"
	"log"
	"sort"
	"strings"

	"helpdesk/api/internal/retrieval"
	"helpdesk/api/internal/util"
	"helpdesk/api/internal/workflow"
)

const excerptLen = 400

// Retrieve gathers policy evidence. A failed search leaves empty evidence and
// a RetrievalError; the request continues without citations.
type Retrieve struct {
	deps Deps
}

func (s *Retrieve) Name() workflow.StageName { return workflow.StageRetrieve }

func (s *Retrieve) Run(ctx context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
	query := strings.TrimSpace(st.Payload.Title + " " + st.Payload.Description)
	st.Evidence = &workflow.Evidence{
		Query:       query,
		Documents:   []workflow.Document{},
		Citations:   []workflow.Citation{},
		RetrievedAt: s.deps.Now(),
	}
	if s.deps.Retriever == nil {
		return st, workflow.OutcomeCompleted, nil
	}

	filters := retrieval.Filters{Category: st.Payload.Category, Limit: s.deps.Config.RetrievalLimit}
	hits, err := s.deps.Retriever.Retrieve(ctx, query, filters)
	if err == nil && len(hits) == 0 && filters.Category != "" {
		// Category names on requests and policies do not always line up.
		filters.Category = ""
		hits, err = s.deps.Retriever.Retrieve(ctx, query, filters)
	}
	if err != nil {
		return st, "", &workflow.RetrievalError{Err: err}
	}

	docs, citations := evidenceFromHits(hits)
	st.Evidence.Documents = docs
	st.Evidence.Citations = citations
	log.Printf("stages: request=%s retrieved %d document(s)", st.RequestID, len(docs))
	return st, workflow.OutcomeCompleted, nil
}

// evidenceFromHits drops hits with duplicate content and ranks the rest by
// relevance.
func evidenceFromHits(hits []retrieval.Hit) ([]workflow.Document, []workflow.Citation) {
	seen := map[string]bool{}
	docs := []workflow.Document{}
	for _, h := range hits {
		fp := h.Document.Fingerprint
		if fp == "" {
			fp = util.Fingerprint(util.NormalizeText(h.Document.Body))
		}
		if seen[fp] {
			continue
		}
		seen[fp] = true
		excerpt := strings.TrimSpace(h.Snippet)
		if excerpt == "" {
			excerpt = truncate(strings.TrimSpace(h.Document.Body), excerptLen)
		}
		docs = append(docs, workflow.Document{
			ID:          h.Document.ID,
			Title:       h.Document.Title,
			Source:      h.Document.Source,
			Category:    h.Document.Category,
			Section:     h.Document.Section,
			Revision:    h.Document.Revision,
			Excerpt:     excerpt,
			Relevance:   clamp01(h.Score),
			Fingerprint: fp,
		})
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Relevance > docs[j].Relevance })

	citations := make([]workflow.Citation, 0, len(docs))
	for _, d := range docs {
		citations = append(citations, workflow.Citation{
			Source:     d.Source,
			Text:       d.Excerpt,
			Relevance:  d.Relevance,
			DocumentID: d.ID,
			Section:    d.Section,
		})
	}
	return docs, citations
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
