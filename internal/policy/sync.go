package policy

import (
	"context"
	"fmt"
	"log"

	"helpdesk/api/internal/retrieval"
)

// Index is where parsed policy documents go.
type Index interface {
	Index(ctx context.Context, docs []retrieval.Document) error
	Remove(ctx context.Context, ids []string) error
	Documents(ctx context.Context) ([]retrieval.Document, error)
}

// SyncResult summarises one sync pass.
type SyncResult struct {
	Revision  string `json:"revision"`
	Indexed   int    `json:"indexed"`
	Removed   int    `json:"removed"`
	Unchanged int    `json:"unchanged"`
}

// Syncer mirrors the repository's HEAD into the index.
type Syncer struct {
	repo  *Repo
	index Index
}

func NewSyncer(repo *Repo, index Index) *Syncer {
	return &Syncer{repo: repo, index: index}
}

// Sync pulls, parses HEAD and applies the difference to the index. Documents
// whose fingerprint is unchanged are not rewritten.
func (s *Syncer) Sync(ctx context.Context) (SyncResult, error) {
	if err := s.repo.Ensure(ctx); err != nil {
		return SyncResult{}, err
	}
	if err := s.repo.Pull(ctx); err != nil {
		return SyncResult{}, err
	}
	snap, err := s.repo.Head()
	if err != nil {
		return SyncResult{}, err
	}

	existing, err := s.index.Documents(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("load indexed policies: %w", err)
	}
	known := make(map[string]string, len(existing))
	for _, d := range existing {
		known[d.ID] = d.Fingerprint
	}

	result := SyncResult{Revision: snap.Revision}
	var changed []retrieval.Document
	seen := map[string]bool{}
	for _, f := range snap.Files {
		for _, d := range Split(f, snap.Revision) {
			d.UpdatedAt = snap.At
			seen[d.ID] = true
			if known[d.ID] == d.Fingerprint {
				result.Unchanged++
				continue
			}
			changed = append(changed, d)
		}
	}
	if err := s.index.Index(ctx, changed); err != nil {
		return SyncResult{}, fmt.Errorf("index policies: %w", err)
	}
	result.Indexed = len(changed)

	var stale []string
	for id := range known {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := s.index.Remove(ctx, stale); err != nil {
			return SyncResult{}, fmt.Errorf("remove stale policies: %w", err)
		}
	}
	result.Removed = len(stale)

	log.Printf("policy: synced revision=%s indexed=%d removed=%d unchanged=%d", result.Revision, result.Indexed, result.Removed, result.Unchanged)
	return result, nil
}
