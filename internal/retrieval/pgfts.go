package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS searches and stores policy documents in PostgreSQL.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres the service is down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

// buildSearchQuery ranks with ts_rank_cd normalised by rank/(rank+1).
func buildSearchQuery(query string, f Filters) (string, []any) {
	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{query}
	where := "search_vector @@ " + tsQuery
	if f.Category != "" {
		args = append(args, f.Category)
		where += fmt.Sprintf(" AND category = $%d", len(args))
	}
	sqlText := fmt.Sprintf(`
		SELECT id, title, source, category, section, revision, body, fingerprint, updated_at,
			ts_headline('english', body, %s, 'MaxFragments=1,MaxWords=40') AS snippet,
			ts_rank_cd(search_vector, %s, 32) AS score
		FROM policy_documents
		WHERE %s
		ORDER BY score DESC, id
		LIMIT %d`, tsQuery, tsQuery, where, f.limit())
	return sqlText, args
}

func (p *PgFTS) Search(ctx context.Context, query string, f Filters) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	sqlText, args := buildSearchQuery(query, f)
	rows, err := p.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		d := &h.Document
		if err := rows.Scan(&d.ID, &d.Title, &d.Source, &d.Category, &d.Section, &d.Revision, &d.Body, &d.Fingerprint, &d.UpdatedAt, &h.Snippet, &h.Score); err != nil {
			return nil, fmt.Errorf("pgfts scan: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (p *PgFTS) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	for _, d := range docs {
		updated := d.UpdatedAt
		if updated.IsZero() {
			updated = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO policy_documents (id, title, source, category, section, revision, body, fingerprint, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				title = EXCLUDED.title,
				source = EXCLUDED.source,
				category = EXCLUDED.category,
				section = EXCLUDED.section,
				revision = EXCLUDED.revision,
				body = EXCLUDED.body,
				fingerprint = EXCLUDED.fingerprint,
				updated_at = EXCLUDED.updated_at
			WHERE policy_documents.fingerprint <> EXCLUDED.fingerprint
		`, d.ID, d.Title, d.Source, d.Category, d.Section, d.Revision, d.Body, d.Fingerprint, updated); err != nil {
			return fmt.Errorf("upsert policy document %s: %w", d.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func (p *PgFTS) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := p.db.ExecContext(ctx, `DELETE FROM policy_documents WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete policy document %s: %w", id, err)
		}
	}
	return nil
}

// All returns the corpus for full reindexing.
func (p *PgFTS) All(ctx context.Context) ([]Document, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, source, category, section, revision, body, fingerprint, updated_at
		FROM policy_documents
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("load policy documents: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Title, &d.Source, &d.Category, &d.Section, &d.Revision, &d.Body, &d.Fingerprint, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan policy document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policy documents: %w", err)
	}
	return docs, nil
}
