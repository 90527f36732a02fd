package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"helpdesk/api/internal/hil"
	"helpdesk/api/internal/workflow"
)

const uniqueViolation = "23505"

// PostgresStore keeps one JSONB row per request plus the hil_questions
// projection, written in the same transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Create(ctx context.Context, st workflow.RequestState) (workflow.RequestState, error) {
	st.Version = 1
	raw, err := json.Marshal(st)
	if err != nil {
		return workflow.RequestState{}, fmt.Errorf("marshal request state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return workflow.RequestState{}, fmt.Errorf("begin create tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO requests (
			id, version, workflow_status, request_status, current_stage,
			requester_id, requester_email, category, priority, title, state, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, st.RequestID, st.Version, string(st.WorkflowStatus), string(st.RequestStatus), string(st.CurrentStage),
		st.Requester.ID, st.Requester.Email, st.Payload.Category, string(st.Payload.Priority), st.Payload.Title,
		raw, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return workflow.RequestState{}, fmt.Errorf("create request %s: already exists", st.RequestID)
		}
		return workflow.RequestState{}, fmt.Errorf("insert request: %w", err)
	}
	if err := syncQuestions(ctx, tx, st); err != nil {
		return workflow.RequestState{}, err
	}
	if err := tx.Commit(); err != nil {
		return workflow.RequestState{}, fmt.Errorf("commit create: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) Load(ctx context.Context, requestID string) (workflow.RequestState, error) {
	var (
		raw     []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT state, version FROM requests WHERE id=$1`, requestID).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.RequestState{}, workflow.ErrNotFound
	}
	if err != nil {
		return workflow.RequestState{}, fmt.Errorf("load request: %w", err)
	}
	return decodeState(raw, version)
}

// Save writes st only when the stored version still equals st.Version.
func (s *PostgresStore) Save(ctx context.Context, st workflow.RequestState) (workflow.RequestState, error) {
	expected := st.Version
	st.Version = expected + 1
	raw, err := json.Marshal(st)
	if err != nil {
		return workflow.RequestState{}, fmt.Errorf("marshal request state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return workflow.RequestState{}, fmt.Errorf("begin save tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE requests
		SET version=$3, workflow_status=$4, request_status=$5, current_stage=$6, state=$7, updated_at=$8
		WHERE id=$1 AND version=$2
	`, st.RequestID, expected, st.Version, string(st.WorkflowStatus), string(st.RequestStatus), string(st.CurrentStage), raw, st.UpdatedAt)
	if err != nil {
		return workflow.RequestState{}, fmt.Errorf("update request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return workflow.RequestState{}, fmt.Errorf("update request: %w", err)
	}
	if affected == 0 {
		var actual int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM requests WHERE id=$1`, st.RequestID).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return workflow.RequestState{}, workflow.ErrNotFound
		}
		if err != nil {
			return workflow.RequestState{}, fmt.Errorf("read request version: %w", err)
		}
		return workflow.RequestState{}, &workflow.ConcurrentModificationError{
			RequestID: st.RequestID,
			Expected:  expected,
			Actual:    actual,
		}
	}
	if err := syncQuestions(ctx, tx, st); err != nil {
		return workflow.RequestState{}, err
	}
	if err := tx.Commit(); err != nil {
		return workflow.RequestState{}, fmt.Errorf("commit save: %w", err)
	}
	return st, nil
}

// syncQuestions upserts the queue projection of st. Older questions are
// written first so an expired question leaves PENDING before its successor
// enters it.
func syncQuestions(ctx context.Context, tx *sql.Tx, st workflow.RequestState) error {
	for _, e := range hil.Project(st) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO hil_questions (
				id, request_id, title, kind, context, prompt, decision, assignee,
				priority, priority_rank, status, emergency, escalation_level, created_at, due_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO UPDATE SET
				assignee=EXCLUDED.assignee,
				status=EXCLUDED.status,
				escalation_level=EXCLUDED.escalation_level,
				due_at=EXCLUDED.due_at
		`, e.QuestionID, e.RequestID, e.Title, string(e.Kind), string(e.Context), e.Prompt, string(e.Decision), e.Assignee,
			string(e.Priority), e.Priority.Rank(), string(e.Status), e.Emergency, e.EscalationLevel, e.CreatedAt, e.DueAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("project question %s: %w", e.QuestionID, workflow.ErrQuestionPending)
			}
			return fmt.Errorf("project question %s: %w", e.QuestionID, err)
		}
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]workflow.RequestState, error) {
	query, args := buildListQuery(f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	out := []workflow.RequestState{}
	for rows.Next() {
		var (
			raw     []byte
			version int64
		)
		if err := rows.Scan(&raw, &version); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		st, err := decodeState(raw, version)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func buildListQuery(f ListFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if f.WorkflowStatus != "" {
		add("workflow_status", string(f.WorkflowStatus))
	}
	if f.RequestStatus != "" {
		add("request_status", string(f.RequestStatus))
	}
	if f.RequesterEmail != "" {
		add("requester_email", f.RequesterEmail)
	}
	if f.Category != "" {
		add("category", f.Category)
	}
	if f.Priority != "" {
		add("priority", string(f.Priority))
	}

	var b strings.Builder
	b.WriteString("SELECT state, version FROM requests")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, f.limit(), max(f.Offset, 0))
	fmt.Fprintf(&b, " ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return b.String(), args
}

func (s *PostgresStore) ListByWorkflowStatus(ctx context.Context, status workflow.WorkflowStatus) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM requests WHERE workflow_status=$1 ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list requests by status: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan request id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const questionColumns = `id, request_id, title, kind, context, prompt, decision, assignee,
	priority, status, emergency, escalation_level, created_at, due_at`

func (s *PostgresStore) ListQuestions(ctx context.Context, f hil.Filter) ([]hil.Entry, error) {
	status := f.Status
	if status == "" {
		status = workflow.QuestionPending
	}
	args := []any{string(status)}
	query := `SELECT ` + questionColumns + ` FROM hil_questions WHERE status=$1`
	if f.Assignee != "" {
		args = append(args, f.Assignee)
		query += fmt.Sprintf(" AND assignee=$%d", len(args))
	}
	if f.Priority != "" {
		args = append(args, string(f.Priority))
		query += fmt.Sprintf(" AND priority=$%d", len(args))
	}
	query += " ORDER BY priority_rank DESC, due_at ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryQuestions(ctx, query, args...)
}

func (s *PostgresStore) Overdue(ctx context.Context, now time.Time) ([]hil.Entry, error) {
	return s.queryQuestions(ctx, `SELECT `+questionColumns+` FROM hil_questions
		WHERE status='PENDING' AND due_at <= $1 ORDER BY due_at ASC`, now)
}

func (s *PostgresStore) Stats(ctx context.Context, now time.Time) (hil.Stats, error) {
	entries, err := s.queryQuestions(ctx, `SELECT `+questionColumns+` FROM hil_questions`)
	if err != nil {
		return hil.Stats{}, err
	}
	return hil.Summarize(entries, now), nil
}

func (s *PostgresStore) queryQuestions(ctx context.Context, query string, args ...any) ([]hil.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	out := []hil.Entry{}
	for rows.Next() {
		var e hil.Entry
		if err := rows.Scan(&e.QuestionID, &e.RequestID, &e.Title, &e.Kind, &e.Context, &e.Prompt, &e.Decision,
			&e.Assignee, &e.Priority, &e.Status, &e.Emergency, &e.EscalationLevel, &e.CreatedAt, &e.DueAt); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func decodeState(raw []byte, version int64) (workflow.RequestState, error) {
	var st workflow.RequestState
	if err := json.Unmarshal(raw, &st); err != nil {
		return workflow.RequestState{}, fmt.Errorf("decode request state: %w", err)
	}
	st.Version = version
	return st, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
