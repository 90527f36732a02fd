package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"helpdesk/api/internal/hil"
	"helpdesk/api/internal/workflow"
)

// MemoryStore is an in-process Store. States are kept serialized so callers
// never share memory with the stored copy.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]memoryRow
}

type memoryRow struct {
	state     []byte
	version   int64
	createdAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[string]memoryRow{}}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Create(_ context.Context, st workflow.RequestState) (workflow.RequestState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[st.RequestID]; ok {
		return workflow.RequestState{}, fmt.Errorf("create request %s: already exists", st.RequestID)
	}
	st.Version = 1
	raw, err := json.Marshal(st)
	if err != nil {
		return workflow.RequestState{}, fmt.Errorf("marshal request state: %w", err)
	}
	s.rows[st.RequestID] = memoryRow{state: raw, version: 1, createdAt: st.CreatedAt}
	return st, nil
}

func (s *MemoryStore) Load(_ context.Context, requestID string) (workflow.RequestState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[requestID]
	if !ok {
		return workflow.RequestState{}, workflow.ErrNotFound
	}
	return decodeState(row.state, row.version)
}

func (s *MemoryStore) Save(_ context.Context, st workflow.RequestState) (workflow.RequestState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[st.RequestID]
	if !ok {
		return workflow.RequestState{}, workflow.ErrNotFound
	}
	if row.version != st.Version {
		return workflow.RequestState{}, &workflow.ConcurrentModificationError{
			RequestID: st.RequestID,
			Expected:  st.Version,
			Actual:    row.version,
		}
	}
	pending := 0
	for _, q := range st.Approvals {
		if q.Status == workflow.QuestionPending {
			pending++
		}
	}
	if pending > 1 {
		return workflow.RequestState{}, fmt.Errorf("save request %s: %w", st.RequestID, workflow.ErrQuestionPending)
	}
	st.Version++
	raw, err := json.Marshal(st)
	if err != nil {
		return workflow.RequestState{}, fmt.Errorf("marshal request state: %w", err)
	}
	s.rows[st.RequestID] = memoryRow{state: raw, version: st.Version, createdAt: row.createdAt}
	return st, nil
}

// all returns every state, newest first.
func (s *MemoryStore) all() ([]workflow.RequestState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]workflow.RequestState, 0, len(s.rows))
	for _, row := range s.rows {
		st, err := decodeState(row.state, row.version)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID > out[j].RequestID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]workflow.RequestState, error) {
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	out := []workflow.RequestState{}
	skipped := 0
	for _, st := range all {
		if !f.match(st) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, st)
		if len(out) == f.limit() {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListByWorkflowStatus(_ context.Context, status workflow.WorkflowStatus) ([]string, error) {
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].WorkflowStatus == status {
			ids = append(ids, all[i].RequestID)
		}
	}
	return ids, nil
}

func (s *MemoryStore) entries() ([]hil.Entry, error) {
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	var out []hil.Entry
	for _, st := range all {
		out = append(out, hil.Project(st)...)
	}
	return out, nil
}

func (s *MemoryStore) ListQuestions(_ context.Context, f hil.Filter) ([]hil.Entry, error) {
	entries, err := s.entries()
	if err != nil {
		return nil, err
	}
	return f.Apply(entries), nil
}

func (s *MemoryStore) Overdue(_ context.Context, now time.Time) ([]hil.Entry, error) {
	entries, err := s.entries()
	if err != nil {
		return nil, err
	}
	return hil.OverdueOf(entries, now), nil
}

func (s *MemoryStore) Stats(_ context.Context, now time.Time) (hil.Stats, error) {
	entries, err := s.entries()
	if err != nil {
		return hil.Stats{}, err
	}
	return hil.Summarize(entries, now), nil
}
