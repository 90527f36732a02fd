package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"helpdesk/api/internal/auth"
	"helpdesk/api/internal/checkpoint"
	"helpdesk/api/internal/dedupe"
	"helpdesk/api/internal/events"
	"helpdesk/api/internal/hil"
	"helpdesk/api/internal/policy"
	"helpdesk/api/internal/rbac"
	"helpdesk/api/internal/report"
	"helpdesk/api/internal/util"
	"helpdesk/api/internal/workflow"
)

const (
	idempotencyTTL = 24 * time.Hour
	// duplicateWindow suppresses identical resubmissions sent without a key.
	duplicateWindow = 5 * time.Minute
	answerTimeout   = 15 * time.Minute
)

// Engine is the workflow surface the service drives.
type Engine interface {
	Create(ctx context.Context, requestID string, payload workflow.UserRequest, requester workflow.Employee) (workflow.RequestState, error)
	Run(ctx context.Context, requestID string) (workflow.RequestState, error)
	Resume(ctx context.Context, requestID string, ans workflow.Answer) (workflow.RequestState, error)
	Cancel(ctx context.Context, requestID, reason string) (workflow.RequestState, error)
	Reconcile(ctx context.Context, requestID string) (workflow.RequestState, error)
}

type PolicySyncer interface {
	Sync(ctx context.Context) (policy.SyncResult, error)
}

type Reporter interface {
	Render(ctx context.Context, st workflow.RequestState, format report.Format) (*report.Result, error)
}

// Check is one dependency probed by /api/ready.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Deps struct {
	Engine      Engine
	Store       checkpoint.Store
	Events      events.Bus
	Idempotency dedupe.Guard
	Reports     Reporter
	Policies    PolicySyncer
	Checks      []Check
	TokenSecret []byte
	// MaxConcurrent bounds requests driven at once.
	MaxConcurrent int
	Now           func() time.Time
}

// Caller is the authenticated principal of an API call.
type Caller struct {
	ID    string
	Name  string
	Email string
	Role  rbac.Role
}

type Service struct {
	engine   Engine
	store    checkpoint.Store
	events   events.Bus
	guard    dedupe.Guard
	reports  Reporter
	policies PolicySyncer
	checks   []Check
	secret   []byte
	now      func() time.Time

	sem     chan struct{}
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
}

func New(deps Deps) *Service {
	if deps.MaxConcurrent <= 0 {
		deps.MaxConcurrent = 16
	}
	if deps.Idempotency == nil {
		deps.Idempotency = dedupe.NewMemoryGuard()
	}
	if deps.Events == nil {
		deps.Events = events.NewMemoryBus()
	}
	if deps.Reports == nil {
		deps.Reports = report.NewService(nil)
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		engine:   deps.Engine,
		store:    deps.Store,
		events:   deps.Events,
		guard:    deps.Idempotency,
		reports:  deps.Reports,
		policies: deps.Policies,
		checks:   deps.Checks,
		secret:   deps.TokenSecret,
		now:      deps.Now,
		sem:      make(chan struct{}, deps.MaxConcurrent),
		baseCtx:  ctx,
		stop:     cancel,
	}
}

// Authenticate resolves a bearer token into a Caller.
func (s *Service) Authenticate(token string) (Caller, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return Caller{}, err
	}
	return Caller{
		ID:    claims.Sub,
		Name:  claims.Name,
		Email: claims.Email,
		Role:  rbac.Normalize(claims.Role),
	}, nil
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Ready probes the database and every configured dependency.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	ok := true
	checks := map[string]any{"database": map[string]any{"status": "ok"}}
	if err := s.store.Ping(ctx); err != nil {
		ok = false
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	for _, c := range s.checks {
		if err := c.Ping(ctx); err != nil {
			ok = false
			checks[c.Name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[c.Name] = map[string]any{"status": "ok"}
	}
	return ok, checks
}

type CreateRequestInput struct {
	Title                 string            `json:"title"`
	Description           string            `json:"description"`
	Category              string            `json:"category"`
	Priority              string            `json:"priority"`
	Urgency               string            `json:"urgency"`
	BusinessJustification string            `json:"businessJustification"`
	DesiredCompletion     *time.Time        `json:"desiredCompletion"`
	Attachments           []string          `json:"attachments"`
	CustomFields          map[string]string `json:"customFields"`
	Requester             *RequesterInput   `json:"requester"`
}

type RequesterInput struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Department   string `json:"department"`
	Role         string `json:"role"`
	ManagerEmail string `json:"managerEmail"`
	AccessLevel  string `json:"accessLevel"`
	Location     string `json:"location"`
}

type CreateResult struct {
	RequestID string `json:"requestId"`
	Duplicate bool   `json:"duplicate"`
}

// requestFrom validates input and fills the requester from the caller. Only
// agents and admins may file on behalf of someone else.
func requestFrom(caller Caller, in CreateRequestInput) (workflow.UserRequest, workflow.Employee, error) {
	verr := &workflow.ValidationError{}
	payload := workflow.UserRequest{
		Title:                 strings.TrimSpace(in.Title),
		Description:           strings.TrimSpace(in.Description),
		Category:              strings.ToLower(strings.TrimSpace(in.Category)),
		Priority:              workflow.Priority(strings.ToUpper(strings.TrimSpace(in.Priority))),
		Urgency:               strings.TrimSpace(in.Urgency),
		BusinessJustification: strings.TrimSpace(in.BusinessJustification),
		DesiredCompletion:     in.DesiredCompletion,
		Attachments:           in.Attachments,
		CustomFields:          in.CustomFields,
	}
	if payload.Title == "" {
		verr.Add("title", "is required")
	} else if len(payload.Title) > 200 {
		verr.Add("title", "must be at most 200 characters")
	}
	if payload.Description == "" {
		verr.Add("description", "is required")
	}
	if payload.Priority == "" {
		payload.Priority = workflow.PriorityMedium
	} else if !payload.Priority.Valid() {
		verr.Add("priority", "must be LOW, MEDIUM, HIGH or CRITICAL")
	}

	requester := workflow.Employee{ID: caller.ID, Name: caller.Name, Email: caller.Email}
	if in.Requester != nil {
		r := in.Requester
		onBehalf := r.Email != "" && !strings.EqualFold(r.Email, caller.Email)
		if onBehalf && caller.Role != rbac.RoleAgent && caller.Role != rbac.RoleAdmin {
			verr.Add("requester.email", "may only be set to your own address")
		}
		if onBehalf {
			requester = workflow.Employee{ID: r.ID, Name: r.Name, Email: r.Email}
		}
		requester.Name = firstNonEmpty(r.Name, requester.Name)
		requester.Department = r.Department
		requester.Role = r.Role
		requester.ManagerEmail = r.ManagerEmail
		requester.AccessLevel = r.AccessLevel
		requester.Location = r.Location
	}
	if requester.Email == "" || !strings.Contains(requester.Email, "@") {
		verr.Add("requester.email", "a valid email is required")
	}
	if requester.ManagerEmail != "" && !strings.Contains(requester.ManagerEmail, "@") {
		verr.Add("requester.managerEmail", "must be an email address")
	}
	if requester.ID == "" {
		requester.ID = requester.Email
	}
	return payload, requester, verr.OrNil()
}

// CreateRequest checkpoints a new request and starts driving it in the
// background. A repeated idempotency key returns the original request id.
func (s *Service) CreateRequest(ctx context.Context, caller Caller, in CreateRequestInput, idempotencyKey string) (CreateResult, error) {
	if !s.Can(caller.Role, rbac.ActionCreate) {
		return CreateResult{}, errForbidden
	}
	payload, requester, err := requestFrom(caller, in)
	if err != nil {
		return CreateResult{}, err
	}

	key, ttl := s.createKey(caller, payload, requester, idempotencyKey)
	requestID := util.NewID("req")
	won, err := s.guard.Claim(ctx, key, requestID, ttl)
	if err != nil {
		log.Printf("app: idempotency claim failed, creating without it: %v", err)
		won = true
	}
	if !won {
		existing, ok, err := s.guard.Lookup(ctx, key)
		if err == nil && ok {
			return CreateResult{RequestID: existing, Duplicate: true}, nil
		}
	}

	st, err := s.engine.Create(ctx, requestID, payload, requester)
	if err != nil {
		_ = s.guard.Release(ctx, key)
		return CreateResult{}, err
	}
	s.Drive(st.RequestID)
	return CreateResult{RequestID: st.RequestID}, nil
}

func (s *Service) createKey(caller Caller, payload workflow.UserRequest, requester workflow.Employee, header string) (string, time.Duration) {
	if header = strings.TrimSpace(header); header != "" {
		return "create:" + caller.ID + ":" + header, idempotencyTTL
	}
	raw, _ := json.Marshal(struct {
		Payload   workflow.UserRequest
		Requester workflow.Employee
	}{payload, requester})
	return "create:" + caller.ID + ":" + util.Fingerprint(string(raw)), duplicateWindow
}

// Drive runs the request in the background, bounded by MaxConcurrent.
func (s *Service) Drive(requestID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sem <- struct{}{}:
		case <-s.baseCtx.Done():
			return
		}
		defer func() { <-s.sem }()
		if _, err := s.engine.Run(s.baseCtx, requestID); err != nil {
			log.Printf("app: drive request=%s: %v", requestID, err)
		}
	}()
}

// Recover restarts every request left RUNNING by a previous process.
func (s *Service) Recover(ctx context.Context) (int, error) {
	ids, err := s.store.ListByWorkflowStatus(ctx, workflow.WorkflowRunning)
	if err != nil {
		return 0, fmt.Errorf("list running requests: %w", err)
	}
	for _, id := range ids {
		s.Drive(id)
	}
	return len(ids), nil
}

// Shutdown stops queued work and waits for running drivers up to ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// load returns the request if caller may read it. Requesters only see their
// own requests; others get ErrNotFound so ids are not probeable.
func (s *Service) load(ctx context.Context, caller Caller, requestID string) (workflow.RequestState, error) {
	st, err := s.store.Load(ctx, requestID)
	if err != nil {
		return workflow.RequestState{}, err
	}
	if s.Can(caller.Role, rbac.ActionReadAll) {
		return st, nil
	}
	if s.Can(caller.Role, rbac.ActionReadOwn) && owns(caller, st) {
		return st, nil
	}
	return workflow.RequestState{}, errNotFound
}

func owns(caller Caller, st workflow.RequestState) bool {
	if caller.Email != "" && strings.EqualFold(st.Requester.Email, caller.Email) {
		return true
	}
	return caller.ID != "" && st.Requester.ID == caller.ID
}

// GetState returns the read model of one request.
func (s *Service) GetState(ctx context.Context, caller Caller, requestID string) (workflow.Summary, error) {
	st, err := s.load(ctx, caller, requestID)
	if err != nil {
		return workflow.Summary{}, err
	}
	return workflow.Summarize(st), nil
}

// GetRequest returns the full state record. Only agents and admins see it.
func (s *Service) GetRequest(ctx context.Context, caller Caller, requestID string) (workflow.RequestState, error) {
	if !s.Can(caller.Role, rbac.ActionReadAll) {
		return workflow.RequestState{}, errForbidden
	}
	return s.store.Load(ctx, requestID)
}

func (s *Service) ListRequests(ctx context.Context, caller Caller, f checkpoint.ListFilter) ([]workflow.Summary, error) {
	if !s.Can(caller.Role, rbac.ActionReadAll) {
		if !s.Can(caller.Role, rbac.ActionReadOwn) {
			return nil, errForbidden
		}
		f.RequesterEmail = caller.Email
	}
	states, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]workflow.Summary, 0, len(states))
	for _, st := range states {
		out = append(out, workflow.Summarize(st))
	}
	return out, nil
}

type AnswerInput struct {
	QuestionID    string  `json:"questionId"`
	Decision      string  `json:"decision"`
	Justification string  `json:"justification"`
	Confidence    float64 `json:"confidence"`
	Notes         string  `json:"notes"`
}

// SubmitAnswer records an approver's answer and drives the request on until
// it suspends again or finishes. The drive outlives a dropped connection.
func (s *Service) SubmitAnswer(ctx context.Context, caller Caller, requestID string, in AnswerInput) (workflow.Summary, error) {
	if !s.Can(caller.Role, rbac.ActionAnswer) {
		return workflow.Summary{}, errForbidden
	}
	ans := workflow.Answer{
		QuestionID:    strings.TrimSpace(in.QuestionID),
		AnsweredBy:    firstNonEmpty(caller.Email, caller.ID),
		Decision:      workflow.AnswerDecision(strings.ToUpper(strings.TrimSpace(in.Decision))),
		Justification: strings.TrimSpace(in.Justification),
		Confidence:    in.Confidence,
		Notes:         strings.TrimSpace(in.Notes),
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return workflow.Summary{}, ctx.Err()
	}
	defer func() { <-s.sem }()

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), answerTimeout)
	defer cancel()
	st, err := s.engine.Resume(runCtx, requestID, ans)
	if err != nil {
		return workflow.Summary{}, err
	}
	return workflow.Summarize(st), nil
}

// Cancel stops a request. Requesters may cancel only their own.
func (s *Service) Cancel(ctx context.Context, caller Caller, requestID, reason string) (workflow.Summary, error) {
	if !s.Can(caller.Role, rbac.ActionCancel) {
		return workflow.Summary{}, errForbidden
	}
	if _, err := s.load(ctx, caller, requestID); err != nil {
		return workflow.Summary{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by " + firstNonEmpty(caller.Email, caller.ID)
	}
	st, err := s.engine.Cancel(ctx, requestID, reason)
	if err != nil {
		return workflow.Summary{}, err
	}
	return workflow.Summarize(st), nil
}

// Reconcile retries a ticket transition the tracker has not confirmed.
func (s *Service) Reconcile(ctx context.Context, caller Caller, requestID string) (workflow.Summary, error) {
	if !s.Can(caller.Role, rbac.ActionOperate) {
		return workflow.Summary{}, errForbidden
	}
	st, err := s.engine.Reconcile(ctx, requestID)
	if err != nil {
		return workflow.Summary{}, err
	}
	return workflow.Summarize(st), nil
}

func (s *Service) Report(ctx context.Context, caller Caller, requestID string, format report.Format) (*report.Result, error) {
	st, err := s.load(ctx, caller, requestID)
	if err != nil {
		return nil, err
	}
	return s.reports.Render(ctx, st, format)
}

// Approvals lists the question queue. Approvers default to their own items
// when they pass mine=true.
func (s *Service) Approvals(ctx context.Context, caller Caller, f hil.Filter) ([]hil.Entry, error) {
	if !s.Can(caller.Role, rbac.ActionAnswer) && !s.Can(caller.Role, rbac.ActionReadAll) {
		return nil, errForbidden
	}
	return s.store.ListQuestions(ctx, f)
}

func (s *Service) ApprovalStats(ctx context.Context, caller Caller) (hil.Stats, error) {
	if !s.Can(caller.Role, rbac.ActionAnswer) && !s.Can(caller.Role, rbac.ActionReadAll) {
		return hil.Stats{}, errForbidden
	}
	return s.store.Stats(ctx, s.now())
}

func (s *Service) SyncPolicies(ctx context.Context, caller Caller) (policy.SyncResult, error) {
	if !s.Can(caller.Role, rbac.ActionOperate) {
		return policy.SyncResult{}, errForbidden
	}
	if s.policies == nil {
		return policy.SyncResult{}, errNoPolicy
	}
	return s.policies.Sync(ctx)
}

// Stream is an open event stream: the current snapshot, the replayed history
// and a channel of live events with the replayed ones removed.
type Stream struct {
	Snapshot workflow.Summary
	History  []events.Event
	Live     <-chan events.Event
	// Done is true when the request is final and its last event was replayed.
	Done bool
}

// OpenStream subscribes before reading history so nothing published in
// between is lost; duplicates are dropped from Live.
func (s *Service) OpenStream(ctx context.Context, caller Caller, requestID, lastEventID string) (Stream, error) {
	st, err := s.load(ctx, caller, requestID)
	if err != nil {
		return Stream{}, err
	}
	live, err := s.events.Subscribe(ctx, requestID, "")
	if err != nil {
		return Stream{}, fmt.Errorf("subscribe events: %w", err)
	}
	history, err := s.events.History(ctx, requestID, lastEventID)
	if err != nil {
		return Stream{}, fmt.Errorf("read event history: %w", err)
	}
	seen := make(map[string]struct{}, len(history))
	done := false
	for _, ev := range history {
		seen[ev.ID] = struct{}{}
		done = done || ev.Type.Final()
	}
	if st.Terminal() {
		done = true
	}

	out := make(chan events.Event)
	go func() {
		defer close(out)
		for ev := range live {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return Stream{Snapshot: workflow.Summarize(st), History: history, Live: out, Done: done}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
