package ticket

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"helpdesk/api/internal/retry"
	"helpdesk/api/internal/workflow"
)

const (
	assigneeApprovalQueue = "approval_queue"
	assigneeReviewQueue   = "human_review_queue"
	assigneeAgent         = "it_agent"
)

// Synchronizer moves a request's ticket along the status graph. It edits
// st.Ticket in place; failures leave a PendingSync describing the work that
// is still owed to the ticketing system.
type Synchronizer struct {
	client  Client
	retry   *retry.Runner
	service string
	now     func() time.Time
}

func NewSynchronizer(client Client, runner *retry.Runner, service string) *Synchronizer {
	if runner == nil {
		runner = retry.New(retry.DefaultConfig())
	}
	if service == "" {
		service = "ticketing"
	}
	return &Synchronizer{
		client:  client,
		retry:   runner,
		service: service,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ExternalKey is the label that identifies the request's ticket externally.
func ExternalKey(requestID string) string {
	return "helpdesk-" + requestID
}

// Sync performs intent, first flushing any work left pending earlier.
func (s *Synchronizer) Sync(ctx context.Context, st *workflow.RequestState, intent workflow.SyncIntent) error {
	work := workflow.PendingSync{Op: intent.Op, Targets: intent.Targets, Comment: intent.Comment}
	if st.Ticket != nil && st.Ticket.PendingSync != nil {
		prev := *st.Ticket.PendingSync
		work.Targets = append(append([]workflow.TicketStatus(nil), prev.Targets...), intent.Targets...)
		work.Comment = joinComments(prev.Comment, intent.Comment)
		work.Attempts = prev.Attempts
		work.Since = prev.Since
	}
	return s.run(ctx, st, work)
}

// Reconcile retries the pending work recorded on st, if any.
func (s *Synchronizer) Reconcile(ctx context.Context, st *workflow.RequestState) error {
	if st.Ticket == nil || st.Ticket.PendingSync == nil {
		return nil
	}
	return s.run(ctx, st, *st.Ticket.PendingSync)
}

func (s *Synchronizer) run(ctx context.Context, st *workflow.RequestState, work workflow.PendingSync) error {
	from := workflow.TicketNew
	if hasTicket(st) {
		from = st.Ticket.Status
	}
	if len(work.Targets) > 0 {
		work.Targets = unreached(from, work.Targets)
		if len(work.Targets) == 0 {
			// Already there: a repeated intent makes no external call.
			if st.Ticket != nil {
				st.Ticket.PendingSync = nil
			}
			return nil
		}
	}
	if err := validate(from, work.Targets); err != nil {
		return fmt.Errorf("sync ticket for request %s: %w", st.RequestID, err)
	}

	if !hasTicket(st) {
		if attempts, err := s.create(ctx, st); err != nil {
			return s.deferWork(st, work, "create", attempts, err)
		}
	}
	st.Ticket.PendingSync = nil

	comment := work.Comment
	for i, target := range work.Targets {
		path, err := Path(st.Ticket.Status, target)
		if err != nil {
			return fmt.Errorf("sync ticket for request %s: %w", st.RequestID, err)
		}
		for _, hop := range path {
			in := TransitionInput{
				To:         hop,
				Comment:    firstNonEmpty(comment, actionComment(st, hop)),
				Assignee:   assigneeFor(st, hop),
				Resolution: resolutionFor(st, hop),
			}
			attempts, err := s.retry.Do(ctx, func(ctx context.Context) error {
				return s.client.Transition(ctx, st.Ticket.TicketID, in)
			})
			if err != nil {
				remaining := work
				remaining.Op = workflow.SyncUpdate
				remaining.Targets = append([]workflow.TicketStatus(nil), work.Targets[i:]...)
				remaining.Comment = comment
				return s.deferWork(st, remaining, "transition", attempts, err)
			}
			s.recordTransition(st, hop, in)
			comment = ""
		}
	}

	if comment != "" {
		attempts, err := s.retry.Do(ctx, func(ctx context.Context) error {
			return s.client.Comment(ctx, st.Ticket.TicketID, comment)
		})
		if err != nil {
			remaining := work
			remaining.Op = workflow.SyncUpdate
			remaining.Targets = nil
			remaining.Comment = comment
			return s.deferWork(st, remaining, "comment", attempts, err)
		}
		st.Ticket.Audit = append(st.Ticket.Audit, workflow.TicketAudit{
			From:    st.Ticket.Status,
			To:      st.Ticket.Status,
			Action:  "comment",
			Comment: comment,
			At:      s.now(),
		})
	}
	st.Ticket.UpdatedAt = s.now()
	return nil
}

// create finds or creates the request's ticket. Each attempt looks the
// ticket up first so a create whose response was lost is not repeated.
func (s *Synchronizer) create(ctx context.Context, st *workflow.RequestState) (int, error) {
	key := ExternalKey(st.RequestID)
	in := CreateInput{
		Summary:     Summary(st),
		Description: Description(st, s.now()),
		Priority:    jiraPriority(st.Payload.Priority),
		Labels:      labels(st),
		ExternalKey: key,
	}
	var issue Issue
	attempts, err := s.retry.Do(ctx, func(ctx context.Context) error {
		found, err := s.client.Find(ctx, key)
		if err != nil {
			return err
		}
		if found != nil {
			issue = *found
			return nil
		}
		issue, err = s.client.Create(ctx, in)
		return err
	})
	if err != nil {
		return attempts, err
	}

	now := s.now()
	status := issue.Status
	if status == "" {
		status = workflow.TicketNew
	}
	var pending *workflow.PendingSync
	if st.Ticket != nil {
		pending = st.Ticket.PendingSync
	}
	st.Ticket = &workflow.TicketRecord{
		TicketID:    issue.ID,
		Key:         issue.Key,
		Status:      status,
		PendingSync: pending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Audit: []workflow.TicketAudit{{
			To:     status,
			Action: "create",
			At:     now,
		}},
	}
	log.Printf("ticket: request=%s ticket=%s key=%s status=%s", st.RequestID, issue.ID, issue.Key, status)
	return attempts, nil
}

func (s *Synchronizer) recordTransition(st *workflow.RequestState, to workflow.TicketStatus, in TransitionInput) {
	now := s.now()
	st.Ticket.Audit = append(st.Ticket.Audit, workflow.TicketAudit{
		From:    st.Ticket.Status,
		To:      to,
		Action:  "transition",
		Comment: in.Comment,
		At:      now,
	})
	st.Ticket.Status = to
	if in.Assignee != "" {
		st.Ticket.Assignee = in.Assignee
	}
	if in.Resolution != "" {
		st.Ticket.Resolution = in.Resolution
	}
	st.Ticket.UpdatedAt = now
}

func (s *Synchronizer) deferWork(st *workflow.RequestState, work workflow.PendingSync, op string, attempts int, err error) error {
	now := s.now()
	if st.Ticket == nil {
		st.Ticket = &workflow.TicketRecord{Audit: []workflow.TicketAudit{}}
	}
	work.Attempts += attempts
	work.LastError = err.Error()
	if work.Since.IsZero() {
		work.Since = now
	}
	st.Ticket.PendingSync = &work
	st.Ticket.UpdatedAt = now
	log.Printf("ticket: request=%s %s deferred after %d attempt(s): %v", st.RequestID, op, attempts, err)
	return &workflow.ExternalServiceError{Service: s.service, Op: op, Attempts: attempts, Err: err}
}

func hasTicket(st *workflow.RequestState) bool {
	return st.Ticket != nil && st.Ticket.TicketID != ""
}

// unreached drops the targets up to and including the last one equal to the
// current status.
func unreached(from workflow.TicketStatus, targets []workflow.TicketStatus) []workflow.TicketStatus {
	for i := len(targets) - 1; i >= 0; i-- {
		if targets[i] == from {
			return append([]workflow.TicketStatus(nil), targets[i+1:]...)
		}
	}
	return targets
}

// validate rejects a target sequence that leaves the status graph.
func validate(from workflow.TicketStatus, targets []workflow.TicketStatus) error {
	cur := from
	for _, target := range targets {
		if _, err := Path(cur, target); err != nil {
			return err
		}
		cur = target
	}
	return nil
}

func labels(st *workflow.RequestState) []string {
	out := []string{}
	if c := strings.TrimSpace(st.Payload.Category); c != "" {
		out = append(out, strings.ReplaceAll(strings.ToLower(c), " ", "-"))
	}
	return append(out, "automated")
}

func assigneeFor(st *workflow.RequestState, to workflow.TicketStatus) string {
	switch to {
	case workflow.TicketInProgress:
		if st.Decision.Effective() == workflow.DecisionRequiresApproval {
			return assigneeApprovalQueue
		}
		return assigneeAgent
	case workflow.TicketWaitingForHumanReview:
		return assigneeReviewQueue
	case workflow.TicketWaitingForApproval:
		return assigneeApprovalQueue
	default:
		return ""
	}
}

func resolutionFor(st *workflow.RequestState, to workflow.TicketStatus) string {
	switch to {
	case workflow.TicketResolved:
		return "Resolved"
	case workflow.TicketClosed:
		if st.Decision.Effective() == workflow.DecisionDenied {
			return "Denied"
		}
		if st.Ticket.Status == workflow.TicketResolved {
			return ""
		}
		return "Resolved"
	default:
		return ""
	}
}

func actionComment(st *workflow.RequestState, to workflow.TicketStatus) string {
	switch to {
	case workflow.TicketInProgress:
		return fmt.Sprintf("Moving to In Progress. Decision: %s", st.Decision.Effective())
	case workflow.TicketWaitingForHumanReview:
		return "Human review required before work continues."
	case workflow.TicketWaitingForApproval:
		return "Waiting for manager approval."
	case workflow.TicketResolved:
		return "Request completed and resolved."
	case workflow.TicketClosed:
		if st.Decision.Effective() == workflow.DecisionDenied {
			return "Request denied. Resolution: Denied."
		}
		return "Request resolved. Closing ticket."
	default:
		return ""
	}
}

func joinComments(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n" + b
	}
}
