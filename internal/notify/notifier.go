package notify

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"helpdesk/api/internal/dedupe"
	"helpdesk/api/internal/retry"
	"helpdesk/api/internal/workflow"
)

const claimTTL = 30 * 24 * time.Hour

// Directory maps assignees and queues to email addresses.
type Directory struct {
	Addresses map[string]string
	Fallback  string
}

func (d Directory) resolve(names ...string) []string {
	seen := map[string]bool{}
	var out []string
	for _, name := range names {
		addr := name
		if mapped, ok := d.Addresses[name]; ok {
			addr = mapped
		}
		if !strings.Contains(addr, "@") {
			addr = d.Fallback
		}
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

// Notifier sends each workflow message at most once per request. Sends are
// recorded on the request's notification ledger and claimed in the dedupe
// guard before the SMTP call, so a stage re-run after a crash does not resend.
type Notifier struct {
	sender  Sender
	guard   dedupe.Guard
	retry   *retry.Runner
	dir     Directory
	appName string
	now     func() time.Time
}

func NewNotifier(sender Sender, guard dedupe.Guard, runner *retry.Runner, dir Directory) *Notifier {
	if guard == nil {
		guard = dedupe.NewMemoryGuard()
	}
	if runner == nil {
		runner = retry.New(retry.DefaultConfig())
	}
	return &Notifier{
		sender:  sender,
		guard:   guard,
		retry:   runner,
		dir:     dir,
		appName: "IT Helpdesk",
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type viewData struct {
	AppName   string
	RequestID string
	Subject   string
	Title     string
	Requester string
	Prompt    string
	Decision  string
	Priority  string
	Due       string
	Ticket    string
	Assignee  string
	Level     int
	Emergency bool
	Body      string
	Guide     Guide
	Survey    []string
}

func (n *Notifier) view(st *workflow.RequestState, subject string) viewData {
	v := viewData{
		AppName:   n.appName,
		RequestID: st.RequestID,
		Subject:   subject,
		Title:     st.Payload.Title,
		Requester: strings.TrimSpace(st.Requester.Name + " <" + st.Requester.Email + ">"),
	}
	if st.Ticket != nil {
		v.Ticket = firstNonEmpty(st.Ticket.Key, st.Ticket.TicketID)
	}
	return v
}

// ApprovalRequested tells the question's assignee that an answer is needed.
func (n *Notifier) ApprovalRequested(ctx context.Context, st *workflow.RequestState, q workflow.Question) error {
	subject := fmt.Sprintf("Approval Required: %s", st.Payload.Title)
	if q.Emergency {
		subject = "EMERGENCY: Manual Review Required: " + st.Payload.Title
	}
	recipients := []string{q.Assignee}
	if q.Kind == workflow.KindExecutionFollowUp && st.Requester.ManagerEmail != "" && q.Decision == workflow.DecisionRequiresApproval {
		recipients = append(recipients, st.Requester.ManagerEmail)
	}

	v := n.view(st, subject)
	v.Prompt = q.Prompt
	v.Decision = string(q.Decision)
	v.Priority = string(q.Priority)
	v.Due = q.DueAt.Format(time.RFC1123)
	v.Emergency = q.Emergency
	html, err := render("approval", v)
	if err != nil {
		return fmt.Errorf("render approval email: %w", err)
	}
	msg := Message{
		To:      n.dir.resolve(recipients...),
		Subject: subject,
		Text:    fmt.Sprintf("%s\n\n%s\nDue: %s\nReference: %s", subject, q.Prompt, v.Due, st.RequestID),
		HTML:    html,
	}
	return n.deliver(ctx, st, "approval-request:"+q.ID, "approval_request", msg)
}

// PlanApproval sends the approval email drafted with the plan.
func (n *Notifier) PlanApproval(ctx context.Context, st *workflow.RequestState, draft workflow.EmailDraft) error {
	if st.Plan == nil {
		return nil
	}
	subject := firstNonEmpty(draft.Subject, "Approval Required: "+st.Payload.Title)
	to := draft.To
	if len(to) == 0 && st.Requester.ManagerEmail != "" {
		to = []string{st.Requester.ManagerEmail}
	}
	if len(to) == 0 {
		to = st.Plan.Approval.Approvers
	}

	v := n.view(st, subject)
	v.Body = draft.Body
	html, err := render("message", v)
	if err != nil {
		return fmt.Errorf("render plan approval email: %w", err)
	}
	msg := Message{To: n.dir.resolve(to...), Subject: subject, Text: draft.Body, HTML: html}
	return n.deliver(ctx, st, "plan-approval:"+st.Plan.PlanID, "plan_approval", msg)
}

// UserGuide sends the requester instructions for manual steps.
func (n *Notifier) UserGuide(ctx context.Context, st *workflow.RequestState, g Guide) error {
	subject := "Action needed: " + st.Payload.Title
	v := n.view(st, subject)
	v.Guide = g
	html, err := render("guide", v)
	if err != nil {
		return fmt.Errorf("render user guide email: %w", err)
	}
	key := "user-guide"
	if st.Plan != nil {
		key += ":" + st.Plan.PlanID
	}
	if st.Execution != nil {
		key += ":" + strconv.Itoa(st.Execution.Invocations)
	}
	msg := Message{To: []string{st.Requester.Email}, Subject: subject, Text: g.Text(), HTML: html}
	return n.deliver(ctx, st, key, "user_guide", msg)
}

// StepMessage sends the email a plan step asks for.
func (n *Notifier) StepMessage(ctx context.Context, st *workflow.RequestState, step workflow.PlanStep) error {
	subject := "IT Support: " + step.Description
	v := n.view(st, subject)
	v.Body = firstNonEmpty(step.ActorDetails, step.Description)
	html, err := render("message", v)
	if err != nil {
		return fmt.Errorf("render step email: %w", err)
	}
	msg := Message{To: []string{st.Requester.Email}, Subject: subject, Text: v.Body, HTML: html}
	return n.deliver(ctx, st, "step:"+step.StepID, "plan_step", msg)
}

// Completed sends the closing summary and survey to the requester.
func (n *Notifier) Completed(ctx context.Context, st *workflow.RequestState) error {
	if st.Completion == nil {
		return nil
	}
	subject := "Closed: " + st.Payload.Title
	v := n.view(st, subject)
	v.Body = st.Completion.ResolutionSummary
	if st.Completion.Survey != nil {
		v.Survey = st.Completion.Survey.Questions
	}
	html, err := render("completion", v)
	if err != nil {
		return fmt.Errorf("render completion email: %w", err)
	}
	msg := Message{To: []string{st.Requester.Email}, Subject: subject, Text: v.Body, HTML: html}
	return n.deliver(ctx, st, "completion:"+st.Completion.CompletionID, "completion", msg)
}

// QuestionEscalated tells the new assignee about an escalated question. The
// request state is not modified; the dedupe guard alone prevents resends.
func (n *Notifier) QuestionEscalated(ctx context.Context, st workflow.RequestState, q workflow.Question) error {
	claim := claimKey(st.RequestID, "escalated:"+q.ID)
	won, err := n.guard.Claim(ctx, claim, q.Assignee, claimTTL)
	if err != nil {
		log.Printf("notify: escalation claim for %s failed, sending anyway: %v", q.ID, err)
	} else if !won {
		return nil
	}

	subject := fmt.Sprintf("Escalated: %s", st.Payload.Title)
	v := n.view(&st, subject)
	v.Prompt = q.Prompt
	v.Assignee = q.Assignee
	v.Level = q.EscalationLevel
	v.Priority = string(q.Priority)
	v.Due = q.DueAt.Format(time.RFC1123)
	html, err := render("escalation", v)
	if err != nil {
		return fmt.Errorf("render escalation email: %w", err)
	}
	msg := Message{
		To:      n.dir.resolve(q.Assignee),
		Subject: subject,
		Text:    fmt.Sprintf("%s\n\n%s\nDue: %s", subject, q.Prompt, v.Due),
		HTML:    html,
	}
	if _, err := n.retry.Do(ctx, func(ctx context.Context) error { return n.sender.Send(ctx, msg) }); err != nil {
		_ = n.guard.Release(ctx, claim)
		return fmt.Errorf("send escalation for %s: %w", q.ID, err)
	}
	return nil
}

func (n *Notifier) deliver(ctx context.Context, st *workflow.RequestState, key, kind string, msg Message) error {
	if st.HasNotification(key) {
		return nil
	}
	msg.To = compact(msg.To)
	if len(msg.To) == 0 {
		log.Printf("notify: request=%s %s has no recipients, skipped", st.RequestID, kind)
		return nil
	}

	claim := claimKey(st.RequestID, key)
	won, err := n.guard.Claim(ctx, claim, kind, claimTTL)
	if err != nil {
		log.Printf("notify: claim %s failed, sending anyway: %v", key, err)
		won = true
	}
	if won {
		attempts, err := n.retry.Do(ctx, func(ctx context.Context) error { return n.sender.Send(ctx, msg) })
		if err != nil {
			_ = n.guard.Release(ctx, claim)
			return &workflow.ExternalServiceError{Service: "smtp", Op: kind, Attempts: attempts, Err: err}
		}
	}
	st.Notifications = append(st.Notifications, workflow.NotificationRecord{
		Key:     key,
		Kind:    kind,
		To:      msg.To,
		Subject: msg.Subject,
		SentAt:  n.now(),
	})
	return nil
}

func claimKey(requestID, key string) string {
	return "notify:" + requestID + ":" + key
}

func compact(addrs []string) []string {
	out := addrs[:0:0]
	for _, a := range addrs {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
