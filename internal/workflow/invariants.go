package workflow

import "fmt"

// verifyInvariants checks that next is a legal successor of prev before it
// is committed.
func verifyInvariants(prev, next *RequestState) error {
	if next.RequestID != prev.RequestID {
		return fmt.Errorf("request id changed from %s to %s", prev.RequestID, next.RequestID)
	}
	if next.Version != prev.Version {
		return fmt.Errorf("version changed outside the checkpoint store")
	}
	if prev.Decision != nil {
		if next.Decision == nil {
			return fmt.Errorf("decision cleared")
		}
		if next.Decision.Decision != prev.Decision.Decision {
			return fmt.Errorf("decision changed from %s to %s without override", prev.Decision.Decision, next.Decision.Decision)
		}
		if prev.Decision.Override != nil && next.Decision.Override == nil {
			return fmt.Errorf("decision override cleared")
		}
	}
	if prev.Ticket != nil && prev.Ticket.TicketID != "" {
		if next.Ticket == nil || next.Ticket.TicketID != prev.Ticket.TicketID {
			return fmt.Errorf("ticket id changed after creation")
		}
	}
	if len(next.Errors) < len(prev.Errors) {
		return fmt.Errorf("error log truncated")
	}
	for i := range prev.Errors {
		if next.Errors[i].ID != prev.Errors[i].ID {
			return fmt.Errorf("error log rewritten at %d", i)
		}
	}
	if len(next.Approvals) < len(prev.Approvals) {
		return fmt.Errorf("approval history truncated")
	}
	for i := range prev.Approvals {
		if next.Approvals[i].ID != prev.Approvals[i].ID {
			return fmt.Errorf("approval history rewritten at %d", i)
		}
	}
	pending := 0
	for _, q := range next.Approvals {
		if q.Status == QuestionPending {
			pending++
		}
	}
	if pending > 1 {
		return fmt.Errorf("%d pending questions", pending)
	}
	return nil
}
