// Package ticket mirrors request progress into an external ticketing system.
package ticket

import (
	"fmt"

	"helpdesk/api/internal/workflow"
)

var edges = map[workflow.TicketStatus][]workflow.TicketStatus{
	workflow.TicketNew: {
		workflow.TicketInProgress,
		workflow.TicketClosed,
	},
	workflow.TicketInProgress: {
		workflow.TicketWaitingForApproval,
		workflow.TicketWaitingForHumanReview,
		workflow.TicketResolved,
	},
	workflow.TicketWaitingForApproval: {
		workflow.TicketInProgress,
		workflow.TicketResolved,
		workflow.TicketClosed,
	},
	workflow.TicketWaitingForHumanReview: {
		workflow.TicketInProgress,
		workflow.TicketResolved,
		workflow.TicketClosed,
	},
	workflow.TicketResolved: {
		workflow.TicketClosed,
	},
}

// Allowed reports whether from -> to is a single legal transition.
func Allowed(from, to workflow.TicketStatus) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Path returns the shortest sequence of statuses leading from from to to,
// excluding from. It is empty when from == to.
func Path(from, to workflow.TicketStatus) ([]workflow.TicketStatus, error) {
	if from == to {
		return nil, nil
	}
	prev := map[workflow.TicketStatus]workflow.TicketStatus{from: ""}
	queue := []workflow.TicketStatus{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range edges[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []workflow.TicketStatus
				for s := to; s != from; s = prev[s] {
					path = append([]workflow.TicketStatus{s}, path...)
				}
				return path, nil
			}
			queue = append(queue, next)
		}
	}
	return nil, fmt.Errorf("%s -> %s: %w", from, to, workflow.ErrInvalidTransition)
}
