// Package rbac maps caller roles onto the operations they may perform.
package rbac

type Role string
type Action string

const (
	RoleRequester Role = "requester"
	RoleAgent     Role = "agent"
	RoleApprover  Role = "approver"
	RoleAdmin     Role = "admin"
)

const (
	// ActionCreate submits a new request.
	ActionCreate Action = "create"
	// ActionReadOwn reads requests the caller submitted.
	ActionReadOwn Action = "read_own"
	// ActionReadAll reads any request.
	ActionReadAll Action = "read_all"
	// ActionCancel cancels a request; requesters only their own.
	ActionCancel Action = "cancel"
	// ActionAnswer answers a pending human review question.
	ActionAnswer Action = "answer"
	// ActionOperate covers reconcile, policy sync and other operator calls.
	ActionOperate Action = "operate"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleAgent:
		return action == ActionCreate || action == ActionReadOwn || action == ActionReadAll || action == ActionCancel
	case RoleApprover:
		return action == ActionReadOwn || action == ActionReadAll || action == ActionAnswer
	case RoleRequester:
		return action == ActionCreate || action == ActionReadOwn || action == ActionCancel
	default:
		return false
	}
}

// Normalize returns a known role; anything else is treated as a requester.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleRequester, RoleAgent, RoleApprover, RoleAdmin:
		return Role(role)
	default:
		return RoleRequester
	}
}

// Valid reports whether role names a known role.
func Valid(role string) bool {
	return Normalize(role) == Role(role)
}
