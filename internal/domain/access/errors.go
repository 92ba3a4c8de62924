package access

import "errors"

// Error taxonomy for the approval engine. Handlers map these to distinct
// HTTP statuses; none are interchangeable with a generic failure.
var (
	// ErrValidation marks malformed input the caller can correct.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when no request matches the lookup.
	ErrNotFound = errors.New("access request not found")

	// ErrPolicyResolution means no workflow template matched the
	// tier/context combination. Operators must be alerted; callers must
	// never fall back to an empty workflow.
	ErrPolicyResolution = errors.New("no approval policy for tier/context")

	// ErrRequestNotActionable marks a decision against a request already in
	// a terminal state.
	ErrRequestNotActionable = errors.New("request is not actionable")

	// ErrLevelMismatch marks a stale, out-of-order, or concurrently
	// superseded decision. The request is left unmutated.
	ErrLevelMismatch = errors.New("decision level does not match current level")

	// ErrUnauthorizedApprover marks a role/authority check failure. Logged
	// as a security event, not just rejected.
	ErrUnauthorizedApprover = errors.New("approver not authorized for this level")
)
