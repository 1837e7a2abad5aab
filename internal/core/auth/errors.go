package auth

import "fmt"

// AuthError means the current credentials were rejected by the Nanit cloud.
// It is terminal for the caller: recovery requires a fresh login.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: unauthorized: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("auth: %s: unauthorized", e.Op)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError wraps transport-level failures (timeouts, connection
// errors). The caller should leave retrying to the next poll cycle.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("auth: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// InvalidInputError means the login credentials or MFA code were rejected.
// It is surfaced to whoever issued the login request, not treated as a
// session failure.
type InvalidInputError struct {
	Op     string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("auth: %s: %s", e.Op, e.Reason)
}

// APIError is an unexpected status from the Nanit cloud. The poll
// coordinator treats it like a transient failure.
type APIError struct {
	Op         string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auth: %s: unexpected status %d from nanit API", e.Op, e.StatusCode)
}
