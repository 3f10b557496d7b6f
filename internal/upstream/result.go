package upstream

import "fmt"

// ErrorKind classifies upstream failures so callers can map them to
// user-facing messages without inspecting raw errors.
type ErrorKind string

const (
	// KindNetwork covers transport failures: timeouts, refused
	// connections, DNS errors.
	KindNetwork ErrorKind = "network"
	// KindUpstream4xx covers client-error responses other than
	// duplicate-identity ones.
	KindUpstream4xx ErrorKind = "upstream_4xx"
	// KindUpstream5xx covers server-error responses.
	KindUpstream5xx ErrorKind = "upstream_5xx"
	// KindDecode covers malformed response bodies.
	KindDecode ErrorKind = "decode"
	// KindAlreadyExists marks a create-identity request for an email
	// the upstream already knows.
	KindAlreadyExists ErrorKind = "already_exists"
)

// Error describes a failed upstream call.
type Error struct {
	Kind    ErrorKind
	Message string
	Status  int // HTTP status when one was received, 0 otherwise
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Kind, e.Message)
}

// Result is the outcome of a single upstream call. Exactly one of
// Payload and Err is meaningful; the client never returns raw errors
// past its own boundary.
type Result struct {
	Success bool
	Payload map[string]any
	Err     *Error
}

func succeed(payload map[string]any) Result {
	return Result{Success: true, Payload: payload}
}

func fail(kind ErrorKind, status int, message string) Result {
	return Result{Err: &Error{Kind: kind, Status: status, Message: message}}
}
