// ABOUTME: Typed failures returned by the process spawner
// ABOUTME: Classifies exit status and stderr into rate limit, expired session, and process errors

package backend

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies why an exchange failed.
type Kind int

const (
	KindProcess Kind = iota
	KindTimeout
	KindRateLimited
	KindSessionNotFound
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindSessionNotFound:
		return "session_not_found"
	case KindCancelled:
		return "cancelled"
	default:
		return "process_error"
	}
}

// Error is the failure type returned by Spawn.
type Error struct {
	Kind     Kind
	Detail   string
	ExitCode int
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "backend " + e.Kind.String()
	}
	return fmt.Sprintf("backend %s: %s", e.Kind, e.Detail)
}

// Is matches any *Error with the same Kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrSessionNotFound = &Error{Kind: KindSessionNotFound}
	ErrProcess         = &Error{Kind: KindProcess}
	ErrCancelled       = &Error{Kind: KindCancelled}
)

// KindOf returns the Kind of err, or KindProcess for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProcess
}

// isRateLimit matches stderr text that signals throttling.
func isRateLimit(lower string) bool {
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "429")
}

func isSessionMissing(lower string) bool {
	return strings.Contains(lower, "session") && strings.Contains(lower, "not found")
}

// classifyExit maps a nonzero exit into a typed failure.
//
// Exit code 1 with empty stderr during a resume is treated as an expired
// session. That is how the current backend CLI behaves when the resumed id no
// longer exists, but it is not a documented contract.
func classifyExit(code int, stderr string, resume bool) *Error {
	trimmed := strings.TrimSpace(stderr)
	lower := strings.ToLower(trimmed)

	switch {
	case isRateLimit(lower):
		return &Error{Kind: KindRateLimited, Detail: trimmed, ExitCode: code}
	case isSessionMissing(lower):
		return &Error{Kind: KindSessionNotFound, Detail: trimmed, ExitCode: code}
	case code == 1 && trimmed == "" && resume:
		return &Error{Kind: KindSessionNotFound, Detail: "resume exited with code 1 and no output", ExitCode: code}
	case trimmed == "":
		return &Error{Kind: KindProcess, Detail: fmt.Sprintf("backend exited with code %d", code), ExitCode: code}
	default:
		return &Error{Kind: KindProcess, Detail: trimmed, ExitCode: code}
	}
}
