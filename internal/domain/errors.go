package domain

import (
	"errors"
	"strings"
)

// Error taxonomy. Each sentinel names a recovery class, not a Go type —
// handlers classify failures with errors.Is against these and branch on the
// recovery path the class implies.
var (
	// ErrCancelled marks a job that observed status=CANCELLED mid-flight.
	// Early return, no refund (the cancelling handler already refunded).
	ErrCancelled = errors.New("domain: operation cancelled")

	// ErrNoAvailableAccounts means the pool/queue could not produce a
	// usable dealer account within the caller's deadline.
	ErrNoAvailableAccounts = errors.New("domain: no available dealer accounts")

	// ErrInsufficientDealerBalance means the leased account's known balance
	// is below the package price. Triggers account fail-over.
	ErrInsufficientDealerBalance = errors.New("domain: insufficient dealer balance")

	// ErrSessionExpired is raised (or matched against, for structured
	// upstream failures) when the upstream portal has invalidated the
	// session. Recovered by a single transparent re-login and retry.
	ErrSessionExpired = errors.New("domain: upstream session expired")

	// ErrCaptchaRequired means login cannot proceed without solving a
	// CAPTCHA challenge.
	ErrCaptchaRequired = errors.New("domain: captcha required")

	// ErrCaptchaTimeout means no solution arrived before the CAPTCHA
	// deadline.
	ErrCaptchaTimeout = errors.New("domain: captcha solution timed out")

	// ErrLoginFailed covers any terminal login failure that isn't a
	// CAPTCHA or session issue (bad credentials, account locked upstream).
	ErrLoginFailed = errors.New("domain: upstream login failed")

	// ErrUpstreamTransient covers network errors, 5xx responses, and
	// timeouts talking to the upstream portal.
	ErrUpstreamTransient = errors.New("domain: transient upstream failure")

	// ErrConfirmationTimeout means the operation's final-confirm deadline
	// lapsed before the user confirmed or the handler ran.
	ErrConfirmationTimeout = errors.New("domain: confirmation window expired")

	// ErrDuplicateDelivery marks a job the current operation status makes
	// a safe no-op (at-least-once broker redelivery).
	ErrDuplicateDelivery = errors.New("domain: duplicate job delivery")

	// ErrInvariantViolation covers states that should be unreachable
	// (e.g. a CONFIRM_PURCHASE job with no saved session snapshot). Never
	// silently succeeds.
	ErrInvariantViolation = errors.New("domain: invariant violation")

	// ErrAccountLockTimeout means the confirm-time account lock could not
	// be acquired within its bound.
	ErrAccountLockTimeout = errors.New("domain: account lock wait timed out")

	// ErrLoginLockTimeout means a waiter gave up on wait_for_login_complete.
	ErrLoginLockTimeout = errors.New("domain: login lock wait timed out")

	// ErrQueueTimeout means acquire_with_queue exceeded its deadline.
	ErrQueueTimeout = errors.New("domain: account queue wait timed out")

	// ErrOperationNotFound means the store has no record for the given
	// operation id.
	ErrOperationNotFound = errors.New("domain: operation not found")

	// ErrStatusConflict means a status-guarded update did not match the
	// operation's current status — another worker already transitioned it.
	ErrStatusConflict = errors.New("domain: operation status changed concurrently")
)

// OperationError wraps a taxonomy sentinel with operation-specific context
// and an optional user-facing message. Handlers build one of these at the
// point of failure; the processor's wrapper unwraps it to decide on refund
// and status transition.
type OperationError struct {
	Kind        error  // one of the sentinels above, matched with errors.Is
	OperationID string
	Message     string // user-facing response_message
	Cause       error  // underlying error, if any (network error, etc.)
}

func (e *OperationError) Error() string {
	if e.Cause != nil {
		return e.Kind.Error() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Kind.Error() + ": " + e.Message
}

func (e *OperationError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// NewOperationError builds an OperationError for the given taxonomy kind.
func NewOperationError(kind error, operationID, message string, cause error) *OperationError {
	return &OperationError{Kind: kind, OperationID: operationID, Message: message, Cause: cause}
}

// CaptchaChallenge wraps ErrCaptchaRequired with the challenge image the
// login flow needs to either auto-solve or persist for a human to solve.
type CaptchaChallenge struct {
	Image []byte
}

func (e *CaptchaChallenge) Error() string { return ErrCaptchaRequired.Error() }

func (e *CaptchaChallenge) Unwrap() error { return ErrCaptchaRequired }

// IsSessionExpiredMessage matches the loosely-typed string patterns the
// upstream portal uses to signal an expired session. Structured
// {success:false, error} payloads are matched against the same patterns.
func IsSessionExpiredMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, pattern := range sessionExpiredPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

var sessionExpiredPatterns = []string{
	"session expired",
	"login page",
}
