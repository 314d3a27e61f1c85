package domain

import "time"

// Account is a dealer-portal credential pair shared across many concurrent
// user operations. The pool treats it as usable iff Active and
// now >= CooldownUntil.
type Account struct {
	ID       string
	Username string
	Password string
	TOTPSeed string // optional
	ProxyID  string // optional, references Proxy.ID

	Active   bool
	Priority int // higher selects first among usable candidates

	LastKnownBalance   float64
	BalanceRefreshedAt time.Time

	CooldownUntil time.Time
	FailReason    string

	LastUsedAt time.Time
}

// Usable reports whether the account can currently be leased, per the
// pool's acquisition predicate: active and past its cooldown.
func (a Account) Usable(now time.Time) bool {
	return a.Active && !now.Before(a.CooldownUntil)
}

// Proxy is a host/port/credential tuple bound to at most one account. It is
// immutable from the pool's perspective.
type Proxy struct {
	ID       string
	Host     string
	Port     int
	Username string
	Password string
}

// FailureKind classifies why an account lease ended in mark_failed, which
// determines the cooldown duration.
type FailureKind string

const (
	FailureInsufficientBalance FailureKind = "insufficient_balance"
	FailureLogin               FailureKind = "login"
	FailureCaptcha             FailureKind = "captcha"
)

// CooldownFor returns the cooldown duration for a given failure kind.
func CooldownFor(kind FailureKind) time.Duration {
	switch kind {
	case FailureInsufficientBalance:
		return 30 * time.Minute
	case FailureLogin, FailureCaptcha:
		return 5 * time.Minute
	default:
		return 5 * time.Minute
	}
}
