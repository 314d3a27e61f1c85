package domain

import "time"

// Session is the opaque upstream authentication state: a cookie jar plus the
// WebForms view-state blob and a derived expiry. It is owned by the session
// cache and only referenced — never owned — by live upstream clients.
//
// A Session with ExpiresAt <= now is treated as absent.
type Session struct {
	Cookies        map[string]string
	ViewState      string
	ExpiresAt      time.Time
	LoginTimestamp time.Time
}

// Expired reports whether the session must be treated as absent.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// DefaultSessionTTL is one minute longer than the upstream portal's ~15
// minute idle cutoff, chosen to avoid racing the server-side expiry.
const DefaultSessionTTL = 16 * time.Minute

// SessionRefreshTTL is used when re-exporting a session after a successful
// re-login inside the session-retry wrapper.
const SessionRefreshTTL = 15 * time.Minute
