// Package upstream defines the dealer-portal collaborator the job
// processor drives through login, purchase, confirmation, and signal
// operations. The concrete scraping/automation client lives outside this
// module; this package owns only the interface contract and a
// registry for the long-lived clients a worker process keeps warm.
package upstream

import (
	"context"

	"github.com/dealerops/workercore/internal/domain"
)

// Client is one authenticated session's worth of operations against the
// dealer portal. Implementations own their own HTTP transport, cookie jar,
// and WebForms view-state plumbing; callers only ever see domain types.
type Client interface {
	// Login authenticates account and returns a fresh session. May return
	// domain.ErrCaptchaRequired, in which case the caller is responsible
	// for the CAPTCHA round-trip and re-calling Login with the solution.
	Login(ctx context.Context, account domain.Account, captchaSolution string) (domain.Session, error)

	// ValidateSession checks a restored session against upstream without
	// performing a business operation — the session cache can be stale if
	// upstream invalidated it independently (e.g. concurrent login
	// elsewhere), so a cache hit is never trusted without this check.
	ValidateSession(ctx context.Context, sess domain.Session) (bool, error)

	// CheckBalance returns the dealer's current balance, probed using a
	// recent successful cardNumber from the account's own history.
	CheckBalance(ctx context.Context, sess domain.Session, cardNumber string) (float64, error)

	// CheckCard resolves cardNumber's smartcard/STB number. Failure here is
	// non-fatal to a purchase flow — packages remain usable without it.
	CheckCard(ctx context.Context, sess domain.Session, cardNumber string) (stbNumber string, err error)

	// LoadPackages lists the purchasable packages for the active session.
	LoadPackages(ctx context.Context, sess domain.Session) ([]domain.Package, error)

	// SubmitPurchase starts a purchase for cardNumber/pkg (with an optional
	// promo code and the card's STB number) and returns whatever snapshot
	// the portal handed back (awaiting-package or awaiting-final-confirm,
	// depending on the portal's own flow). The final confirmation click is
	// always deferred to a later ConfirmPurchase call.
	SubmitPurchase(ctx context.Context, sess domain.Session, cardNumber, promoCode, stbNumber string, pkg domain.Package) (domain.ResponseData, error)

	// ConfirmPurchase finalizes a purchase left in AWAITING_FINAL_CONFIRM.
	ConfirmPurchase(ctx context.Context, sess domain.Session, stbNumber string) error

	// CancelConfirm abandons a purchase left in AWAITING_FINAL_CONFIRM.
	CancelConfirm(ctx context.Context, sess domain.Session) error

	// CheckSignal reports the current card/contract signal status.
	CheckSignal(ctx context.Context, sess domain.Session, cardNumber string) (domain.SignalCheckSnapshot, error)

	// ActivateSignal activates signal delivery for cardNumber.
	ActivateSignal(ctx context.Context, sess domain.Session, cardNumber string) error

	// RefreshSignal re-issues a signal refresh for cardNumber.
	RefreshSignal(ctx context.Context, sess domain.Session, cardNumber string) error

	// StartInstallment begins an installment plan for cardNumber.
	StartInstallment(ctx context.Context, sess domain.Session, cardNumber string) (domain.InstallmentSnapshot, error)

	// ConfirmInstallment finalizes an installment plan left in
	// AWAITING_FINAL_CONFIRM.
	ConfirmInstallment(ctx context.Context, sess domain.Session) error

	// KeepAlive pings the portal to push back the session's idle cutoff
	// without performing a business operation.
	KeepAlive(ctx context.Context, sess domain.Session) error

	// Close releases the client's own resources (transport, cookie jar).
	Close() error
}

// Factory builds a Client scoped to one dealer account. Implementations
// typically bind the account's proxy and TOTP seed at construction time.
type Factory func(account domain.Account) (Client, error)
