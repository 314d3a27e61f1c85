package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dealerops/workercore/internal/domain"
	"github.com/dealerops/workercore/internal/sessioncache"
	"github.com/dealerops/workercore/internal/upstream"
)

// ensureSession returns a validated, live session for account: a cache hit
// is validated against upstream (the cache can be stale if upstream
// expired the session independently), a miss or invalid cache entry falls
// through to login.
func (p *Processor) ensureSession(ctx context.Context, account domain.Account, client upstream.Client) (domain.Session, error) {
	sess, err := p.sessions.Get(ctx, account.ID)
	if err == nil {
		valid, verr := client.ValidateSession(ctx, sess)
		if verr == nil && valid {
			return sess, nil
		}
		if verr != nil {
			p.logger.Warn(ctx, "session validation failed, falling back to login",
				slog.String("accountId", account.ID), slog.String("error", verr.Error()))
		}
	} else if !errors.Is(err, sessioncache.ErrNotFound) {
		return domain.Session{}, fmt.Errorf("processor: read session cache %s: %w", account.ID, err)
	}

	return p.login(ctx, account, client, "")
}

// login acquires the single-flight login lock for account and logs in,
// waiting for a concurrent winner's result if someone else already holds
// the lock. captchaImageDeadline callers (the CAPTCHA-pause path) pass a
// pre-solved solution directly via presolvedCaptcha.
func (p *Processor) login(ctx context.Context, account domain.Account, client upstream.Client, presolvedCaptcha string) (domain.Session, error) {
	acquired, err := p.loginLock.Acquire(ctx, account.ID, p.workerID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("processor: acquire login lock %s: %w", account.ID, err)
	}
	if !acquired {
		done, err := p.loginLock.WaitForComplete(ctx, account.ID, p.cfg.LoginLockTimeout)
		if err != nil {
			return domain.Session{}, fmt.Errorf("processor: wait login lock %s: %w", account.ID, err)
		}
		if !done {
			return domain.Session{}, domain.NewOperationError(domain.ErrLoginLockTimeout, "", "login lock wait timed out", nil)
		}
		sess, err := p.sessions.Get(ctx, account.ID)
		if err == nil {
			return sess, nil
		}
		// The winner's login also failed (or raced us out of the cache) —
		// fall through and attempt our own login below.
	}
	defer func() { _ = p.loginLock.Release(context.WithoutCancel(ctx), account.ID, p.workerID) }()

	solution := presolvedCaptcha
	sess, err := client.Login(ctx, account, solution)
	var challenge *domain.CaptchaChallenge
	if errors.As(err, &challenge) {
		if p.solver == nil {
			return domain.Session{}, domain.NewOperationError(domain.ErrCaptchaRequired, "", "no captcha solver configured", err)
		}
		solution, err = p.solver.Solve(ctx, challenge.Image)
		if err != nil {
			return domain.Session{}, fmt.Errorf("processor: solve captcha %s: %w", account.ID, err)
		}
		sess, err = client.Login(ctx, account, solution)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("processor: login %s: %w", account.ID, domain.NewOperationError(domain.ErrLoginFailed, "", "login failed", err))
	}

	sess.ExpiresAt = time.Now().Add(domain.SessionRefreshTTL)
	if err := p.sessions.Put(ctx, account.ID, sess, domain.SessionRefreshTTL); err != nil {
		p.logger.Warn(ctx, "cache session after login failed", slog.String("accountId", account.ID), slog.String("error", err.Error()))
	}
	return sess, nil
}

// ensureSessionWithCaptchaPause wraps ensureSession with the CAPTCHA-pause
// path shared by every handler that needs a live session: when no solver is
// configured and upstream demands a CAPTCHA, the operation is parked in
// AWAITING_CAPTCHA with the challenge image until a human-supplied solution
// arrives or the wait times out, then login is retried with that solution.
func (p *Processor) ensureSessionWithCaptchaPause(ctx context.Context, operationID string, account domain.Account, client upstream.Client) (domain.Session, error) {
	sess, err := p.ensureSession(ctx, account, client)
	var challenge *domain.CaptchaChallenge
	if errors.As(err, &challenge) {
		solution, waitErr := p.awaitCaptchaSolution(ctx, operationID, challenge.Image)
		if waitErr != nil {
			return domain.Session{}, waitErr
		}
		sess, err = p.login(ctx, account, client, solution)
	}
	if err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// awaitCaptchaSolution persists the operation in AWAITING_CAPTCHA with image
// and polls the store for a human-supplied captcha_solution up to the
// configured deadline.
func (p *Processor) awaitCaptchaSolution(ctx context.Context, operationID string, image []byte) (string, error) {
	op, err := p.ops.Get(ctx, operationID)
	if err != nil {
		return "", err
	}
	now := time.Now()
	if err := p.ops.UpdateStatus(ctx, operationID, op.Status, domain.StatusAwaitingCaptcha, func(o *domain.Operation) {
		o.CaptchaImage = image
		o.CaptchaSolution = ""
		o.HeartbeatTimestamp = now
		o.HeartbeatExpiry = now.Add(15 * time.Second)
	}); err != nil {
		return "", fmt.Errorf("processor: persist awaiting captcha %s: %w", operationID, err)
	}

	deadline := now.Add(p.cfg.CaptchaTimeout)
	ticker := time.NewTicker(p.cfg.CaptchaPollInterval)
	defer ticker.Stop()

	for {
		current, err := p.ops.Get(ctx, operationID)
		if err != nil {
			return "", err
		}
		if current.Status == domain.StatusCancelled {
			return "", domain.ErrCancelled
		}
		if current.CaptchaSolution != "" {
			solution := current.CaptchaSolution
			if err := p.ops.UpdateStatus(ctx, operationID, domain.StatusAwaitingCaptcha, domain.StatusProcessing, func(o *domain.Operation) {
				o.CaptchaImage = nil
				o.CaptchaSolution = ""
			}); err != nil {
				return "", fmt.Errorf("processor: resume after captcha solved %s: %w", operationID, err)
			}
			return solution, nil
		}
		if !time.Now().Before(deadline) {
			return "", domain.NewOperationError(domain.ErrCaptchaTimeout, operationID, "captcha solution timed out", nil)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// withSessionRetry runs op with sess; if op fails with a session-expired
// recovery class error, it re-logs in once and retries op with the fresh
// session. Any other failure propagates without a retry.
func (p *Processor) withSessionRetry(ctx context.Context, account domain.Account, client upstream.Client, sess domain.Session, op func(ctx context.Context, sess domain.Session) error) error {
	current := sess
	retryer := newSessionRetryer(func(attempt int, err error) {
		p.logger.Info(ctx, "session expired mid-operation, re-logging in",
			slog.String("accountId", account.ID), slog.String("error", err.Error()))
		fresh, loginErr := p.login(ctx, account, client, "")
		if loginErr != nil {
			// Surface the login failure on the next op() call by leaving
			// current stale; op will fail again and Retryer will not
			// retry a second time (MaxAttempts=2), so the original error
			// class propagates to the caller.
			return
		}
		current = fresh
	})
	return retryer.Do(ctx, func(ctx context.Context) error {
		return op(ctx, current)
	})
}
