package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dealerops/workercore/internal/accountpool"
	"github.com/dealerops/workercore/internal/domain"
	"github.com/dealerops/workercore/internal/ledger"
	"github.com/dealerops/workercore/pkg/distributed/xdlock"
	"github.com/dealerops/workercore/pkg/lifecycle/xrun"
)

// releaseFunc is a once-only account release, handed back by every handler
// that leases an account so the caller can defer it unconditionally.
type releaseFunc func()

func (p *Processor) leaseRelease(ctx context.Context, lease *accountpool.Lease) releaseFunc {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		if err := p.pool.Release(context.WithoutCancel(ctx), lease); err != nil {
			p.logger.Warn(ctx, "release lease failed",
				slog.String("accountId", lease.Account().ID), slog.String("error", err.Error()))
		}
	}
}

func classifyQueueErr(operationID string, err error) error {
	if errors.Is(err, domain.ErrQueueTimeout) || errors.Is(err, domain.ErrNoAvailableAccounts) {
		return domain.NewOperationError(domain.ErrQueueTimeout, operationID, "no dealer account became available in time", err)
	}
	return err
}

// isRecoverableFailover reports whether err should trigger COMPLETE_PURCHASE's
// account fail-over rather than a terminal op failure.
func isRecoverableFailover(err error) bool {
	return errors.Is(err, domain.ErrSessionExpired) ||
		errors.Is(err, domain.ErrCaptchaRequired) ||
		errors.Is(err, domain.ErrCaptchaTimeout) ||
		errors.Is(err, domain.ErrLoginFailed) ||
		errors.Is(err, domain.ErrLoginLockTimeout) ||
		errors.Is(err, domain.ErrInsufficientDealerBalance) ||
		errors.Is(err, domain.ErrUpstreamTransient) ||
		isSessionExpired(err)
}

func defaultSmartcardType(t string) string {
	if t == "" {
		return "CISCO"
	}
	return t
}

// handleStartRenewal implements the card-renewal entry point: lease an
// account, establish a session, load the card's purchasable packages (and
// its STB number, unless already cached), then hand the operation off to the
// user for package selection.
func (p *Processor) handleStartRenewal(ctx context.Context, job domain.Job) error {
	op, err := p.ops.Get(ctx, job.OperationID)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return nil
	}

	if err := p.ops.UpdateStatus(ctx, job.OperationID, op.Status, domain.StatusProcessing, func(*domain.Operation) {}); err != nil {
		return err
	}
	if err := p.checkCancelled(ctx, job.OperationID); err != nil {
		return err
	}

	lease, err := p.queue.AcquireWithQueue(ctx, job.OperationID, 0, p.cfg.QueueTimeout)
	if err != nil {
		return classifyQueueErr(job.OperationID, err)
	}
	account := lease.Account()
	release := p.leaseRelease(ctx, lease)
	defer release()

	if err := p.ops.UpdateStatus(ctx, job.OperationID, domain.StatusProcessing, domain.StatusProcessing, func(o *domain.Operation) {
		o.LeasedAccountID = account.ID
	}); err != nil {
		return err
	}

	client, err := p.clients.Get(account)
	if err != nil {
		return err
	}

	cardNumber := job.CardNumber
	smartcardType := defaultSmartcardType(job.SmartcardType)

	var sess domain.Session
	var pkgs []domain.Package
	var stbNumber string

	err = p.withBreaker(ctx, account.ID, func(ctx context.Context) error {
		sess, err = p.ensureSessionWithCaptchaPause(ctx, job.OperationID, account, client)
		if err != nil {
			return err
		}
		if err := p.checkCancelled(ctx, job.OperationID); err != nil {
			return err
		}

		cachedSTB, cached, peekErr := p.stbs.Peek(ctx, cardNumber)
		if peekErr != nil {
			p.logger.Warn(ctx, "stb cache peek failed, treating as miss", slog.String("error", peekErr.Error()))
		}
		if cached {
			stbNumber = cachedSTB
			return p.withSessionRetry(ctx, account, client, sess, func(ctx context.Context, s domain.Session) error {
				sess = s
				out, lerr := client.LoadPackages(ctx, s)
				pkgs = out
				return lerr
			})
		}

		g, gctx := xrun.NewGroup(ctx)
		g.Go(func(ctx context.Context) error {
			stb, cerr := client.CheckCard(ctx, sess, cardNumber)
			if cerr != nil {
				p.logger.Warn(ctx, "check_card failed, continuing without stb",
					slog.String("cardNumber", cardNumber), slog.String("error", cerr.Error()))
				return nil
			}
			stbNumber = stb
			if perr := p.stbs.Put(context.WithoutCancel(ctx), cardNumber, stb); perr != nil {
				p.logger.Warn(ctx, "cache stb failed", slog.String("error", perr.Error()))
			}
			return nil
		})
		g.Go(func(ctx context.Context) error {
			return p.withSessionRetry(ctx, account, client, sess, func(ctx context.Context, s domain.Session) error {
				sess = s
				out, lerr := client.LoadPackages(ctx, s)
				pkgs = out
				return lerr
			})
		})
		return g.Wait()
	})
	if err != nil {
		return err
	}

	dealerBalance, balErr := client.CheckBalance(ctx, sess, cardNumber)
	if balErr != nil {
		p.logger.Warn(ctx, "balance refresh failed", slog.String("accountId", account.ID), slog.String("error", balErr.Error()))
		dealerBalance = account.LastKnownBalance
	} else if merr := p.pool.MarkUsed(context.WithoutCancel(ctx), account.ID, dealerBalance); merr != nil {
		p.logger.Warn(ctx, "mark used failed", slog.String("error", merr.Error()))
	}

	if perr := p.packages.Put(context.WithoutCancel(ctx), account.ID, pkgs); perr != nil {
		p.logger.Warn(ctx, "cache packages failed", slog.String("error", perr.Error()))
	}

	now := time.Now()
	if err := p.ops.UpdateStatus(ctx, job.OperationID, domain.StatusProcessing, domain.StatusAwaitingPackage, func(o *domain.Operation) {
		o.AvailablePackages = pkgs
		o.STBNumber = stbNumber
		o.CaptchaImage = nil
		o.CaptchaSolution = ""
		o.FinalConfirmExpiry = now.Add(120 * time.Second)
		o.HeartbeatExpiry = now.Add(15 * time.Second)
		o.ResponseData = domain.ResponseData{AwaitingPackage: &domain.AwaitingPackageSnapshot{
			Session: sess, DealerBalance: dealerBalance, SavedAt: now, SmartcardType: smartcardType,
		}}
	}); err != nil {
		return err
	}

	release()
	return nil
}

// handleCompletePurchase drives the purchase's first upstream step
// (everything up to, but not including, the final confirmation click),
// failing over to another dealer account on any recoverable error.
func (p *Processor) handleCompletePurchase(ctx context.Context, job domain.Job) error {
	op, err := p.ops.Get(ctx, job.OperationID)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return nil
	}
	if op.SelectedPackage == nil {
		return domain.NewOperationError(domain.ErrInvariantViolation, job.OperationID, "complete_purchase received with no package selected", nil)
	}
	pkg := *op.SelectedPackage
	originalAccountID := op.LeasedAccountID
	originalSnapshot := op.ResponseData.AwaitingPackage

	if err := p.ops.UpdateStatus(ctx, job.OperationID, op.Status, domain.StatusProcessing, func(*domain.Operation) {}); err != nil {
		return err
	}
	if err := p.checkCancelled(ctx, job.OperationID); err != nil {
		return err
	}

	tried := map[string]bool{}
	minBalance := 0.0
	var lastErr error
	balanceExhausted := false

	for {
		lease, err := p.pool.Acquire(ctx, tried, minBalance)
		if err != nil {
			if errors.Is(err, domain.ErrNoAvailableAccounts) {
				message := "no dealer account became available for this purchase"
				if balanceExhausted {
					message = "every candidate dealer account had insufficient balance for this package"
				}
				return domain.NewOperationError(domain.ErrNoAvailableAccounts, job.OperationID, message, lastErr)
			}
			return err
		}
		account := lease.Account()
		release := p.leaseRelease(ctx, lease)

		if err := p.ops.UpdateStatus(ctx, job.OperationID, domain.StatusProcessing, domain.StatusProcessing, func(o *domain.Operation) {
			o.LeasedAccountID = account.ID
		}); err != nil {
			release()
			return err
		}

		client, cerr := p.clients.Get(account)
		if cerr != nil {
			release()
			tried[account.ID] = true
			lastErr = cerr
			continue
		}

		var sess domain.Session
		var dealerBalance float64
		if account.ID == originalAccountID && originalSnapshot != nil && time.Since(originalSnapshot.SavedAt) <= p.cfg.SessionSnapshotTTL {
			sess = originalSnapshot.Session
			dealerBalance = originalSnapshot.DealerBalance
		} else {
			err = p.withBreaker(ctx, account.ID, func(ctx context.Context) error {
				sess, err = p.ensureSessionWithCaptchaPause(ctx, job.OperationID, account, client)
				if err != nil {
					return err
				}
				if lerr := p.withSessionRetry(ctx, account, client, sess, func(ctx context.Context, s domain.Session) error {
					sess = s
					_, lerr := client.LoadPackages(ctx, s)
					return lerr
				}); lerr != nil {
					return lerr
				}
				return p.withSessionRetry(ctx, account, client, sess, func(ctx context.Context, s domain.Session) error {
					sess = s
					bal, berr := client.CheckBalance(ctx, s, op.CardNumber)
					dealerBalance = bal
					return berr
				})
			})
		}
		if err != nil {
			release()
			tried[account.ID] = true
			lastErr = err
			continue
		}

		if dealerBalance < pkg.Price {
			_ = p.pool.MarkFailed(context.WithoutCancel(ctx), account.ID, domain.FailureInsufficientBalance)
			_ = p.notify.NotifyAdmin(context.WithoutCancel(ctx), fmt.Sprintf(
				"dealer account %s balance %.2f is below package price %.2f", account.ID, dealerBalance, pkg.Price))
			release()
			tried[account.ID] = true
			minBalance = pkg.Price
			balanceExhausted = true
			lastErr = domain.NewOperationError(domain.ErrInsufficientDealerBalance, job.OperationID, "dealer balance below package price", nil)
			continue
		}

		if err := p.checkCancelled(ctx, job.OperationID); err != nil {
			release()
			return err
		}

		var respData domain.ResponseData
		err = p.withBreaker(ctx, account.ID, func(ctx context.Context) error {
			return p.withSessionRetry(ctx, account, client, sess, func(ctx context.Context, s domain.Session) error {
				sess = s
				out, serr := client.SubmitPurchase(ctx, s, op.CardNumber, job.PromoCode, op.STBNumber, pkg)
				respData = out
				return serr
			})
		})
		if err != nil {
			if isRecoverableFailover(err) {
				release()
				tried[account.ID] = true
				lastErr = err
				continue
			}
			release()
			return err
		}

		now := time.Now()
		snapshot := respData.AwaitingFinalConfirm
		if snapshot == nil {
			snapshot = &domain.AwaitingFinalConfirmSnapshot{}
		}
		snapshot.Session = sess
		snapshot.DealerBalance = dealerBalance
		snapshot.SavedAt = now

		if err := p.ops.UpdateStatus(ctx, job.OperationID, domain.StatusProcessing, domain.StatusAwaitingFinalConfirm, func(o *domain.Operation) {
			o.LeasedAccountID = account.ID
			o.ResponseData = domain.ResponseData{AwaitingFinalConfirm: snapshot}
			o.FinalConfirmExpiry = now.Add(p.cfg.FinalConfirmPurchase)
		}); err != nil {
			release()
			return err
		}

		release()
		_ = p.notify.NotifyUser(context.WithoutCancel(ctx), op.UserID, job.OperationID, "Your purchase is ready to confirm.")
		return nil
	}
}

// handleConfirmPurchase clicks the final confirmation button on a purchase
// already paused at AWAITING_FINAL_CONFIRM.
func (p *Processor) handleConfirmPurchase(ctx context.Context, job domain.Job) error {
	op, err := p.ops.Get(ctx, job.OperationID)
	if err != nil {
		return err
	}

	switch op.Status {
	case domain.StatusCompleted, domain.StatusCancelled:
		return nil
	case domain.StatusAwaitingFinalConfirm, domain.StatusCompleting:
	default:
		return domain.NewOperationError(domain.ErrInvariantViolation, job.OperationID,
			"confirm_purchase received in unexpected status "+string(op.Status), nil)
	}
	if !op.FinalConfirmExpiry.IsZero() && time.Now().After(op.FinalConfirmExpiry) {
		return domain.NewOperationError(domain.ErrConfirmationTimeout, job.OperationID, "confirmation window expired", nil)
	}

	fromStatus := op.Status
	if err := p.ops.UpdateStatus(ctx, job.OperationID, fromStatus, domain.StatusCompleting, func(*domain.Operation) {}); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil
		}
		return err
	}

	handle, err := p.locks.Lock(ctx, confirmLockKey(op.LeasedAccountID),
		xdlock.WithExpiry(p.cfg.AccountLockTimeout),
		xdlock.WithTries(lockTries(p.cfg.AccountLockTimeout)),
		xdlock.WithRetryDelay(time.Second),
	)
	if err != nil {
		return domain.NewOperationError(domain.ErrAccountLockTimeout, job.OperationID, "could not lock account for confirmation", err)
	}
	defer func() {
		if uerr := handle.Unlock(context.WithoutCancel(ctx)); uerr != nil {
			p.logger.Warn(ctx, "unlock confirm account lock failed", slog.String("error", uerr.Error()))
		}
	}()

	snapshot := op.ResponseData.AwaitingFinalConfirm
	if snapshot == nil {
		return domain.NewOperationError(domain.ErrInvariantViolation, job.OperationID, "no saved session snapshot for confirmation", nil)
	}
	if time.Since(snapshot.SavedAt) > p.cfg.ConfirmSnapshotTTL {
		return domain.NewOperationError(domain.ErrSessionExpired, job.OperationID, "confirmation session snapshot too old", nil)
	}

	account, err := p.pool.GetAccount(ctx, op.LeasedAccountID)
	if err != nil {
		return err
	}
	client, err := p.clients.Get(account)
	if err != nil {
		return err
	}

	sess := snapshot.Session
	err = p.withBreaker(ctx, account.ID, func(ctx context.Context) error {
		return p.withSessionRetry(ctx, account, client, sess, func(ctx context.Context, s domain.Session) error {
			sess = s
			return client.ConfirmPurchase(ctx, s, op.STBNumber)
		})
	})
	if err != nil {
		return err
	}

	if ierr := p.packages.Invalidate(context.WithoutCancel(ctx), account.ID); ierr != nil {
		p.logger.Warn(ctx, "invalidate package cache failed", slog.String("error", ierr.Error()))
	}

	now := time.Now()
	if err := p.ops.UpdateStatus(ctx, job.OperationID, domain.StatusCompleting, domain.StatusCompleted, func(o *domain.Operation) {
		o.CompletedAt = now
	}); err != nil {
		return err
	}
	if merr := p.pool.MarkUsed(context.WithoutCancel(ctx), account.ID, snapshot.DealerBalance); merr != nil {
		p.logger.Warn(ctx, "mark used after confirm failed", slog.String("error", merr.Error()))
	}
	_ = p.notify.NotifyUser(context.WithoutCancel(ctx), op.UserID, job.OperationID, "Your purchase is complete.")
	return nil
}

// handleCancelConfirm abandons a purchase paused at AWAITING_FINAL_CONFIRM,
// refunding the user and releasing the account regardless of which worker
// originally leased it.
func (p *Processor) handleCancelConfirm(ctx context.Context, job domain.Job) error {
	op, err := p.ops.Get(ctx, job.OperationID)
	if err != nil {
		return err
	}
	if op.Status == domain.StatusCancelled {
		return nil
	}
	if op.Status != domain.StatusAwaitingFinalConfirm && op.Status != domain.StatusCompleting {
		return domain.NewOperationError(domain.ErrInvariantViolation, job.OperationID,
			"cancel_confirm received in unexpected status "+string(op.Status), nil)
	}

	if op.LeasedAccountID != "" {
		if snapshot := op.ResponseData.AwaitingFinalConfirm; snapshot != nil {
			if account, aerr := p.pool.GetAccount(ctx, op.LeasedAccountID); aerr == nil {
				if client, cerr := p.clients.Get(account); cerr == nil {
					if cerr := client.CancelConfirm(ctx, snapshot.Session); cerr != nil {
						p.logger.Warn(ctx, "best-effort cancel_purchase failed",
							slog.String("operationId", job.OperationID), slog.String("error", cerr.Error()))
					}
				}
			}
		}
	}

	if op.Amount > 0 {
		if err := p.ledger.Refund(ctx, op.UserID, op.ID, op.Amount); err != nil && !errors.Is(err, ledger.ErrAlreadyRefunded) {
			return fmt.Errorf("processor: refund on cancel %s: %w", job.OperationID, err)
		}
	}

	if err := p.ops.UpdateStatus(ctx, job.OperationID, op.Status, domain.StatusCancelled, func(*domain.Operation) {}); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil
		}
		return err
	}

	if op.LeasedAccountID != "" {
		if err := p.pool.ForceRelease(context.WithoutCancel(ctx), op.LeasedAccountID); err != nil {
			p.logger.Warn(ctx, "force release on cancel failed", slog.String("error", err.Error()))
		}
	}

	_ = p.notify.NotifyUser(context.WithoutCancel(ctx), op.UserID, job.OperationID, "Your request was cancelled.")
	return nil
}

// handleSignalCheck logs in and reports a card's current signal/contract
// status, leaving the operation completed but flagged for a follow-up
// SIGNAL_ACTIVATE.
func (p *Processor) handleSignalCheck(ctx context.Context, job domain.Job) error {
	op, err := p.ops.Get(ctx, job.OperationID)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return nil
	}

	if err := p.ops.UpdateStatus(ctx, job.OperationID, op.Status, domain.StatusProcessing, func(*domain.Operation) {}); err != nil {
		return err
	}
	if err := p.checkCancelled(ctx, job.OperationID); err != nil {
		return err
	}

	lease, err := p.queue.AcquireWithQueue(ctx, job.OperationID, 0, p.cfg.QueueTimeout)
	if err != nil {
		return classifyQueueErr(job.OperationID, err)
	}
	account := lease.Account()
	release := p.leaseRelease(ctx, lease)
	defer release()

	if err := p.ops.UpdateStatus(ctx, job.OperationID, domain.StatusProcessing, domain.StatusProcessing, func(o *domain.Operation) {
		o.LeasedAccountID = account.ID
	}); err != nil {
		return err
	}

	client, err := p.clients.Get(account)
	if err != nil {
		return err
	}

	var snapshot domain.SignalCheckSnapshot
	err = p.withBreaker(ctx, account.ID, func(ctx context.Context) error {
		sess, err := p.ensureSessionWithCaptchaPause(ctx, job.OperationID, account, client)
		if err != nil {
			return err
		}
		if err := p.checkCancelled(ctx, job.OperationID); err != nil {
			return err
		}
		return p.withSessionRetry(ctx, account, client, sess, func(ctx context.Context, s domain.Session) error {
			out, serr := client.CheckSignal(ctx, s, job.CardNumber)
			if serr != nil {
				return serr
			}
			out.Session = s
			out.CheckedAt = time.Now()
			out.AwaitingActivate = true
			snapshot = out
			return nil
		})
	})
	if err != nil {
		return err
	}

	return p.ops.UpdateStatus(ctx, job.OperationID, domain.StatusProcessing, domain.StatusCompleted, func(o *domain.Operation) {
		o.ResponseData = domain.ResponseData{SignalCheck: &snapshot}
		o.CompletedAt = snapshot.CheckedAt
	})
}

// handleSignalActivate resumes a SIGNAL_CHECK snapshot on the account that
// produced it and activates signal delivery. No fresh lease is taken: the
// restored session is only valid against the account it was exported from,
// and the call itself is a single quick round-trip.
func (p *Processor) handleSignalActivate(ctx context.Context, job domain.Job) error {
	op, err := p.ops.Get(ctx, job.OperationID)
	if err != nil {
		return err
	}

	// SIGNAL_CHECK leaves the operation COMPLETED with awaitingActivate set
	// rather than introducing a dedicated paused status, so the normal
	// terminal-status short-circuit doesn't apply here: duplicate delivery
	// is instead detected by the flag already being cleared.
	snapshot := op.ResponseData.SignalCheck
	if snapshot == nil {
		return domain.NewOperationError(domain.ErrInvariantViolation, job.OperationID, "no signal-check snapshot to activate", nil)
	}
	if !snapshot.AwaitingActivate {
		return nil
	}
	if time.Since(snapshot.CheckedAt) > p.cfg.ConfirmSnapshotTTL {
		return domain.NewOperationError(domain.ErrSessionExpired, job.OperationID, "signal-check snapshot too old", nil)
	}

	if err := p.ops.UpdateStatus(ctx, job.OperationID, op.Status, domain.StatusProcessing, func(*domain.Operation) {}); err != nil {
		return err
	}

	account, err := p.pool.GetAccount(ctx, op.LeasedAccountID)
	if err != nil {
		return err
	}
	client, err := p.clients.Get(account)
	if err != nil {
		return err
	}

	sess := snapshot.Session
	err = p.withBreaker(ctx, account.ID, func(ctx context.Context) error {
		return p.withSessionRetry(ctx, account, client, sess, func(ctx context.Context, s domain.Session) error {
			sess = s
			return client.ActivateSignal(ctx, s, job.CardNumber)
		})
	})
	if err != nil {
		return err
	}

	return p.ops.UpdateStatus(ctx, job.OperationID, domain.StatusProcessing, domain.StatusCompleted, func(o *domain.Operation) {
		o.CompletedAt = time.Now()
		if o.ResponseData.SignalCheck != nil {
			o.ResponseData.SignalCheck.AwaitingActivate = false
		}
	})
}

// handleSignalRefresh is the single-shot variant of SIGNAL_CHECK followed
// immediately by activation, for callers that never need the intermediate
// awaiting-activate pause.
func (p *Processor) handleSignalRefresh(ctx context.Context, job domain.Job) error {
	op, err := p.ops.Get(ctx, job.OperationID)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return nil
	}

	if err := p.ops.UpdateStatus(ctx, job.OperationID, op.Status, domain.StatusProcessing, func(*domain.Operation) {}); err != nil {
		return err
	}
	if err := p.checkCancelled(ctx, job.OperationID); err != nil {
		return err
	}

	lease, err := p.queue.AcquireWithQueue(ctx, job.OperationID, 0, p.cfg.QueueTimeout)
	if err != nil {
		return classifyQueueErr(job.OperationID, err)
	}
	account := lease.Account()
	release := p.leaseRelease(ctx, lease)
	defer release()

	if err := p.ops.UpdateStatus(ctx, job.OperationID, domain.StatusProcessing, domain.StatusProcessing, func(o *domain.Operation) {
		o.LeasedAccountID = account.ID
	}); err != nil {
		return err
	}

	client, err := p.clients.Get(account)
	if err != nil {
		return err
	}

	var snapshot domain.SignalCheckSnapshot
	err = p.withBreaker(ctx, account.ID, func(ctx context.Context) error {
		sess, err := p.ensureSessionWithCaptchaPause(ctx, job.OperationID, account, client)
		if err != nil {
			return err
		}
		if err := p.checkCancelled(ctx, job.OperationID); err != nil {
			return err
		}
		return p.withSessionRetry(ctx, account, client, sess, func(ctx context.Context, s domain.Session) error {
			out, serr := client.CheckSignal(ctx, s, job.CardNumber)
			if serr != nil {
				return serr
			}
			if aerr := client.ActivateSignal(ctx, s, job.CardNumber); aerr != nil {
				return aerr
			}
			out.Session = s
			out.CheckedAt = time.Now()
			out.AwaitingActivate = false
			snapshot = out
			return nil
		})
	})
	if err != nil {
		return err
	}

	return p.ops.UpdateStatus(ctx, job.OperationID, domain.StatusProcessing, domain.StatusCompleted, func(o *domain.Operation) {
		o.ResponseData = domain.ResponseData{SignalCheck: &snapshot}
		o.CompletedAt = snapshot.CheckedAt
	})
}

// handleStartInstallment loads the card's installment offer, if any, and
// pauses for user confirmation. The user is never charged at this stage:
// the ledger deduction happens only inside CONFIRM_INSTALLMENT, after
// upstream payment actually succeeds.
func (p *Processor) handleStartInstallment(ctx context.Context, job domain.Job) error {
	op, err := p.ops.Get(ctx, job.OperationID)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return nil
	}

	if err := p.ops.UpdateStatus(ctx, job.OperationID, op.Status, domain.StatusProcessing, func(*domain.Operation) {}); err != nil {
		return err
	}
	if err := p.checkCancelled(ctx, job.OperationID); err != nil {
		return err
	}

	lease, err := p.queue.AcquireWithQueue(ctx, job.OperationID, 0, p.cfg.QueueTimeout)
	if err != nil {
		return classifyQueueErr(job.OperationID, err)
	}
	account := lease.Account()
	release := p.leaseRelease(ctx, lease)
	defer release()

	if err := p.ops.UpdateStatus(ctx, job.OperationID, domain.StatusProcessing, domain.StatusProcessing, func(o *domain.Operation) {
		o.LeasedAccountID = account.ID
	}); err != nil {
		return err
	}

	client, err := p.clients.Get(account)
	if err != nil {
		return err
	}

	var snapshot domain.InstallmentSnapshot
	err = p.withBreaker(ctx, account.ID, func(ctx context.Context) error {
		sess, err := p.ensureSessionWithCaptchaPause(ctx, job.OperationID, account, client)
		if err != nil {
			return err
		}
		if err := p.checkCancelled(ctx, job.OperationID); err != nil {
			return err
		}
		return p.withSessionRetry(ctx, account, client, sess, func(ctx context.Context, s domain.Session) error {
			out, serr := client.StartInstallment(ctx, s, job.CardNumber)
			snapshot = out
			return serr
		})
	})
	if err != nil {
		return err
	}

	now := time.Now()
	if !snapshot.Installment.Found {
		return p.ops.UpdateStatus(ctx, job.OperationID, domain.StatusProcessing, domain.StatusCompleted, func(o *domain.Operation) {
			o.ResponseMessage = "no installment plan found for this card"
			o.CompletedAt = now
		})
	}

	snapshot.IsInstallment = true
	return p.ops.UpdateStatus(ctx, job.OperationID, domain.StatusProcessing, domain.StatusAwaitingFinalConfirm, func(o *domain.Operation) {
		o.ResponseData = domain.ResponseData{Installment: &snapshot}
		o.Amount = 0
		o.FinalConfirmExpiry = now.Add(p.cfg.FinalConfirmInstall)
	})
}

// handleConfirmInstallment re-establishes fresh upstream view-state (the
// installment page cannot be resumed from a saved snapshot the way a
// purchase can) and pays. The ledger withdraw happens only after pay
// succeeds.
func (p *Processor) handleConfirmInstallment(ctx context.Context, job domain.Job) error {
	op, err := p.ops.Get(ctx, job.OperationID)
	if err != nil {
		return err
	}

	switch op.Status {
	case domain.StatusCompleted, domain.StatusCancelled:
		return nil
	case domain.StatusAwaitingFinalConfirm, domain.StatusCompleting:
	default:
		return domain.NewOperationError(domain.ErrInvariantViolation, job.OperationID,
			"confirm_installment received in unexpected status "+string(op.Status), nil)
	}
	if !op.FinalConfirmExpiry.IsZero() && time.Now().After(op.FinalConfirmExpiry) {
		return domain.NewOperationError(domain.ErrConfirmationTimeout, job.OperationID, "installment confirmation window expired", nil)
	}

	fromStatus := op.Status
	if err := p.ops.UpdateStatus(ctx, job.OperationID, fromStatus, domain.StatusCompleting, func(*domain.Operation) {}); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil
		}
		return err
	}

	handle, err := p.locks.Lock(ctx, confirmLockKey(op.LeasedAccountID),
		xdlock.WithExpiry(p.cfg.AccountLockTimeout),
		xdlock.WithTries(lockTries(p.cfg.AccountLockTimeout)),
		xdlock.WithRetryDelay(time.Second),
	)
	if err != nil {
		return domain.NewOperationError(domain.ErrAccountLockTimeout, job.OperationID, "could not lock account for installment confirmation", err)
	}
	defer func() {
		if uerr := handle.Unlock(context.WithoutCancel(ctx)); uerr != nil {
			p.logger.Warn(ctx, "unlock confirm account lock failed", slog.String("error", uerr.Error()))
		}
	}()

	account, err := p.pool.GetAccount(ctx, op.LeasedAccountID)
	if err != nil {
		return err
	}
	client, err := p.clients.Get(account)
	if err != nil {
		return err
	}

	err = p.withBreaker(ctx, account.ID, func(ctx context.Context) error {
		sess, err := p.ensureSessionWithCaptchaPause(ctx, job.OperationID, account, client)
		if err != nil {
			return err
		}
		return p.withSessionRetry(ctx, account, client, sess, func(ctx context.Context, s domain.Session) error {
			if _, serr := client.StartInstallment(ctx, s, op.CardNumber); serr != nil {
				return serr
			}
			return client.ConfirmInstallment(ctx, s)
		})
	})
	if err != nil {
		return err
	}

	if err := p.ledger.Withdraw(ctx, op.UserID, op.ID, job.Amount); err != nil {
		return fmt.Errorf("processor: withdraw on installment confirm %s: %w", job.OperationID, err)
	}

	now := time.Now()
	if err := p.ops.UpdateStatus(ctx, job.OperationID, domain.StatusCompleting, domain.StatusCompleted, func(o *domain.Operation) {
		o.Amount = job.Amount
		o.CompletedAt = now
	}); err != nil {
		return err
	}
	_ = p.pool.MarkUsed(context.WithoutCancel(ctx), account.ID, account.LastKnownBalance)
	_ = p.notify.NotifyUser(context.WithoutCancel(ctx), op.UserID, job.OperationID, "Your installment payment is complete.")
	return nil
}

// handleCheckAccountBalance is the admin-triggered balance probe. It never
// touches the lease/queue: the account isn't being handed to a user
// operation, just briefly logged into to read a number back.
func (p *Processor) handleCheckAccountBalance(ctx context.Context, job domain.Job) error {
	account, err := p.pool.GetAccount(ctx, job.AccountID)
	if err != nil {
		return err
	}
	client, err := p.clients.Get(account)
	if err != nil {
		return err
	}

	return p.withBreaker(ctx, account.ID, func(ctx context.Context) error {
		sess, err := p.ensureSessionWithCaptchaPause(ctx, job.OperationID, account, client)
		if err != nil {
			return err
		}
		var balance float64
		err = p.withSessionRetry(ctx, account, client, sess, func(ctx context.Context, s domain.Session) error {
			bal, berr := client.CheckBalance(ctx, s, job.CardNumber)
			balance = bal
			return berr
		})
		if err != nil {
			return err
		}
		if merr := p.pool.MarkUsed(ctx, account.ID, balance); merr != nil {
			return fmt.Errorf("processor: record checked balance %s: %w", account.ID, merr)
		}
		return nil
	})
}

func confirmLockKey(accountID string) string {
	return "account-confirm:" + accountID
}

// lockTries sizes the confirm-lock's blocking retry budget to roughly cover
// budget at a 1s retry delay, matching the poll-every-1s wording of its wait
// bound.
func lockTries(budget time.Duration) int {
	tries := int(budget / time.Second)
	if tries < 1 {
		tries = 1
	}
	return tries
}
