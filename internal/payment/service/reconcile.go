package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
	"go.uber.org/zap"
)

const (
	maxApplyAttempts = 8
	applyBackoffStep = 5 * time.Millisecond
	notifyTimeout    = 30 * time.Second
)

var staleStatuses = []paymentdomain.Status{
	paymentdomain.StatusCreated,
	paymentdomain.StatusInitiating,
	paymentdomain.StatusAwaitingConfirmation,
}

// apply is the single write path: read, decide, compare-and-swap, and retry
// the whole cycle when another writer bumped the version first.
func (s *Service) apply(ctx context.Context, id snowflake.ID, source string, ev paymentdomain.Event) (paymentdomain.Outcome, error) {
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		current, err := s.repo.FindByID(ctx, s.db, id)
		if err != nil {
			return paymentdomain.Outcome{}, err
		}
		if current == nil {
			return paymentdomain.Outcome{}, fmt.Errorf("%w: donation %s", paymentdomain.ErrNotFound, id)
		}

		decision, err := paymentdomain.Decide(*current, ev, s.clock.Now())
		if err != nil {
			s.log.Warn("payment.transition.rejected",
				donationIDField(id),
				zap.String("source", source),
				zap.String("event", string(ev.Kind)),
				zap.String("status", string(current.Status)),
				zap.Error(err),
			)
			return paymentdomain.Outcome{From: current.Status, Donation: *current}, err
		}
		if !decision.Applied {
			s.log.Debug("payment.transition.noop",
				donationIDField(id),
				zap.String("source", source),
				zap.String("event", string(ev.Kind)),
				zap.String("reason", decision.Reason),
			)
			return paymentdomain.Outcome{Reason: decision.Reason, From: current.Status, Donation: *current}, nil
		}

		swapped, err := s.repo.CompareAndSwap(ctx, s.db, &decision.Next, current.Version)
		if err != nil {
			return paymentdomain.Outcome{}, err
		}
		if swapped {
			s.afterTransition(ctx, source, ev, decision)
			return paymentdomain.Outcome{Applied: true, From: decision.From, Donation: decision.Next}, nil
		}

		s.obsMetrics.RecordStaleRetry(ctx, string(ev.Kind))
		s.log.Debug("payment.transition.stale_version",
			donationIDField(id),
			zap.String("event", string(ev.Kind)),
			zap.Int("attempt", attempt),
		)
		if err := backoff(ctx, attempt); err != nil {
			return paymentdomain.Outcome{}, err
		}
	}

	s.log.Error("payment.transition.retries_exhausted",
		donationIDField(id),
		zap.String("source", source),
		zap.String("event", string(ev.Kind)),
	)
	return paymentdomain.Outcome{}, fmt.Errorf("%w: donation %s after %d attempts", paymentdomain.ErrStaleVersion, id, maxApplyAttempts)
}

func backoff(ctx context.Context, attempt int) error {
	wait := applyBackoffStep*time.Duration(attempt) + rand.N(applyBackoffStep)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) afterTransition(ctx context.Context, source string, ev paymentdomain.Event, decision paymentdomain.Decision) {
	next := decision.Next
	s.obsMetrics.RecordTransition(ctx, string(decision.From), string(next.Status))

	fields := []zap.Field{
		donationIDField(next.ID),
		zap.String("source", source),
		zap.String("event", string(ev.Kind)),
		zap.String("from", string(decision.From)),
		zap.String("to", string(next.Status)),
		zap.Int64("version", next.Version),
	}
	if checkoutID := next.CheckoutID(); checkoutID != "" {
		fields = append(fields, zap.String("checkout_request_id", checkoutID))
	}
	if next.FailureReason != nil {
		fields = append(fields, zap.String("failure_reason", *next.FailureReason))
	}
	s.log.Info("payment.transition.applied", fields...)

	if next.Status == paymentdomain.StatusCompleted && s.notifier != nil {
		go s.notifyCompleted(context.WithoutCancel(ctx), next)
	}
}

func (s *Service) notifyCompleted(ctx context.Context, donation paymentdomain.Donation) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := s.notifier.DonationCompleted(ctx, donation); err != nil {
		s.log.Warn("payment.notify.failed", donationIDField(donation.ID), zap.Error(err))
	}
}

func (s *Service) HandleCallback(ctx context.Context, cb paymentdomain.CallbackResult) (paymentdomain.Outcome, error) {
	checkoutID := strings.TrimSpace(cb.CheckoutRequestID)
	current, err := s.repo.FindByCheckoutRequestID(ctx, s.db, checkoutID)
	if err != nil {
		return paymentdomain.Outcome{}, err
	}
	if current == nil {
		s.recordEvent(ctx, nil, checkoutID, paymentdomain.EventSourceCallback, paymentdomain.EventOutcomeNotFound, cb.ResultCode, cb)
		return paymentdomain.Outcome{}, notFound(checkoutID)
	}

	if cb.Succeeded && cb.Amount != 0 && cb.Amount != current.Amount {
		s.log.Warn("payment.callback.amount_mismatch",
			donationIDField(current.ID),
			zap.Int64("expected", current.Amount),
			zap.Int64("reported", cb.Amount),
		)
	}

	ev := paymentdomain.Event{
		Kind:              paymentdomain.EventSettledFailure,
		CheckoutRequestID: checkoutID,
		ResultCode:        cb.ResultCode,
		ResultDescription: cb.ResultDescription,
	}
	if cb.Succeeded {
		ev.Kind = paymentdomain.EventSettledSuccess
		ev.ReceiptNumber = cb.ReceiptNumber
	}

	outcome, err := s.apply(ctx, current.ID, paymentdomain.EventSourceCallback, ev)
	s.recordOutcome(ctx, current, checkoutID, paymentdomain.EventSourceCallback, cb.ResultCode, cb, outcome, err)
	return outcome, err
}

func (s *Service) HandleProviderTimeout(ctx context.Context, checkoutRequestID string) (paymentdomain.Outcome, error) {
	checkoutID := strings.TrimSpace(checkoutRequestID)
	current, err := s.repo.FindByCheckoutRequestID(ctx, s.db, checkoutID)
	if err != nil {
		return paymentdomain.Outcome{}, err
	}
	if current == nil {
		s.recordEvent(ctx, nil, checkoutID, paymentdomain.EventSourceProviderTimeout, paymentdomain.EventOutcomeNotFound, "", nil)
		return paymentdomain.Outcome{}, notFound(checkoutID)
	}

	outcome, err := s.apply(ctx, current.ID, paymentdomain.EventSourceProviderTimeout, paymentdomain.Event{
		Kind:              paymentdomain.EventTimeout,
		CheckoutRequestID: checkoutID,
		ResultDescription: "provider reported timeout",
	})
	s.recordOutcome(ctx, current, checkoutID, paymentdomain.EventSourceProviderTimeout, "", nil, outcome, err)
	return outcome, err
}

// PollStatus returns the stored record, asking the provider first when the
// record is still awaiting confirmation and the query is not throttled.
// Provider failures leave the record pending.
func (s *Service) PollStatus(ctx context.Context, checkoutRequestID string) (paymentdomain.Donation, error) {
	checkoutID := strings.TrimSpace(checkoutRequestID)
	current, err := s.repo.FindByCheckoutRequestID(ctx, s.db, checkoutID)
	if err != nil {
		return paymentdomain.Donation{}, err
	}
	if current == nil {
		return paymentdomain.Donation{}, notFound(checkoutID)
	}
	if current.Status != paymentdomain.StatusAwaitingConfirmation {
		return *current, nil
	}
	if !s.throttle.Allow(checkoutID) {
		return *current, nil
	}

	updated, _ := s.queryAndApply(ctx, current, paymentdomain.EventSourcePoll)
	return updated, nil
}

// queryAndApply asks the provider about one record and applies a settled
// answer. It reports whether the record changed.
func (s *Service) queryAndApply(ctx context.Context, current *paymentdomain.Donation, source string) (paymentdomain.Donation, bool) {
	checkoutID := current.CheckoutID()
	status, err := s.provider.QueryStatus(ctx, checkoutID)
	if err != nil {
		s.log.Warn("payment.poll.query_failed",
			donationIDField(current.ID),
			zap.String("checkout_request_id", checkoutID),
			zap.Error(err),
		)
		return *current, false
	}
	if !status.Settled {
		return *current, false
	}

	ev := paymentdomain.Event{
		Kind:              paymentdomain.EventSettledFailure,
		CheckoutRequestID: checkoutID,
		ResultCode:        status.ResultCode,
		ResultDescription: status.ResultDescription,
	}
	if status.Succeeded {
		if strings.TrimSpace(status.ReceiptNumber) == "" {
			// Completion needs a receipt; wait for the callback to carry it.
			s.log.Warn("payment.poll.success_without_receipt",
				donationIDField(current.ID),
				zap.String("checkout_request_id", checkoutID),
			)
			return *current, false
		}
		ev.Kind = paymentdomain.EventSettledSuccess
		ev.ReceiptNumber = status.ReceiptNumber
	}

	outcome, err := s.apply(ctx, current.ID, source, ev)
	s.recordOutcome(ctx, current, checkoutID, source, status.ResultCode, status, outcome, err)
	if err != nil {
		s.log.Error("payment.poll.apply_failed", donationIDField(current.ID), zap.Error(err))
		return *current, false
	}
	if outcome.Donation.Status.Terminal() {
		s.throttle.Forget(checkoutID)
	}
	return outcome.Donation, outcome.Applied
}

// ExpireStale fails every non-terminal record whose last transition is older
// than before. A callback that lands first wins; the timeout is then a no-op.
func (s *Service) ExpireStale(ctx context.Context, before time.Time, limit int) (int, error) {
	stale, err := s.repo.ListStale(ctx, s.db, staleStatuses, before, limit)
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    []error
	)
	for _, donation := range stale {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		outcome, err := s.apply(ctx, donation.ID, paymentdomain.EventSourceSweep, paymentdomain.Event{
			Kind:              paymentdomain.EventTimeout,
			ResultDescription: "confirmation timed out",
		})
		s.recordOutcome(ctx, donation, donation.CheckoutID(), paymentdomain.EventSourceSweep, "", nil, outcome, err)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if outcome.Applied {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

// ReconcilePending queries the provider for records stuck awaiting
// confirmation, so they settle even when no callback arrives.
func (s *Service) ReconcilePending(ctx context.Context, before time.Time, limit int) (int, error) {
	pending, err := s.repo.ListStale(ctx, s.db, []paymentdomain.Status{paymentdomain.StatusAwaitingConfirmation}, before, limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, donation := range pending {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if !s.throttle.Allow(donation.CheckoutID()) {
			continue
		}
		if _, changed := s.queryAndApply(ctx, donation, paymentdomain.EventSourcePoll); changed {
			settled++
		}
	}
	return settled, nil
}
