package service

import (
	"context"
	"encoding/json"

	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// recordOutcome writes the audit row for a signal that reached apply.
func (s *Service) recordOutcome(ctx context.Context, donation *paymentdomain.Donation, checkoutID, source, resultCode string, signal any, outcome paymentdomain.Outcome, applyErr error) {
	result := paymentdomain.EventOutcomeIgnored
	switch {
	case applyErr != nil:
		result = paymentdomain.EventOutcomeError
	case outcome.Applied:
		result = paymentdomain.EventOutcomeApplied
	}
	s.recordEvent(ctx, donation, checkoutID, source, result, resultCode, signal)
}

// recordEvent appends to the payment event log. Failures are logged only;
// the log is diagnostic and never gates a transition.
func (s *Service) recordEvent(ctx context.Context, donation *paymentdomain.Donation, checkoutID, source, outcome, resultCode string, signal any) {
	s.obsMetrics.RecordPaymentEvent(ctx, source, outcome)

	event := &paymentdomain.EventRecord{
		ID:                s.genID.Generate(),
		CheckoutRequestID: checkoutID,
		Source:            source,
		Outcome:           outcome,
		ResultCode:        resultCode,
		ReceivedAt:        s.clock.Now().UTC(),
	}
	if donation != nil {
		id := donation.ID
		event.DonationID = &id
	}
	if signal != nil {
		if payload, err := json.Marshal(signal); err == nil {
			event.Payload = datatypes.JSON(payload)
		}
	}

	if err := s.repo.InsertEvent(context.WithoutCancel(ctx), s.db, event); err != nil {
		s.log.Warn("payment.event.record_failed",
			zap.String("source", source),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
	}
}
