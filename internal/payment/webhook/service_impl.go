package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hungerpay/internal/clock"
	obscontext "github.com/smallbiznis/hungerpay/internal/observability/context"
	"github.com/smallbiznis/hungerpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/hungerpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
	"github.com/smallbiznis/hungerpay/internal/payment/mpesa"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxStoredPayloadBytes = 16 << 10

// Result classifies what happened to one inbound notification. The HTTP
// layer acknowledges every result the same way.
type Result string

const (
	ResultApplied          Result = "applied"
	ResultIgnored          Result = "ignored"
	ResultMalformed        Result = "malformed"
	ResultUnknownCheckout  Result = "unknown_checkout"
	ResultProcessingFailed Result = "processing_failed"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       paymentdomain.Repository
	Provider   paymentdomain.ProviderClient
	PaymentSvc paymentdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       paymentdomain.Repository
	provider   paymentdomain.ProviderClient
	paymentSvc paymentdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		genID:      p.GenID,
		clock:      clk,
		repo:       p.Repo,
		provider:   p.Provider,
		paymentSvc: p.PaymentSvc,
		obsMetrics: p.ObsMetrics,
	}
}

// IngestCallback decodes a provider result notification and hands it to the
// coordinator. It never returns an error: the provider must always be
// acknowledged, so every failure is classified and logged here instead.
func (s *Service) IngestCallback(ctx context.Context, payload []byte) Result {
	cb, err := s.provider.DecodeCallback(payload)
	if err != nil {
		s.recordMalformed(ctx, paymentdomain.EventSourceCallback, payload, err)
		logger.WithContext(ctx, s.log).Warn("payment.callback.malformed",
			zap.Int("payload_bytes", len(payload)),
			zap.Error(err),
		)
		return ResultMalformed
	}

	ctx = obscontext.WithCheckoutRequestID(ctx, cb.CheckoutRequestID)
	log := logger.WithContext(ctx, s.log)

	outcome, err := s.paymentSvc.HandleCallback(ctx, cb)
	return s.classify(log, "payment.callback", outcome, err)
}

// IngestTimeout handles the provider's timeout URL notification.
func (s *Service) IngestTimeout(ctx context.Context, payload []byte) Result {
	checkoutID, err := mpesa.DecodeTimeoutNotice(payload)
	if err != nil {
		s.recordMalformed(ctx, paymentdomain.EventSourceProviderTimeout, payload, err)
		logger.WithContext(ctx, s.log).Warn("payment.timeout.malformed", zap.Error(err))
		return ResultMalformed
	}

	ctx = obscontext.WithCheckoutRequestID(ctx, checkoutID)
	log := logger.WithContext(ctx, s.log)

	outcome, err := s.paymentSvc.HandleProviderTimeout(ctx, checkoutID)
	return s.classify(log, "payment.timeout", outcome, err)
}

func (s *Service) classify(log *zap.Logger, prefix string, outcome paymentdomain.Outcome, err error) Result {
	switch {
	case errors.Is(err, paymentdomain.ErrNotFound):
		log.Warn(prefix + ".unknown_checkout")
		return ResultUnknownCheckout
	case err != nil:
		log.Error(prefix+".processing_failed", zap.Error(err))
		return ResultProcessingFailed
	case !outcome.Applied:
		log.Info(prefix+".ignored",
			zap.String("reason", outcome.Reason),
			zap.String("status", string(outcome.Donation.Status)),
		)
		return ResultIgnored
	default:
		log.Info(prefix+".applied",
			zap.String("donation_id", outcome.Donation.ID.String()),
			zap.String("status", string(outcome.Donation.Status)),
		)
		return ResultApplied
	}
}

func (s *Service) recordMalformed(ctx context.Context, source string, payload []byte, cause error) {
	s.obsMetrics.RecordPaymentEvent(ctx, source, paymentdomain.EventOutcomeMalformed)

	event := &paymentdomain.EventRecord{
		ID:                s.genID.Generate(),
		CheckoutRequestID: "",
		Source:            source,
		Outcome:           paymentdomain.EventOutcomeMalformed,
		ResultCode:        paymentdomain.ErrMalformedCallback.Error(),
		Payload:           storablePayload(payload),
		ReceivedAt:        s.clock.Now().UTC(),
	}
	if err := s.repo.InsertEvent(context.WithoutCancel(ctx), s.db, event); err != nil {
		s.log.Warn("payment.event.record_failed", zap.NamedError("cause", cause), zap.Error(err))
	}
}

// storablePayload keeps valid JSON as-is and wraps anything else as a JSON
// string so the column always holds a JSON document.
func storablePayload(payload []byte) datatypes.JSON {
	if len(payload) > maxStoredPayloadBytes {
		payload = payload[:maxStoredPayloadBytes]
	}
	if json.Valid(payload) {
		return datatypes.JSON(payload)
	}
	wrapped, err := json.Marshal(map[string]string{"raw": strings.ToValidUTF8(string(payload), "")})
	if err != nil {
		return nil
	}
	return datatypes.JSON(wrapped)
}
