package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/hungerpay/internal/cache"
	"github.com/smallbiznis/hungerpay/internal/clock"
	"github.com/smallbiznis/hungerpay/internal/config"
	obsmetrics "github.com/smallbiznis/hungerpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
	"github.com/smallbiznis/hungerpay/internal/payment/mpesa"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	minDonorNameLength = 2
	maxDonorNameLength = 100
	maxMessageLength   = 500
	defaultProgram     = "general"
	transactionDesc    = "Donation"
)

var recurringIntervals = map[string]struct{}{
	"monthly":   {},
	"quarterly": {},
	"yearly":    {},
}

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Repo        paymentdomain.Repository
	Provider    paymentdomain.ProviderClient
	Clock       clock.Clock
	DonationCfg *config.DonationConfigHolder  `optional:"true"`
	Throttle    *cache.StatusQueryThrottle    `optional:"true"`
	Guard       paymentdomain.InitiationGuard `optional:"true"`
	Notifier    paymentdomain.Notifier        `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics           `optional:"true"`
}

// Service is the reconciliation coordinator. Every record mutation goes
// through apply.
type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        paymentdomain.Repository
	provider    paymentdomain.ProviderClient
	clock       clock.Clock
	donationCfg *config.DonationConfigHolder
	throttle    *cache.StatusQueryThrottle
	guard       paymentdomain.InitiationGuard
	notifier    paymentdomain.Notifier
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.service"),
		genID:       p.GenID,
		repo:        p.Repo,
		provider:    p.Provider,
		clock:       clk,
		donationCfg: p.DonationCfg,
		throttle:    p.Throttle,
		guard:       p.Guard,
		notifier:    p.Notifier,
		obsMetrics:  p.ObsMetrics,
	}
}

type validatedDonation struct {
	amount            int64
	phone             string
	donorName         string
	donorEmail        string
	program           string
	message           string
	isAnonymous       bool
	isRecurring       bool
	recurringInterval string
}

func (s *Service) Initiate(ctx context.Context, req paymentdomain.InitiateDonationRequest) (paymentdomain.InitiateDonationResponse, error) {
	in, err := s.validate(req)
	if err != nil {
		return paymentdomain.InitiateDonationResponse{}, err
	}

	if s.guard != nil {
		release, err := s.guard.Acquire(ctx, in.phone)
		if err != nil {
			return paymentdomain.InitiateDonationResponse{}, err
		}
		defer release()
	}

	now := s.clock.Now().UTC()
	id := s.genID.Generate()
	donation := &paymentdomain.Donation{
		ID:                id,
		Amount:            in.amount,
		Currency:          paymentdomain.CurrencyKES,
		PhoneNumber:       in.phone,
		AccountReference:  mpesa.AccountReference(in.donorName, id.String()),
		Status:            paymentdomain.StatusCreated,
		DonorName:         in.donorName,
		DonorEmail:        in.donorEmail,
		Program:           in.program,
		Message:           in.message,
		IsAnonymous:       in.isAnonymous,
		IsRecurring:       in.isRecurring,
		RecurringInterval: in.recurringInterval,
		Version:           1,
		CreatedAt:         now,
		LastTransitionAt:  now,
	}
	if err := s.repo.Insert(ctx, s.db, donation); err != nil {
		return paymentdomain.InitiateDonationResponse{}, err
	}

	if _, err := s.apply(ctx, id, paymentdomain.EventSourceInitiation, paymentdomain.Event{
		Kind: paymentdomain.EventInitiationStarted,
	}); err != nil {
		return paymentdomain.InitiateDonationResponse{}, err
	}

	result, callErr := s.provider.InitiatePayment(ctx, paymentdomain.InitiateRequest{
		PhoneNumber:      in.phone,
		Amount:           in.amount,
		AccountReference: donation.AccountReference,
		Description:      transactionDesc,
	})

	// The caller may already be gone; the record must still settle.
	settleCtx := context.WithoutCancel(ctx)

	if callErr != nil {
		reason := paymentdomain.FailureReasonTransportError
		code := paymentdomain.ErrTransport.Error()
		if errors.Is(callErr, paymentdomain.ErrAuth) {
			reason = paymentdomain.FailureReasonAuthError
			code = paymentdomain.ErrAuth.Error()
		}
		s.log.Warn("payment.initiate.provider_error",
			zap.String("donation_id", id.String()),
			zap.String("failure_reason", reason),
			zap.Error(callErr),
		)

		outcome, err := s.apply(settleCtx, id, paymentdomain.EventSourceInitiation, paymentdomain.Event{
			Kind:              paymentdomain.EventInitiationError,
			ResultCode:        code,
			ResultDescription: callErr.Error(),
			FailureReason:     reason,
		})
		s.recordOutcome(settleCtx, donation, "", paymentdomain.EventSourceInitiation, code, nil, outcome, err)
		if err != nil {
			return paymentdomain.InitiateDonationResponse{}, errors.Join(callErr, err)
		}
		return paymentdomain.InitiateDonationResponse{
			Donation:        outcome.Donation,
			RejectionCode:   code,
			RejectionReason: "payment provider unavailable",
		}, callErr
	}

	if !result.Accepted {
		outcome, err := s.apply(settleCtx, id, paymentdomain.EventSourceInitiation, paymentdomain.Event{
			Kind:              paymentdomain.EventInitiationRejected,
			ResultCode:        result.RejectionCode,
			ResultDescription: result.RejectionReason,
		})
		s.recordOutcome(settleCtx, donation, "", paymentdomain.EventSourceInitiation, result.RejectionCode, result, outcome, err)
		if err != nil {
			return paymentdomain.InitiateDonationResponse{}, err
		}
		return paymentdomain.InitiateDonationResponse{
			Donation:        outcome.Donation,
			RejectionCode:   result.RejectionCode,
			RejectionReason: result.RejectionReason,
		}, nil
	}

	outcome, err := s.apply(settleCtx, id, paymentdomain.EventSourceInitiation, paymentdomain.Event{
		Kind:              paymentdomain.EventInitiationAccepted,
		CheckoutRequestID: result.CheckoutRequestID,
		MerchantRequestID: result.MerchantRequestID,
	})
	s.recordOutcome(settleCtx, donation, result.CheckoutRequestID, paymentdomain.EventSourceInitiation, "", result, outcome, err)
	if err != nil {
		return paymentdomain.InitiateDonationResponse{}, err
	}

	// The sweep can settle the record while the provider call is in flight.
	if outcome.Donation.Status != paymentdomain.StatusAwaitingConfirmation || outcome.Donation.CheckoutID() != result.CheckoutRequestID {
		s.log.Warn("payment.initiate.superseded",
			zap.String("donation_id", id.String()),
			zap.String("checkout_request_id", result.CheckoutRequestID),
			zap.String("status", string(outcome.Donation.Status)),
		)
		resp := paymentdomain.InitiateDonationResponse{
			Donation:        outcome.Donation,
			RejectionReason: "payment request is no longer pending",
		}
		if outcome.Donation.ResultCode != nil {
			resp.RejectionCode = *outcome.Donation.ResultCode
		}
		return resp, nil
	}

	s.log.Info("payment.initiate.accepted",
		zap.String("donation_id", id.String()),
		zap.String("checkout_request_id", result.CheckoutRequestID),
		zap.String("phone", paymentdomain.MaskPhone(in.phone)),
		zap.Int64("amount", in.amount),
	)

	return paymentdomain.InitiateDonationResponse{
		Donation:        outcome.Donation,
		Accepted:        true,
		CustomerMessage: result.CustomerMessage,
	}, nil
}

// validate collects every invalid field before any network call is made.
func (s *Service) validate(req paymentdomain.InitiateDonationRequest) (validatedDonation, error) {
	cfg := s.donationCfg.Get()
	var errs paymentdomain.ValidationErrors
	var out validatedDonation

	amount, err := mpesa.ValidateAmount(req.Amount, cfg.MinAmount, cfg.MaxAmount)
	if err != nil {
		errs = append(errs, &paymentdomain.ValidationError{Field: "amount", Err: err})
	}
	out.amount = amount

	phone, err := mpesa.NormalizePhone(req.PhoneNumber)
	if err != nil {
		errs = append(errs, &paymentdomain.ValidationError{Field: "phoneNumber", Err: err})
	}
	out.phone = phone

	out.donorName = strings.Join(strings.Fields(req.DonorName), " ")
	if n := utf8.RuneCountInString(out.donorName); n < minDonorNameLength || n > maxDonorNameLength {
		errs = append(errs, &paymentdomain.ValidationError{Field: "donorName", Err: paymentdomain.ErrInvalidDonorName})
	}

	email := strings.ToLower(strings.TrimSpace(req.DonorEmail))
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		errs = append(errs, &paymentdomain.ValidationError{Field: "donorEmail", Err: paymentdomain.ErrInvalidDonorEmail})
	}
	out.donorEmail = email

	program := strings.TrimSpace(req.Program)
	if program == "" {
		program = defaultProgram
	}
	if !cfg.HasProgram(program) {
		errs = append(errs, &paymentdomain.ValidationError{Field: "program", Err: paymentdomain.ErrInvalidProgram})
	}
	out.program = slug.Make(program)

	out.message = strings.TrimSpace(req.Message)
	if utf8.RuneCountInString(out.message) > maxMessageLength {
		errs = append(errs, &paymentdomain.ValidationError{Field: "message", Err: paymentdomain.ErrInvalidMessage})
	}

	out.isAnonymous = req.IsAnonymous
	out.isRecurring = req.IsRecurring
	if req.IsRecurring {
		interval := strings.ToLower(strings.TrimSpace(req.RecurringInterval))
		if _, ok := recurringIntervals[interval]; !ok {
			errs = append(errs, &paymentdomain.ValidationError{Field: "recurringInterval", Err: paymentdomain.ErrInvalidRecurrence})
		}
		out.recurringInterval = interval
	}

	if len(errs) > 0 {
		return validatedDonation{}, errs
	}
	return out, nil
}

func donationIDField(id snowflake.ID) zap.Field {
	return zap.String("donation_id", id.String())
}

func notFound(checkoutRequestID string) error {
	return fmt.Errorf("%w: checkout request %s", paymentdomain.ErrNotFound, checkoutRequestID)
}
