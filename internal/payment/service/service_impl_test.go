package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/hungerpay/internal/cache"
	"github.com/smallbiznis/hungerpay/internal/clock"
	"github.com/smallbiznis/hungerpay/internal/config"
	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
	"github.com/smallbiznis/hungerpay/internal/payment/mpesa"
	paymentrepo "github.com/smallbiznis/hungerpay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/hungerpay/internal/payment/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeProvider struct {
	mu            sync.Mutex
	initiate      func(req paymentdomain.InitiateRequest) (paymentdomain.InitiateResult, error)
	query         func(checkoutRequestID string) (paymentdomain.StatusResult, error)
	initiateCalls int
	queryCalls    int
	lastInitiate  paymentdomain.InitiateRequest
}

func (f *fakeProvider) RequestAccessToken(context.Context) (string, error) {
	return "token", nil
}

func (f *fakeProvider) InitiatePayment(_ context.Context, req paymentdomain.InitiateRequest) (paymentdomain.InitiateResult, error) {
	f.mu.Lock()
	f.initiateCalls++
	f.lastInitiate = req
	fn := f.initiate
	f.mu.Unlock()
	if fn == nil {
		return paymentdomain.InitiateResult{}, errors.New("unexpected initiate")
	}
	return fn(req)
}

func (f *fakeProvider) QueryStatus(_ context.Context, checkoutRequestID string) (paymentdomain.StatusResult, error) {
	f.mu.Lock()
	f.queryCalls++
	fn := f.query
	f.mu.Unlock()
	if fn == nil {
		return paymentdomain.StatusResult{}, nil
	}
	return fn(checkoutRequestID)
}

func (f *fakeProvider) DecodeCallback(raw []byte) (paymentdomain.CallbackResult, error) {
	return mpesa.DecodeCallback(raw)
}

func (f *fakeProvider) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initiateCalls, f.queryCalls
}

func acceptWith(checkoutID string) func(paymentdomain.InitiateRequest) (paymentdomain.InitiateResult, error) {
	return func(paymentdomain.InitiateRequest) (paymentdomain.InitiateResult, error) {
		return paymentdomain.InitiateResult{
			Accepted:          true,
			CheckoutRequestID: checkoutID,
			MerchantRequestID: "29115-34620561-1",
			CustomerMessage:   "Success. Request accepted for processing",
		}, nil
	}
}

type recordingNotifier struct {
	completed chan paymentdomain.Donation
}

func (n *recordingNotifier) DonationCompleted(_ context.Context, donation paymentdomain.Donation) error {
	n.completed <- donation
	return nil
}

type blockingGuard struct{ err error }

func (g blockingGuard) Acquire(context.Context, string) (func(), error) {
	return func() {}, g.err
}

// flakyRepo loses the first n compare-and-swap races.
type flakyRepo struct {
	paymentdomain.Repository
	mu      sync.Mutex
	lose    int
	swapped int
}

func (r *flakyRepo) CompareAndSwap(ctx context.Context, db *gorm.DB, next *paymentdomain.Donation, expected int64) (bool, error) {
	r.mu.Lock()
	r.swapped++
	if r.lose > 0 {
		r.lose--
		r.mu.Unlock()
		return false, nil
	}
	r.mu.Unlock()
	return r.Repository.CompareAndSwap(ctx, db, next, expected)
}

type harness struct {
	svc      paymentdomain.Service
	db       *gorm.DB
	provider *fakeProvider
	clock    *clock.FakeClock
	notifier *recordingNotifier
}

type harnessOption func(*paymentservice.Params)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC))
	provider := &fakeProvider{}
	notifier := &recordingNotifier{completed: make(chan paymentdomain.Donation, 8)}
	repo := paymentrepo.Provide()

	params := paymentservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Repo:     repo,
		Provider: provider,
		Clock:    fakeClock,
		Throttle: cache.NewStatusQueryThrottle(config.Config{MPesa: config.MPesaConfig{PollMinInterval: 3 * time.Second}}, fakeClock),
		Notifier: notifier,
	}
	for _, opt := range opts {
		opt(&params)
	}

	return &harness{
		svc:      paymentservice.NewService(params),
		db:       db,
		provider: provider,
		clock:    fakeClock,
		notifier: notifier,
	}
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:payment_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE donations (
			id BIGINT PRIMARY KEY,
			checkout_request_id TEXT,
			merchant_request_id TEXT,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			phone_number TEXT NOT NULL,
			account_reference TEXT NOT NULL,
			status TEXT NOT NULL,
			receipt_number TEXT,
			result_code TEXT,
			result_description TEXT,
			failure_reason TEXT,
			donor_name TEXT NOT NULL,
			donor_email TEXT NOT NULL,
			program TEXT NOT NULL,
			message TEXT,
			is_anonymous BOOLEAN NOT NULL DEFAULT FALSE,
			is_recurring BOOLEAN NOT NULL DEFAULT FALSE,
			recurring_interval TEXT,
			version BIGINT NOT NULL,
			created_at DATETIME NOT NULL,
			last_transition_at DATETIME NOT NULL,
			completed_at DATETIME
		)`,
		`CREATE UNIQUE INDEX ux_donations_checkout_request_id ON donations(checkout_request_id)`,
		`CREATE TABLE payment_events (
			id BIGINT PRIMARY KEY,
			donation_id BIGINT,
			checkout_request_id TEXT NOT NULL,
			source TEXT NOT NULL,
			outcome TEXT NOT NULL,
			result_code TEXT,
			payload TEXT,
			received_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func validRequest() paymentdomain.InitiateDonationRequest {
	return paymentdomain.InitiateDonationRequest{
		Amount:      "100",
		PhoneNumber: "0712345678",
		DonorName:   "Jane Doe",
		DonorEmail:  "Jane@Example.com",
		Program:     "School Feeding",
	}
}

func (h *harness) initiateAccepted(t *testing.T, checkoutID string) paymentdomain.Donation {
	t.Helper()
	h.provider.initiate = acceptWith(checkoutID)
	resp, err := h.svc.Initiate(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !resp.Accepted {
		t.Fatalf("expected accepted initiation, got %+v", resp)
	}
	return resp.Donation
}

func successCallback(checkoutID, receipt string) paymentdomain.CallbackResult {
	return paymentdomain.CallbackResult{
		CheckoutRequestID: checkoutID,
		Succeeded:         true,
		ResultCode:        "0",
		ResultDescription: "The service request is processed successfully.",
		ReceiptNumber:     receipt,
		Amount:            100,
	}
}

func failureCallback(checkoutID string) paymentdomain.CallbackResult {
	return paymentdomain.CallbackResult{
		CheckoutRequestID: checkoutID,
		ResultCode:        "1032",
		ResultDescription: "Request cancelled by user",
	}
}

func TestInitiateAcceptedThenCallbackSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	donation := h.initiateAccepted(t, "ws_CO_A")
	if donation.Status != paymentdomain.StatusAwaitingConfirmation {
		t.Fatalf("expected awaiting_confirmation, got %s", donation.Status)
	}
	if donation.Version != 3 {
		t.Fatalf("expected version 3 after created->initiating->awaiting, got %d", donation.Version)
	}
	if donation.PhoneNumber != "254712345678" || donation.Program != "school-feeding" || donation.DonorEmail != "jane@example.com" {
		t.Fatalf("expected normalized fields, got %+v", donation)
	}
	if h.provider.lastInitiate.AccountReference != donation.AccountReference {
		t.Fatalf("expected provider to receive the stored account reference")
	}

	h.clock.Advance(30 * time.Second)
	outcome, err := h.svc.HandleCallback(ctx, successCallback("ws_CO_A", "NLJ7RT61SV"))
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if !outcome.Applied || outcome.From != paymentdomain.StatusAwaitingConfirmation {
		t.Fatalf("expected applied transition, got %+v", outcome)
	}

	stored, err := h.svc.GetByID(ctx, donation.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != paymentdomain.StatusCompleted || stored.ReceiptNumber == nil || *stored.ReceiptNumber != "NLJ7RT61SV" {
		t.Fatalf("expected completed with receipt, got %+v", stored)
	}
	if stored.CompletedAt == nil || stored.Version != 4 {
		t.Fatalf("expected completed_at and version 4, got %+v", stored)
	}

	polled, err := h.svc.PollStatus(ctx, "ws_CO_A")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if polled.Status != paymentdomain.StatusCompleted {
		t.Fatalf("expected completed, got %s", polled.Status)
	}
	if _, queries := h.provider.counts(); queries != 0 {
		t.Fatalf("terminal record must not be queried, got %d queries", queries)
	}

	select {
	case notified := <-h.notifier.completed:
		if notified.ID != donation.ID {
			t.Fatalf("notified wrong donation")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected completion notification")
	}

	var events []paymentdomain.EventRecord
	err = h.db.Raw(
		`SELECT * FROM payment_events WHERE donation_id = ? ORDER BY received_at ASC, id ASC`,
		donation.ID,
	).Scan(&events).Error
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected initiation and callback events, got %d", len(events))
	}
	if events[1].Source != paymentdomain.EventSourceCallback || events[1].Outcome != paymentdomain.EventOutcomeApplied {
		t.Fatalf("unexpected callback event %+v", events[1])
	}
}

func TestInitiateAcceptedThenCallbackFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	donation := h.initiateAccepted(t, "ws_CO_B")

	if _, err := h.svc.HandleCallback(ctx, failureCallback("ws_CO_B")); err != nil {
		t.Fatalf("callback: %v", err)
	}

	stored, err := h.svc.GetByID(ctx, donation.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != paymentdomain.StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.FailureReason == nil || *stored.FailureReason != paymentdomain.FailureReasonProviderFailed {
		t.Fatalf("expected provider_failed, got %v", stored.FailureReason)
	}
	if stored.ResultCode == nil || *stored.ResultCode != "1032" {
		t.Fatalf("expected result code 1032, got %v", stored.ResultCode)
	}
}

func TestInitiateRejectedByProvider(t *testing.T) {
	h := newHarness(t)
	h.provider.initiate = func(paymentdomain.InitiateRequest) (paymentdomain.InitiateResult, error) {
		return paymentdomain.InitiateResult{RejectionCode: "400.002.02", RejectionReason: "Bad Request - Invalid PhoneNumber"}, nil
	}

	resp, err := h.svc.Initiate(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("rejection must not be an error, got %v", err)
	}
	if resp.Accepted || resp.RejectionCode != "400.002.02" {
		t.Fatalf("expected rejection, got %+v", resp)
	}
	if resp.Donation.Status != paymentdomain.StatusFailed || resp.Donation.CheckoutRequestID != nil {
		t.Fatalf("expected failed record without checkout id, got %+v", resp.Donation)
	}
	if *resp.Donation.FailureReason != paymentdomain.FailureReasonRejected {
		t.Fatalf("expected rejected reason, got %s", *resp.Donation.FailureReason)
	}

	_, err = h.svc.HandleCallback(context.Background(), successCallback("ws_CO_R", "QGH0000000"))
	if !errors.Is(err, paymentdomain.ErrNotFound) {
		t.Fatalf("late callback must not match a rejected record, got %v", err)
	}
	stored, err := h.svc.GetByID(context.Background(), resp.Donation.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != paymentdomain.StatusFailed || stored.Version != resp.Donation.Version || stored.ReceiptNumber != nil {
		t.Fatalf("rejected record must stay untouched, got %+v", stored)
	}
	var count int64
	if err := h.db.Raw(`SELECT COUNT(*) FROM donations`).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single record, got %d", count)
	}
}

func TestInitiateRejectionSettlesAfterCallerCancels(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.provider.initiate = func(paymentdomain.InitiateRequest) (paymentdomain.InitiateResult, error) {
		cancel()
		return paymentdomain.InitiateResult{RejectionCode: "400.002.02", RejectionReason: "Bad Request - Invalid PhoneNumber"}, nil
	}

	resp, err := h.svc.Initiate(ctx, validRequest())
	if err != nil {
		t.Fatalf("rejection must settle after cancellation, got %v", err)
	}
	stored, err := h.svc.GetByID(context.Background(), resp.Donation.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != paymentdomain.StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.FailureReason == nil || *stored.FailureReason != paymentdomain.FailureReasonRejected {
		t.Fatalf("expected rejected reason, got %v", stored.FailureReason)
	}
}

func TestInitiateAcceptedAfterSweepIsNotReportedAccepted(t *testing.T) {
	h := newHarness(t)
	h.provider.initiate = func(paymentdomain.InitiateRequest) (paymentdomain.InitiateResult, error) {
		expired, err := h.svc.ExpireStale(context.Background(), h.clock.Now().Add(time.Minute), 10)
		if err != nil || expired != 1 {
			t.Errorf("expected sweep to expire the in-flight record, got %d %v", expired, err)
		}
		return acceptWith("ws_CO_S")(paymentdomain.InitiateRequest{})
	}

	resp, err := h.svc.Initiate(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if resp.Accepted {
		t.Fatalf("superseded record must not be reported accepted, got %+v", resp)
	}
	if resp.Donation.Status != paymentdomain.StatusFailed || resp.Donation.CheckoutRequestID != nil {
		t.Fatalf("expected the swept record, got %+v", resp.Donation)
	}
	if resp.Donation.FailureReason == nil || *resp.Donation.FailureReason != paymentdomain.FailureReasonTimeout {
		t.Fatalf("expected timeout reason, got %v", resp.Donation.FailureReason)
	}
}

func TestInitiateTransportError(t *testing.T) {
	h := newHarness(t)
	h.provider.initiate = func(paymentdomain.InitiateRequest) (paymentdomain.InitiateResult, error) {
		return paymentdomain.InitiateResult{}, fmt.Errorf("%w: deadline exceeded", paymentdomain.ErrTransport)
	}

	resp, err := h.svc.Initiate(context.Background(), validRequest())
	if !errors.Is(err, paymentdomain.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if resp.Donation.ID == 0 || resp.Donation.Status != paymentdomain.StatusFailed {
		t.Fatalf("expected failed record in response, got %+v", resp.Donation)
	}
	if *resp.Donation.FailureReason != paymentdomain.FailureReasonTransportError {
		t.Fatalf("expected transport_error, got %s", *resp.Donation.FailureReason)
	}
}

func TestInitiateAuthError(t *testing.T) {
	h := newHarness(t)
	h.provider.initiate = func(paymentdomain.InitiateRequest) (paymentdomain.InitiateResult, error) {
		return paymentdomain.InitiateResult{}, paymentdomain.ErrAuth
	}

	resp, err := h.svc.Initiate(context.Background(), validRequest())
	if !errors.Is(err, paymentdomain.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if *resp.Donation.FailureReason != paymentdomain.FailureReasonAuthError {
		t.Fatalf("expected auth_error, got %s", *resp.Donation.FailureReason)
	}
}

func TestInitiateValidationMakesNoProviderCall(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Initiate(context.Background(), paymentdomain.InitiateDonationRequest{
		Amount:            "5",
		PhoneNumber:       "12345",
		DonorName:         "J",
		DonorEmail:        "not-an-email",
		Program:           "weapons",
		IsRecurring:       true,
		RecurringInterval: "weekly",
	})

	var verrs paymentdomain.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	fields := map[string]string{}
	for _, v := range verrs {
		fields[v.Field] = v.Code()
	}
	want := map[string]string{
		"amount":            "amount_below_minimum",
		"phoneNumber":       "invalid_phone_number",
		"donorName":         "invalid_donor_name",
		"donorEmail":        "invalid_donor_email",
		"program":           "invalid_program",
		"recurringInterval": "invalid_recurring_interval",
	}
	for field, code := range want {
		if fields[field] != code {
			t.Fatalf("expected %s=%s, got %q (all: %v)", field, code, fields[field], fields)
		}
	}
	if !errors.Is(err, paymentdomain.ErrAmountBelowMinimum) {
		t.Fatalf("expected errors.Is to see field errors")
	}
	if initiates, _ := h.provider.counts(); initiates != 0 {
		t.Fatalf("expected no provider call, got %d", initiates)
	}

	var count int64
	h.db.Raw(`SELECT COUNT(*) FROM donations`).Scan(&count)
	if count != 0 {
		t.Fatalf("expected no record on validation failure, got %d", count)
	}
}

func TestInitiateRoundsAmount(t *testing.T) {
	h := newHarness(t)
	h.provider.initiate = acceptWith("ws_CO_round")

	req := validRequest()
	req.Amount = "99.5"
	resp, err := h.svc.Initiate(context.Background(), req)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if resp.Donation.Amount != 100 || h.provider.lastInitiate.Amount != 100 {
		t.Fatalf("expected amount rounded to 100, got %d", resp.Donation.Amount)
	}
}

func TestInitiateInFlightGuard(t *testing.T) {
	h := newHarness(t, func(p *paymentservice.Params) {
		p.Guard = blockingGuard{err: paymentdomain.ErrInitiationInFlight}
	})
	h.provider.initiate = acceptWith("ws_CO_guard")

	_, err := h.svc.Initiate(context.Background(), validRequest())
	if !errors.Is(err, paymentdomain.ErrInitiationInFlight) {
		t.Fatalf("expected ErrInitiationInFlight, got %v", err)
	}
	if initiates, _ := h.provider.counts(); initiates != 0 {
		t.Fatalf("guarded request must not reach provider")
	}
}

func TestDuplicateAndConflictingCallbacksAreNoops(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	donation := h.initiateAccepted(t, "ws_CO_dup")

	if _, err := h.svc.HandleCallback(ctx, successCallback("ws_CO_dup", "RCPT1")); err != nil {
		t.Fatalf("first callback: %v", err)
	}

	again, err := h.svc.HandleCallback(ctx, successCallback("ws_CO_dup", "RCPT1"))
	if err != nil {
		t.Fatalf("duplicate callback: %v", err)
	}
	if again.Applied || again.Reason != paymentdomain.NoopAlreadyTerminal {
		t.Fatalf("expected already_terminal noop, got %+v", again)
	}

	late, err := h.svc.HandleCallback(ctx, failureCallback("ws_CO_dup"))
	if err != nil {
		t.Fatalf("late failure callback: %v", err)
	}
	if late.Applied {
		t.Fatalf("failure after completion must not apply")
	}

	stored, _ := h.svc.GetByID(ctx, donation.ID)
	if stored.Status != paymentdomain.StatusCompleted || stored.Version != 4 {
		t.Fatalf("expected completed at version 4, got %s v%d", stored.Status, stored.Version)
	}
}

func TestCallbackForUnknownCheckout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.HandleCallback(ctx, successCallback("ws_CO_missing", "RCPT"))
	if !errors.Is(err, paymentdomain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	var donations, events int64
	h.db.Raw(`SELECT COUNT(*) FROM donations`).Scan(&donations)
	h.db.Raw(`SELECT COUNT(*) FROM payment_events WHERE outcome = ?`, paymentdomain.EventOutcomeNotFound).Scan(&events)
	if donations != 0 {
		t.Fatalf("unknown callback must not create a record")
	}
	if events != 1 {
		t.Fatalf("expected not_found event to be logged, got %d", events)
	}
}

func TestPollStatusThrottlesAndSettles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	donation := h.initiateAccepted(t, "ws_CO_poll")

	settled := false
	h.provider.query = func(string) (paymentdomain.StatusResult, error) {
		if !settled {
			return paymentdomain.StatusResult{ResultCode: "4999"}, nil
		}
		return paymentdomain.StatusResult{Settled: true, Succeeded: true, ResultCode: "0", ReceiptNumber: "RCPTPOLL"}, nil
	}

	polled, err := h.svc.PollStatus(ctx, "ws_CO_poll")
	if err != nil || polled.Status != paymentdomain.StatusAwaitingConfirmation {
		t.Fatalf("expected pending, got %s err=%v", polled.Status, err)
	}
	if _, err := h.svc.PollStatus(ctx, "ws_CO_poll"); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if _, queries := h.provider.counts(); queries != 1 {
		t.Fatalf("expected throttled second poll, got %d queries", queries)
	}

	settled = true
	h.clock.Advance(3 * time.Second)
	polled, err = h.svc.PollStatus(ctx, "ws_CO_poll")
	if err != nil {
		t.Fatalf("third poll: %v", err)
	}
	if polled.Status != paymentdomain.StatusCompleted || *polled.ReceiptNumber != "RCPTPOLL" {
		t.Fatalf("expected completed via poll, got %+v", polled)
	}

	stored, _ := h.svc.GetByID(ctx, donation.ID)
	if stored.Status != paymentdomain.StatusCompleted {
		t.Fatalf("expected stored completion, got %s", stored.Status)
	}
}

func TestPollStatusProviderErrorStaysPending(t *testing.T) {
	h := newHarness(t)
	h.initiateAccepted(t, "ws_CO_err")
	h.provider.query = func(string) (paymentdomain.StatusResult, error) {
		return paymentdomain.StatusResult{}, paymentdomain.ErrTransport
	}

	polled, err := h.svc.PollStatus(context.Background(), "ws_CO_err")
	if err != nil {
		t.Fatalf("provider failure must not surface, got %v", err)
	}
	if polled.Status != paymentdomain.StatusAwaitingConfirmation {
		t.Fatalf("expected pending, got %s", polled.Status)
	}
}

func TestPollStatusSuccessWithoutReceiptWaits(t *testing.T) {
	h := newHarness(t)
	h.initiateAccepted(t, "ws_CO_norcpt")
	h.provider.query = func(string) (paymentdomain.StatusResult, error) {
		return paymentdomain.StatusResult{Settled: true, Succeeded: true, ResultCode: "0"}, nil
	}

	polled, err := h.svc.PollStatus(context.Background(), "ws_CO_norcpt")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if polled.Status != paymentdomain.StatusAwaitingConfirmation {
		t.Fatalf("expected pending until a receipt arrives, got %s", polled.Status)
	}
}

func TestPollStatusUnknown(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.PollStatus(context.Background(), "ws_CO_nope"); !errors.Is(err, paymentdomain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExpireStaleThenLateCallback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	donation := h.initiateAccepted(t, "ws_CO_late")

	h.clock.Advance(11 * time.Minute)
	expired, err := h.svc.ExpireStale(ctx, h.clock.Now().Add(-10*time.Minute), 50)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired record, got %d", expired)
	}

	late, err := h.svc.HandleCallback(ctx, successCallback("ws_CO_late", "RCPTLATE"))
	if err != nil {
		t.Fatalf("late callback: %v", err)
	}
	if late.Applied {
		t.Fatalf("late success after timeout must be a no-op")
	}

	stored, _ := h.svc.GetByID(ctx, donation.ID)
	if stored.Status != paymentdomain.StatusFailed || *stored.FailureReason != paymentdomain.FailureReasonTimeout {
		t.Fatalf("expected timeout failure, got %s %v", stored.Status, stored.FailureReason)
	}
}

func TestExpireStaleSkipsFreshRecords(t *testing.T) {
	h := newHarness(t)
	h.initiateAccepted(t, "ws_CO_fresh")

	expired, err := h.svc.ExpireStale(context.Background(), h.clock.Now().Add(-10*time.Minute), 50)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 0 {
		t.Fatalf("fresh record must not expire, got %d", expired)
	}
}

func TestHandleProviderTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	donation := h.initiateAccepted(t, "ws_CO_to")

	outcome, err := h.svc.HandleProviderTimeout(ctx, "ws_CO_to")
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if !outcome.Applied || outcome.Donation.Status != paymentdomain.StatusFailed {
		t.Fatalf("expected failed via provider timeout, got %+v", outcome)
	}

	again, err := h.svc.HandleProviderTimeout(ctx, "ws_CO_to")
	if err != nil || again.Applied {
		t.Fatalf("repeat timeout must be a no-op, got %+v err=%v", again, err)
	}

	stored, _ := h.svc.GetByID(ctx, donation.ID)
	if stored.Version != 4 {
		t.Fatalf("expected a single terminal transition, got version %d", stored.Version)
	}
}

func TestReconcilePending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initiateAccepted(t, "ws_CO_rec")
	h.provider.query = func(string) (paymentdomain.StatusResult, error) {
		return paymentdomain.StatusResult{Settled: true, ResultCode: "1037", ResultDescription: "DS timeout user cannot be reached"}, nil
	}

	settled, err := h.svc.ReconcilePending(ctx, h.clock.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if settled != 1 {
		t.Fatalf("expected 1 settled record, got %d", settled)
	}

	settled, err = h.svc.ReconcilePending(ctx, h.clock.Now().Add(time.Second), 10)
	if err != nil || settled != 0 {
		t.Fatalf("expected nothing left to reconcile, got %d err=%v", settled, err)
	}
}

func TestStaleVersionIsRetried(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyRepo{Repository: paymentrepo.Provide()}
	h := newHarness(t, func(p *paymentservice.Params) { p.Repo = flaky })
	h.initiateAccepted(t, "ws_CO_flaky")

	flaky.mu.Lock()
	flaky.lose = 2
	flaky.swapped = 0
	flaky.mu.Unlock()

	outcome, err := h.svc.HandleCallback(ctx, successCallback("ws_CO_flaky", "RCPTF"))
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if !outcome.Applied {
		t.Fatalf("expected transition after retries")
	}
	flaky.mu.Lock()
	defer flaky.mu.Unlock()
	if flaky.swapped != 3 {
		t.Fatalf("expected 3 swap attempts, got %d", flaky.swapped)
	}
}

func TestStaleVersionRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyRepo{Repository: paymentrepo.Provide()}
	h := newHarness(t, func(p *paymentservice.Params) { p.Repo = flaky })
	h.initiateAccepted(t, "ws_CO_exhaust")

	flaky.mu.Lock()
	flaky.lose = 100
	flaky.mu.Unlock()

	_, err := h.svc.HandleCallback(ctx, successCallback("ws_CO_exhaust", "RCPT"))
	if !errors.Is(err, paymentdomain.ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}
}

func TestConcurrentSettlementHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	donation := h.initiateAccepted(t, "ws_CO_race")
	h.clock.Advance(11 * time.Minute)

	const workers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		errs    []error
	)
	record := func(outcome paymentdomain.Outcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return
		}
		if outcome.Applied {
			applied++
		}
	}

	for i := 0; i < workers; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			record(h.svc.HandleCallback(ctx, successCallback("ws_CO_race", "RCPTRACE")))
		}()
		go func() {
			defer wg.Done()
			record(h.svc.HandleCallback(ctx, failureCallback("ws_CO_race")))
		}()
		go func() {
			defer wg.Done()
			n, err := h.svc.ExpireStale(ctx, h.clock.Now().Add(-10*time.Minute), 10)
			record(paymentdomain.Outcome{Applied: n > 0}, err)
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if applied != 1 {
		t.Fatalf("expected exactly one terminal transition, got %d", applied)
	}

	stored, _ := h.svc.GetByID(ctx, donation.ID)
	if !stored.Status.Terminal() || stored.Version != 4 {
		t.Fatalf("expected a single terminal state at version 4, got %s v%d", stored.Status, stored.Version)
	}
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	since := h.clock.Now().Add(-time.Hour)

	h.initiateAccepted(t, "ws_CO_s1")
	if _, err := h.svc.HandleCallback(ctx, successCallback("ws_CO_s1", "R1")); err != nil {
		t.Fatalf("callback: %v", err)
	}
	h.initiateAccepted(t, "ws_CO_s2")
	if _, err := h.svc.HandleCallback(ctx, failureCallback("ws_CO_s2")); err != nil {
		t.Fatalf("callback: %v", err)
	}

	summary, err := h.svc.Summary(ctx, since)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Amount != 100 || summary.Count != 1 || summary.Currency != paymentdomain.CurrencyKES {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(summary.Programs) != 1 || summary.Programs[0].Program != "school-feeding" {
		t.Fatalf("unexpected program totals %+v", summary.Programs)
	}
}
