package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hungerpay/internal/clock"
	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
	"github.com/smallbiznis/hungerpay/internal/payment/mpesa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubProvider struct{ paymentdomain.ProviderClient }

func (stubProvider) DecodeCallback(raw []byte) (paymentdomain.CallbackResult, error) {
	return mpesa.DecodeCallback(raw)
}

type eventRepo struct {
	paymentdomain.Repository
	mu     sync.Mutex
	events []paymentdomain.EventRecord
}

func (r *eventRepo) InsertEvent(_ context.Context, _ *gorm.DB, event *paymentdomain.EventRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

type stubPaymentService struct {
	paymentdomain.Service
	callbackOutcome paymentdomain.Outcome
	callbackErr     error
	callbacks       []paymentdomain.CallbackResult
	timeouts        []string
}

func (s *stubPaymentService) HandleCallback(_ context.Context, cb paymentdomain.CallbackResult) (paymentdomain.Outcome, error) {
	s.callbacks = append(s.callbacks, cb)
	return s.callbackOutcome, s.callbackErr
}

func (s *stubPaymentService) HandleProviderTimeout(_ context.Context, checkoutID string) (paymentdomain.Outcome, error) {
	s.timeouts = append(s.timeouts, checkoutID)
	return s.callbackOutcome, s.callbackErr
}

func newTestService(t *testing.T, svc *stubPaymentService) (*Service, *eventRepo) {
	t.Helper()
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	repo := &eventRepo{}
	return NewService(Params{
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clock.NewFakeClock(time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)),
		Repo:       repo,
		Provider:   stubProvider{},
		PaymentSvc: svc,
	}), repo
}

const successPayload = `{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"ok","CallbackMetadata":{"Item":[{"Name":"MpesaReceiptNumber","Value":"RCPT1"},{"Name":"Amount","Value":100}]}}}}`

func TestIngestCallbackApplied(t *testing.T) {
	payment := &stubPaymentService{callbackOutcome: paymentdomain.Outcome{Applied: true}}
	svc, _ := newTestService(t, payment)

	result := svc.IngestCallback(context.Background(), []byte(successPayload))
	assert.Equal(t, ResultApplied, result)
	require.Len(t, payment.callbacks, 1)
	assert.Equal(t, "ws_CO_1", payment.callbacks[0].CheckoutRequestID)
	assert.Equal(t, "RCPT1", payment.callbacks[0].ReceiptNumber)
}

func TestIngestCallbackClassifiesFailures(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		out    paymentdomain.Outcome
		expect Result
	}{
		{name: "unknown", err: fmt.Errorf("%w: ws_CO_1", paymentdomain.ErrNotFound), expect: ResultUnknownCheckout},
		{name: "processing", err: errors.New("db down"), expect: ResultProcessingFailed},
		{name: "duplicate", out: paymentdomain.Outcome{Reason: paymentdomain.NoopAlreadyTerminal}, expect: ResultIgnored},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _ := newTestService(t, &stubPaymentService{callbackOutcome: tc.out, callbackErr: tc.err})
			assert.Equal(t, tc.expect, svc.IngestCallback(context.Background(), []byte(successPayload)))
		})
	}
}

func TestIngestCallbackMalformedIsRecorded(t *testing.T) {
	payment := &stubPaymentService{}
	svc, repo := newTestService(t, payment)

	result := svc.IngestCallback(context.Background(), []byte("not json at all"))
	assert.Equal(t, ResultMalformed, result)
	assert.Empty(t, payment.callbacks)

	require.Len(t, repo.events, 1)
	assert.Equal(t, paymentdomain.EventOutcomeMalformed, repo.events[0].Outcome)
	assert.JSONEq(t, `{"raw":"not json at all"}`, string(repo.events[0].Payload))
}

func TestIngestTimeout(t *testing.T) {
	payment := &stubPaymentService{callbackOutcome: paymentdomain.Outcome{Applied: true}}
	svc, _ := newTestService(t, payment)

	result := svc.IngestTimeout(context.Background(), []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_7"}}}`))
	assert.Equal(t, ResultApplied, result)
	assert.Equal(t, []string{"ws_CO_7"}, payment.timeouts)

	assert.Equal(t, ResultMalformed, svc.IngestTimeout(context.Background(), []byte(`{}`)))
}
