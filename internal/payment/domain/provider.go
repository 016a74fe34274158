package domain

import "context"

type InitiateRequest struct {
	PhoneNumber      string
	Amount           int64
	AccountReference string
	Description      string
}

// InitiateResult is the synchronous provider response. Accepted=false with a
// nil error is a business rejection; transport problems are returned as errors.
type InitiateResult struct {
	Accepted          bool
	CheckoutRequestID string
	MerchantRequestID string
	CustomerMessage   string
	RejectionCode     string
	RejectionReason   string
}

type StatusResult struct {
	Settled           bool
	Succeeded         bool
	ReceiptNumber     string
	ResultCode        string
	ResultDescription string
}

type CallbackResult struct {
	CheckoutRequestID string
	MerchantRequestID string
	Succeeded         bool
	ResultCode        string
	ResultDescription string
	ReceiptNumber     string
	Amount            int64
	PhoneNumber       string
	TransactionDate   string
}

// ProviderClient talks to the mobile-money provider. Implementations must
// bound every call in time and never cache tokens beyond one operation.
type ProviderClient interface {
	RequestAccessToken(ctx context.Context) (string, error)
	InitiatePayment(ctx context.Context, req InitiateRequest) (InitiateResult, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (StatusResult, error)
	DecodeCallback(raw []byte) (CallbackResult, error)
}
