package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type InitiateDonationRequest struct {
	Amount            string
	PhoneNumber       string
	DonorName         string
	DonorEmail        string
	Program           string
	Message           string
	IsAnonymous       bool
	IsRecurring       bool
	RecurringInterval string
}

type InitiateDonationResponse struct {
	Donation        Donation
	Accepted        bool
	CustomerMessage string
	RejectionCode   string
	RejectionReason string
}

// Outcome describes what a single inbound signal did to a record.
type Outcome struct {
	Applied  bool
	Reason   string
	From     Status
	Donation Donation
}

type Service interface {
	Initiate(ctx context.Context, req InitiateDonationRequest) (InitiateDonationResponse, error)
	HandleCallback(ctx context.Context, cb CallbackResult) (Outcome, error)
	HandleProviderTimeout(ctx context.Context, checkoutRequestID string) (Outcome, error)
	PollStatus(ctx context.Context, checkoutRequestID string) (Donation, error)
	ExpireStale(ctx context.Context, before time.Time, limit int) (int, error)
	ReconcilePending(ctx context.Context, before time.Time, limit int) (int, error)
	GetByID(ctx context.Context, id snowflake.ID) (Donation, error)
	Summary(ctx context.Context, since time.Time) (Summary, error)
}

// InitiationGuard keeps a single STK prompt in flight per phone number.
type InitiationGuard interface {
	Acquire(ctx context.Context, phoneNumber string) (release func(), err error)
}

// Notifier is told about donations that reached completed. Failures are
// logged by the caller and never affect the record.
type Notifier interface {
	DonationCompleted(ctx context.Context, donation Donation) error
}
