package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusCreated              Status = "created"
	StatusInitiating           Status = "initiating"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
)

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Display collapses the internal lifecycle into what donors are shown.
func (s Status) Display() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

const (
	FailureReasonRejected       = "rejected"
	FailureReasonProviderFailed = "provider_failed"
	FailureReasonTransportError = "transport_error"
	FailureReasonAuthError      = "auth_error"
	FailureReasonTimeout        = "timeout"
)

const CurrencyKES = "KES"

// Donation is the payment record reconciled against the provider.
type Donation struct {
	ID                snowflake.ID `json:"id" gorm:"primaryKey"`
	CheckoutRequestID *string      `json:"checkout_request_id,omitempty" gorm:"type:varchar(64);uniqueIndex"`
	MerchantRequestID *string      `json:"merchant_request_id,omitempty" gorm:"type:text"`
	Amount            int64        `json:"amount" gorm:"not null"`
	Currency          string       `json:"currency" gorm:"type:text;not null"`
	PhoneNumber       string       `json:"phone_number" gorm:"type:text;not null"`
	AccountReference  string       `json:"account_reference" gorm:"type:text;not null"`
	Status            Status       `json:"status" gorm:"type:varchar(32);not null;index:idx_donations_status_transition,priority:1"`
	ReceiptNumber     *string      `json:"receipt_number,omitempty" gorm:"type:text"`
	ResultCode        *string      `json:"result_code,omitempty" gorm:"type:text"`
	ResultDescription *string      `json:"result_description,omitempty" gorm:"type:text"`
	FailureReason     *string      `json:"failure_reason,omitempty" gorm:"type:text"`

	DonorName         string `json:"donor_name" gorm:"type:text;not null"`
	DonorEmail        string `json:"donor_email" gorm:"type:text;not null"`
	Program           string `json:"program" gorm:"type:text;not null"`
	Message           string `json:"message,omitempty" gorm:"type:text"`
	IsAnonymous       bool   `json:"is_anonymous" gorm:"not null;default:false"`
	IsRecurring       bool   `json:"is_recurring" gorm:"not null;default:false"`
	RecurringInterval string `json:"recurring_interval,omitempty" gorm:"type:text"`

	Version          int64      `json:"version" gorm:"not null"`
	CreatedAt        time.Time  `json:"created_at" gorm:"not null"`
	LastTransitionAt time.Time  `json:"last_transition_at" gorm:"not null;index:idx_donations_status_transition,priority:2"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

func (Donation) TableName() string { return "donations" }

// CheckoutID returns the provider correlation key or an empty string.
func (d Donation) CheckoutID() string {
	if d.CheckoutRequestID == nil {
		return ""
	}
	return *d.CheckoutRequestID
}

const (
	EventSourceInitiation      = "initiation"
	EventSourceCallback        = "callback"
	EventSourcePoll            = "poll"
	EventSourceSweep           = "sweep"
	EventSourceProviderTimeout = "provider_timeout"
)

const (
	EventOutcomeApplied   = "applied"
	EventOutcomeIgnored   = "ignored"
	EventOutcomeNotFound  = "not_found"
	EventOutcomeMalformed = "malformed"
	EventOutcomeError     = "error"
)

// EventRecord is an append-only audit row for every provider signal.
type EventRecord struct {
	ID                snowflake.ID   `json:"id" gorm:"primaryKey"`
	DonationID        *snowflake.ID  `json:"donation_id,omitempty" gorm:"index"`
	CheckoutRequestID string         `json:"checkout_request_id" gorm:"type:varchar(64);not null;index"`
	Source            string         `json:"source" gorm:"type:text;not null"`
	Outcome           string         `json:"outcome" gorm:"type:text;not null"`
	ResultCode        string         `json:"result_code" gorm:"type:text"`
	Payload           datatypes.JSON `json:"payload"`
	ReceivedAt        time.Time      `json:"received_at" gorm:"not null"`
}

func (EventRecord) TableName() string { return "payment_events" }

// ProgramTotal aggregates completed donations for one program.
type ProgramTotal struct {
	Program string `json:"program"`
	Amount  int64  `json:"amount"`
	Count   int64  `json:"count"`
}

type Summary struct {
	Since    time.Time      `json:"since"`
	Currency string         `json:"currency"`
	Amount   int64          `json:"amount"`
	Count    int64          `json:"count"`
	Programs []ProgramTotal `json:"programs"`
}
