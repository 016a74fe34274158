package domain

import (
	"errors"
	"strings"
)

var (
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrAmountBelowMinimum    = errors.New("amount_below_minimum")
	ErrAmountAboveMaximum    = errors.New("amount_above_maximum")
	ErrInvalidPhoneNumber    = errors.New("invalid_phone_number")
	ErrInvalidDonorName      = errors.New("invalid_donor_name")
	ErrInvalidDonorEmail     = errors.New("invalid_donor_email")
	ErrInvalidProgram        = errors.New("invalid_program")
	ErrInvalidMessage        = errors.New("invalid_message")
	ErrInvalidRecurrence     = errors.New("invalid_recurring_interval")
	ErrAuth                  = errors.New("provider_auth_error")
	ErrTransport             = errors.New("provider_transport_error")
	ErrMalformedCallback     = errors.New("malformed_callback")
	ErrNotFound              = errors.New("payment_not_found")
	ErrStaleVersion          = errors.New("stale_version")
	ErrInvalidTransition     = errors.New("invalid_transition")
	ErrInitiationInFlight    = errors.New("initiation_in_flight")
	ErrInitiationRateLimited = errors.New("initiation_rate_limited")
)

// ValidationError ties a rejected input to the field it came from.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Code is the machine-readable reason, e.g. "amount_below_minimum".
func (e *ValidationError) Code() string {
	return e.Err.Error()
}

// ValidationErrors collects every invalid field of one request.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, err := range v {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}

func (v ValidationErrors) Unwrap() []error {
	out := make([]error, 0, len(v))
	for _, err := range v {
		out = append(out, err)
	}
	return out
}

// IsValidationError reports whether err carries at least one field error.
func IsValidationError(err error) bool {
	var fieldErr *ValidationError
	return errors.As(err, &fieldErr)
}
