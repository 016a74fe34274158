package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if fieldErrs := domainValidationErrors(err); len(fieldErrs) > 0 {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  fieldErrs,
		}
	}

	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{Field: "request", Code: "invalid_request", Message: "invalid request"},
			},
		}
	case errors.Is(err, paymentdomain.ErrInitiationRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many payment requests for this phone number, try again shortly",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, paymentdomain.ErrInitiationInFlight):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "a payment request for this phone number is already in progress",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, paymentdomain.ErrAuth),
		errors.Is(err, paymentdomain.ErrTransport):
		return http.StatusBadGateway, errorPayload{
			Type:    "provider_unavailable",
			Message: "payment provider unavailable",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, paymentdomain.ErrStaleVersion):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger; codes are the sentinel text.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	for _, sentinel := range []error{
		paymentdomain.ErrAuth,
		paymentdomain.ErrTransport,
		paymentdomain.ErrNotFound,
		paymentdomain.ErrInitiationInFlight,
		paymentdomain.ErrInitiationRateLimited,
		paymentdomain.ErrStaleVersion,
	} {
		if errors.Is(err, sentinel) {
			code = sentinel.Error()
			break
		}
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func domainValidationErrors(err error) []ValidationError {
	var all paymentdomain.ValidationErrors
	if !errors.As(err, &all) {
		var single *paymentdomain.ValidationError
		if !errors.As(err, &single) {
			return nil
		}
		all = paymentdomain.ValidationErrors{single}
	}

	out := make([]ValidationError, 0, len(all))
	for _, fieldErr := range all {
		out = append(out, ValidationError{
			Field:   fieldErr.Field,
			Code:    fieldErr.Code(),
			Message: validationErrorMessage(fieldErr.Code()),
		})
	}
	return out
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, paymentdomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorMessage(code string) string {
	switch code {
	case paymentdomain.ErrInvalidAmount.Error():
		return "amount must be a number"
	case paymentdomain.ErrAmountBelowMinimum.Error():
		return "amount is below the minimum donation"
	case paymentdomain.ErrAmountAboveMaximum.Error():
		return "amount exceeds the maximum donation"
	case paymentdomain.ErrInvalidPhoneNumber.Error():
		return "phone number must be a valid Kenyan mobile number"
	case paymentdomain.ErrInvalidDonorName.Error():
		return "donor name must be between 2 and 100 characters"
	case paymentdomain.ErrInvalidDonorEmail.Error():
		return "donor email is not a valid address"
	case paymentdomain.ErrInvalidProgram.Error():
		return "program is not one of the supported programs"
	case paymentdomain.ErrInvalidMessage.Error():
		return "message must be at most 500 characters"
	case paymentdomain.ErrInvalidRecurrence.Error():
		return "recurring interval must be monthly, quarterly or yearly"
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
