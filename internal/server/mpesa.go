package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/hungerpay/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
	"go.uber.org/zap"
)

const (
	maxInitiateBodyBytes = 16 << 10
	maxCallbackBodyBytes = 64 << 10
)

// amountInput accepts both 500 and "500" from donation forms.
type amountInput string

func (a *amountInput) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = amountInput(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*a = amountInput(n.String())
	return nil
}

type stkPushRequest struct {
	Amount            amountInput `json:"amount"`
	PhoneNumber       string      `json:"phoneNumber"`
	DonorName         string      `json:"donorName"`
	DonorEmail        string      `json:"donorEmail"`
	Program           string      `json:"program"`
	Message           string      `json:"message"`
	IsAnonymous       bool        `json:"isAnonymous"`
	IsRecurring       bool        `json:"isRecurring"`
	RecurringInterval string      `json:"recurringInterval"`
}

type mpesaFailure struct {
	Success    bool              `json:"success"`
	Message    string            `json:"message"`
	ErrorCode  string            `json:"errorCode,omitempty"`
	DonationID string            `json:"donationId,omitempty"`
	Errors     []ValidationError `json:"errors,omitempty"`
}

var callbackAck = gin.H{"ResultCode": 0, "ResultDesc": "Accepted"}

func (s *Server) InitiateSTKPush(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxInitiateBodyBytes)

	var req stkPushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeMPesaError(c, invalidRequestError(), "")
		return
	}

	resp, err := s.paymentSvc.Initiate(c.Request.Context(), paymentdomain.InitiateDonationRequest{
		Amount:            string(req.Amount),
		PhoneNumber:       req.PhoneNumber,
		DonorName:         req.DonorName,
		DonorEmail:        req.DonorEmail,
		Program:           req.Program,
		Message:           req.Message,
		IsAnonymous:       req.IsAnonymous,
		IsRecurring:       req.IsRecurring,
		RecurringInterval: req.RecurringInterval,
	})
	if err != nil {
		s.writeMPesaError(c, err, donationIDOf(resp.Donation))
		return
	}

	if !resp.Accepted {
		message := strings.TrimSpace(resp.RejectionReason)
		if message == "" {
			message = "payment request was not accepted"
		}
		c.JSON(http.StatusBadRequest, mpesaFailure{
			Success:    false,
			Message:    message,
			ErrorCode:  resp.RejectionCode,
			DonationID: donationIDOf(resp.Donation),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"checkoutRequestID": resp.Donation.CheckoutID(),
		"customerMessage":   resp.CustomerMessage,
		"donationId":        resp.Donation.ID.String(),
		"message":           "Payment request sent. Check your phone to enter your M-Pesa PIN.",
	})
}

func (s *Server) GetPaymentStatus(c *gin.Context) {
	checkoutRequestID := strings.TrimSpace(c.Param("checkoutRequestID"))
	if checkoutRequestID == "" {
		s.writeMPesaError(c, invalidRequestError(), "")
		return
	}

	donation, err := s.paymentSvc.PollStatus(c.Request.Context(), checkoutRequestID)
	if err != nil {
		s.writeMPesaError(c, err, "")
		return
	}

	donationCfg := s.donationCfg.Get()
	body := gin.H{
		"success":               true,
		"status":                donation.Status.Display(),
		"amount":                donation.Amount,
		"phoneNumber":           paymentdomain.MaskPhone(donation.PhoneNumber),
		"donationId":            donation.ID.String(),
		"poll_interval_seconds": donationCfg.PollIntervalSeconds,
		"max_poll_attempts":     donationCfg.MaxPollAttempts,
	}
	switch donation.Status {
	case paymentdomain.StatusCompleted:
		if donation.ReceiptNumber != nil {
			body["transactionID"] = *donation.ReceiptNumber
		}
	case paymentdomain.StatusFailed:
		body["errorMessage"] = failureMessage(donation)
	}

	c.JSON(http.StatusOK, body)
}

func (s *Server) HandleCallback(c *gin.Context) {
	payload := s.readProviderPayload(c)
	result := s.webhooks.IngestCallback(c.Request.Context(), payload)
	c.Set("webhook_result", string(result))
	c.JSON(http.StatusOK, callbackAck)
}

func (s *Server) HandleTimeout(c *gin.Context) {
	payload := s.readProviderPayload(c)
	result := s.webhooks.IngestTimeout(c.Request.Context(), payload)
	c.Set("webhook_result", string(result))
	c.JSON(http.StatusOK, callbackAck)
}

func (s *Server) TestConnection(c *gin.Context) {
	if err := s.pinger.Ping(c.Request.Context()); err != nil {
		s.writeMPesaError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "M-Pesa connection successful",
	})
}

// readProviderPayload never fails the request; an unreadable body is handed
// on as-is and classified as malformed downstream.
func (s *Server) readProviderPayload(c *gin.Context) []byte {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBodyBytes))
	if err != nil {
		logger.WithContext(c.Request.Context(), s.log).Warn("payment.callback.read_failed",
			zap.String("route", c.FullPath()),
			zap.Error(err),
		)
	}
	return payload
}

// writeMPesaError keeps the {success:false} shape the donation form expects
// while still recording the error for request logging.
func (s *Server) writeMPesaError(c *gin.Context, err error, donationID string) {
	_ = c.Error(err)
	status, payload := mapError(err)

	body := mpesaFailure{
		Success:    false,
		Message:    payload.Message,
		DonationID: donationID,
		Errors:     payload.Errors,
	}
	switch {
	case len(payload.Errors) > 0:
		body.Message = "validation failed"
	case status == http.StatusNotFound:
		body.Message = "payment not found"
	case errors.Is(err, paymentdomain.ErrAuth):
		body.ErrorCode = paymentdomain.ErrAuth.Error()
	case errors.Is(err, paymentdomain.ErrTransport):
		body.ErrorCode = paymentdomain.ErrTransport.Error()
	default:
		body.ErrorCode = payload.Type
	}

	c.AbortWithStatusJSON(status, body)
}

func failureMessage(donation paymentdomain.Donation) string {
	if donation.ResultDescription != nil && strings.TrimSpace(*donation.ResultDescription) != "" {
		return *donation.ResultDescription
	}
	if donation.FailureReason != nil && *donation.FailureReason == paymentdomain.FailureReasonTimeout {
		return "payment was not confirmed in time"
	}
	return "payment failed"
}

func donationIDOf(donation paymentdomain.Donation) string {
	if donation.ID == 0 {
		return ""
	}
	return donation.ID.String()
}
