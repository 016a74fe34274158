package mpesa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
	"go.uber.org/zap"
)

const (
	transactionTypePayBill = "CustomerPayBillOnline"

	responseCodeAccepted = "0"
	resultCodeSuccess    = "0"
	// Returned by the query API while the subscriber has not yet responded.
	errorCodeStillProcessing = "500.001.1001"
	resultCodeStillPending   = "4999"
)

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string     `json:"MerchantRequestID"`
	CheckoutRequestID   string     `json:"CheckoutRequestID"`
	ResponseCode        flexString `json:"ResponseCode"`
	ResponseDescription string     `json:"ResponseDescription"`
	CustomerMessage     string     `json:"CustomerMessage"`

	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        flexString `json:"ResponseCode"`
	ResponseDescription string     `json:"ResponseDescription"`
	MerchantRequestID   string     `json:"MerchantRequestID"`
	CheckoutRequestID   string     `json:"CheckoutRequestID"`
	ResultCode          flexString `json:"ResultCode"`
	ResultDesc          string     `json:"ResultDesc"`
	MpesaReceiptNumber  string     `json:"MpesaReceiptNumber"`

	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// InitiatePayment sends an STK push prompt to the donor's handset.
func (c *Client) InitiatePayment(ctx context.Context, in paymentdomain.InitiateRequest) (paymentdomain.InitiateResult, error) {
	var result paymentdomain.InitiateResult

	err := c.withToken(ctx, "stk_push", func(token string) error {
		timestamp := c.timestamp()
		status, raw, err := c.postJSON(ctx, "stk_push", stkPushPath, token, stkPushRequest{
			BusinessShortCode: c.cfg.ShortCode,
			Password:          c.password(timestamp),
			Timestamp:         timestamp,
			TransactionType:   transactionTypePayBill,
			Amount:            in.Amount,
			PartyA:            in.PhoneNumber,
			PartyB:            c.cfg.ShortCode,
			PhoneNumber:       in.PhoneNumber,
			CallBackURL:       c.cfg.CallbackURL,
			AccountReference:  in.AccountReference,
			TransactionDesc:   in.Description,
		})
		if err != nil {
			return err
		}

		var out stkPushResponse
		if decodeErr := json.Unmarshal(raw, &out); decodeErr != nil {
			return fmt.Errorf("%w: stk push status %d with unreadable body", paymentdomain.ErrTransport, status)
		}

		switch {
		case out.ErrorCode != "":
			result = paymentdomain.InitiateResult{
				RejectionCode:   out.ErrorCode,
				RejectionReason: out.ErrorMessage,
			}
		case status >= http.StatusInternalServerError:
			return fmt.Errorf("%w: stk push status %d", paymentdomain.ErrTransport, status)
		case status >= http.StatusBadRequest:
			result = paymentdomain.InitiateResult{
				RejectionCode:   strconv.Itoa(status),
				RejectionReason: out.ResponseDescription,
			}
		case out.ResponseCode.String() == responseCodeAccepted && strings.TrimSpace(out.CheckoutRequestID) != "":
			result = paymentdomain.InitiateResult{
				Accepted:          true,
				CheckoutRequestID: strings.TrimSpace(out.CheckoutRequestID),
				MerchantRequestID: strings.TrimSpace(out.MerchantRequestID),
				CustomerMessage:   out.CustomerMessage,
			}
		default:
			result = paymentdomain.InitiateResult{
				RejectionCode:   out.ResponseCode.String(),
				RejectionReason: out.ResponseDescription,
			}
		}
		return nil
	})
	if err != nil {
		return paymentdomain.InitiateResult{}, err
	}

	if !result.Accepted {
		c.log.Info("stk push rejected",
			zap.String("rejection_code", result.RejectionCode),
			zap.String("rejection_reason", result.RejectionReason),
		)
	}
	return result, nil
}

// QueryStatus asks the provider whether a prompt has settled. Anything short
// of a definitive result code is reported as not settled.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (paymentdomain.StatusResult, error) {
	checkoutRequestID = strings.TrimSpace(checkoutRequestID)
	if checkoutRequestID == "" {
		return paymentdomain.StatusResult{}, errors.New("checkout request id is required")
	}

	var result paymentdomain.StatusResult
	err := c.withToken(ctx, "stk_query", func(token string) error {
		timestamp := c.timestamp()
		status, raw, err := c.postJSON(ctx, "stk_query", stkQueryPath, token, stkQueryRequest{
			BusinessShortCode: c.cfg.ShortCode,
			Password:          c.password(timestamp),
			Timestamp:         timestamp,
			CheckoutRequestID: checkoutRequestID,
		})
		if err != nil {
			return err
		}

		var out stkQueryResponse
		if decodeErr := json.Unmarshal(raw, &out); decodeErr != nil {
			return fmt.Errorf("%w: stk query status %d with unreadable body", paymentdomain.ErrTransport, status)
		}

		if out.ErrorCode != "" {
			result = paymentdomain.StatusResult{
				ResultCode:        out.ErrorCode,
				ResultDescription: out.ErrorMessage,
			}
			if out.ErrorCode != errorCodeStillProcessing {
				c.log.Warn("stk query returned provider error",
					zap.String("checkout_request_id", checkoutRequestID),
					zap.String("error_code", out.ErrorCode),
					zap.String("error_message", out.ErrorMessage),
				)
			}
			return nil
		}
		if status >= http.StatusInternalServerError {
			return fmt.Errorf("%w: stk query status %d", paymentdomain.ErrTransport, status)
		}

		code := out.ResultCode.String()
		result = paymentdomain.StatusResult{
			ResultCode:        code,
			ResultDescription: out.ResultDesc,
		}
		switch code {
		case "", resultCodeStillPending:
			// not settled
		case resultCodeSuccess:
			result.Settled = true
			result.Succeeded = true
			result.ReceiptNumber = strings.TrimSpace(out.MpesaReceiptNumber)
		default:
			result.Settled = true
		}
		return nil
	})
	if err != nil {
		return paymentdomain.StatusResult{}, err
	}
	return result, nil
}
