package mpesa

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
)

type callbackEnvelope struct {
	Body *struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string      `json:"MerchantRequestID"`
	CheckoutRequestID string      `json:"CheckoutRequestID"`
	ResultCode        *flexString `json:"ResultCode"`
	ResultDesc        string      `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []callbackItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type callbackItem struct {
	Name  string     `json:"Name"`
	Value flexString `json:"Value"`
}

// DecodeCallback parses a Daraja STK callback body. It performs no I/O.
func (c *Client) DecodeCallback(raw []byte) (paymentdomain.CallbackResult, error) {
	return DecodeCallback(raw)
}

func DecodeCallback(raw []byte) (paymentdomain.CallbackResult, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return paymentdomain.CallbackResult{}, fmt.Errorf("%w: %v", paymentdomain.ErrMalformedCallback, err)
	}
	if env.Body == nil || env.Body.StkCallback == nil {
		return paymentdomain.CallbackResult{}, fmt.Errorf("%w: missing Body.stkCallback", paymentdomain.ErrMalformedCallback)
	}

	cb := env.Body.StkCallback
	checkoutID := strings.TrimSpace(cb.CheckoutRequestID)
	if checkoutID == "" {
		return paymentdomain.CallbackResult{}, fmt.Errorf("%w: missing CheckoutRequestID", paymentdomain.ErrMalformedCallback)
	}
	if cb.ResultCode == nil || cb.ResultCode.String() == "" {
		return paymentdomain.CallbackResult{}, fmt.Errorf("%w: missing ResultCode", paymentdomain.ErrMalformedCallback)
	}

	out := paymentdomain.CallbackResult{
		CheckoutRequestID: checkoutID,
		MerchantRequestID: strings.TrimSpace(cb.MerchantRequestID),
		ResultCode:        cb.ResultCode.String(),
		ResultDescription: strings.TrimSpace(cb.ResultDesc),
		Succeeded:         cb.ResultCode.String() == resultCodeSuccess,
	}

	if cb.CallbackMetadata != nil {
		for _, item := range cb.CallbackMetadata.Item {
			value := item.Value.String()
			switch item.Name {
			case "MpesaReceiptNumber":
				out.ReceiptNumber = value
			case "Amount":
				if amount, err := decimal.NewFromString(value); err == nil {
					out.Amount = amount.Round(0).IntPart()
				}
			case "PhoneNumber", "MSISDN":
				out.PhoneNumber = value
			case "TransactionDate":
				out.TransactionDate = value
			}
		}
	}

	if out.Succeeded && out.ReceiptNumber == "" {
		return paymentdomain.CallbackResult{}, fmt.Errorf("%w: success without MpesaReceiptNumber", paymentdomain.ErrMalformedCallback)
	}
	return out, nil
}

// DecodeTimeoutNotice extracts the checkout request id from a timeout URL
// notification, which reuses the callback envelope without a result.
func DecodeTimeoutNotice(raw []byte) (string, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", paymentdomain.ErrMalformedCallback, err)
	}
	if env.Body == nil || env.Body.StkCallback == nil {
		return "", fmt.Errorf("%w: missing Body.stkCallback", paymentdomain.ErrMalformedCallback)
	}
	checkoutID := strings.TrimSpace(env.Body.StkCallback.CheckoutRequestID)
	if checkoutID == "" {
		return "", fmt.Errorf("%w: missing CheckoutRequestID", paymentdomain.ErrMalformedCallback)
	}
	return checkoutID, nil
}
