package mpesa

import (
	"errors"
	"testing"

	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
)

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 1.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

const cancelledCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 1032,
      "ResultDesc": "Request cancelled by user."
    }
  }
}`

func TestDecodeCallbackSuccess(t *testing.T) {
	cb, err := DecodeCallback([]byte(successCallback))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cb.Succeeded || cb.ReceiptNumber != "NLJ7RT61SV" {
		t.Fatalf("expected success with receipt, got %+v", cb)
	}
	if cb.CheckoutRequestID != "ws_CO_191220191020363925" || cb.ResultCode != "0" {
		t.Fatalf("unexpected identifiers %+v", cb)
	}
	if cb.Amount != 1 || cb.PhoneNumber != "254708374149" || cb.TransactionDate != "20191219102115" {
		t.Fatalf("unexpected metadata %+v", cb)
	}
}

func TestDecodeCallbackFailure(t *testing.T) {
	cb, err := DecodeCallback([]byte(cancelledCallback))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.Succeeded || cb.ResultCode != "1032" || cb.ReceiptNumber != "" {
		t.Fatalf("expected failure, got %+v", cb)
	}
}

func TestDecodeCallbackMalformed(t *testing.T) {
	payloads := map[string]string{
		"not_json":        `{"Body":`,
		"no_body":         `{"foo":"bar"}`,
		"no_stk":          `{"Body":{}}`,
		"no_checkout":     `{"Body":{"stkCallback":{"ResultCode":0}}}`,
		"no_result_code":  `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1"}}}`,
		"success_no_rcpt": `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":0}}}`,
		"empty":           ``,
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeCallback([]byte(payload)); !errors.Is(err, paymentdomain.ErrMalformedCallback) {
				t.Fatalf("expected ErrMalformedCallback, got %v", err)
			}
		})
	}
}

func TestDecodeTimeoutNotice(t *testing.T) {
	id, err := DecodeTimeoutNotice([]byte(`{"Body":{"stkCallback":{"CheckoutRequestID":" ws_CO_9 "}}}`))
	if err != nil || id != "ws_CO_9" {
		t.Fatalf("expected ws_CO_9, got %q err=%v", id, err)
	}
	if _, err := DecodeTimeoutNotice([]byte(`{"Body":{}}`)); !errors.Is(err, paymentdomain.ErrMalformedCallback) {
		t.Fatalf("expected ErrMalformedCallback, got %v", err)
	}
}
