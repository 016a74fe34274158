package mpesa

import (
	"errors"
	"strings"
	"testing"

	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
)

func TestNormalizePhoneEquivalentForms(t *testing.T) {
	forms := []string{
		"0712345678",
		"254712345678",
		"+254 712 345 678",
		"712345678",
		"(0712) 345-678",
	}
	for _, form := range forms {
		got, err := NormalizePhone(form)
		if err != nil {
			t.Fatalf("%q: unexpected error %v", form, err)
		}
		if got != "254712345678" {
			t.Fatalf("%q: expected 254712345678, got %s", form, got)
		}
	}
}

func TestNormalizePhoneRejectsUnknownForms(t *testing.T) {
	for _, form := range []string{"", "12345", "1712345678", "07123456789", "2547123456", "phone"} {
		if _, err := NormalizePhone(form); !errors.Is(err, paymentdomain.ErrInvalidPhoneNumber) {
			t.Fatalf("%q: expected ErrInvalidPhoneNumber, got %v", form, err)
		}
	}
}

func TestValidateAmount(t *testing.T) {
	cases := []struct {
		raw  string
		want int64
		err  error
	}{
		{raw: "100", want: 100},
		{raw: "10", want: 10},
		{raw: "150000", want: 150000},
		{raw: "99.5", want: 100},
		{raw: "99.49", want: 99},
		{raw: " 250 ", want: 250},
		{raw: "9.99", err: paymentdomain.ErrAmountBelowMinimum},
		{raw: "150000.01", err: paymentdomain.ErrAmountAboveMaximum},
		{raw: "0", err: paymentdomain.ErrInvalidAmount},
		{raw: "-20", err: paymentdomain.ErrInvalidAmount},
		{raw: "ten", err: paymentdomain.ErrInvalidAmount},
		{raw: "", err: paymentdomain.ErrInvalidAmount},
		{raw: "1e2", want: 100},
		{raw: "1e40000000", err: paymentdomain.ErrInvalidAmount},
		{raw: "1e-40000000", err: paymentdomain.ErrInvalidAmount},
		{raw: "100" + strings.Repeat("0", 80), err: paymentdomain.ErrInvalidAmount},
	}
	for _, tc := range cases {
		got, err := ValidateAmount(tc.raw, 10, 150000)
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Fatalf("%q: expected %v, got %v", tc.raw, tc.err, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%q: expected %d, got %d", tc.raw, tc.want, got)
		}
	}
}

func TestAccountReference(t *testing.T) {
	got := AccountReference("Wanjiru O'Brien-Kamau", "1893427565349847040")
	if got != "WANJIRUOBR49847040" {
		t.Fatalf("unexpected reference %q", got)
	}
	if again := AccountReference("Wanjiru O'Brien-Kamau", "1893427565349847040"); again != got {
		t.Fatalf("reference must be deterministic")
	}
	if got := AccountReference("Zoë", "42"); got != "ZO42" {
		t.Fatalf("expected non-ascii letters dropped, got %q", got)
	}
}
