package mpesa

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
)

const (
	countryPrefix        = "254"
	canonicalPhoneLength = 12

	referenceNameLimit = 10
	referenceIDLimit   = 8

	// comparisons rescale to a common exponent, so it has to stay small.
	maxAmountExponent = 18
	maxAmountLength   = 64
)

// NormalizePhone converts any accepted Kenyan phone format to 2547XXXXXXXX.
func NormalizePhone(raw string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	var canonical string
	switch {
	case strings.HasPrefix(digits, countryPrefix):
		canonical = digits
	case strings.HasPrefix(digits, "0"):
		canonical = countryPrefix + digits[1:]
	case len(digits) == 9:
		canonical = countryPrefix + digits
	default:
		return "", paymentdomain.ErrInvalidPhoneNumber
	}

	if len(canonical) != canonicalPhoneLength {
		return "", paymentdomain.ErrInvalidPhoneNumber
	}
	return canonical, nil
}

// ValidateAmount parses a decimal amount, enforces [min, max] on the value as
// given, then rounds half away from zero to whole shillings.
func ValidateAmount(raw string, min, max int64) (int64, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) > maxAmountLength {
		return 0, paymentdomain.ErrInvalidAmount
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, paymentdomain.ErrInvalidAmount
	}
	if exp := value.Exponent(); exp > maxAmountExponent || exp < -maxAmountExponent {
		return 0, paymentdomain.ErrInvalidAmount
	}
	if !value.IsPositive() {
		return 0, paymentdomain.ErrInvalidAmount
	}
	if value.LessThan(decimal.NewFromInt(min)) {
		return 0, paymentdomain.ErrAmountBelowMinimum
	}
	if value.GreaterThan(decimal.NewFromInt(max)) {
		return 0, paymentdomain.ErrAmountAboveMaximum
	}
	return value.Round(0).IntPart(), nil
}

// AccountReference builds the reference shown on the donor's handset from the
// donor name and the record id.
func AccountReference(donorName, recordID string) string {
	var name strings.Builder
	for _, r := range donorName {
		if name.Len() >= referenceNameLimit {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			name.WriteRune(r)
		}
	}

	fragment := recordID
	if len(fragment) > referenceIDLimit {
		fragment = fragment[len(fragment)-referenceIDLimit:]
	}
	return strings.ToUpper(name.String() + fragment)
}
