package domain

import (
	"strings"

	"github.com/dustin/go-humanize"
)

// FormatAmount renders whole shillings for donor-facing text, e.g. "KES 1,500".
func FormatAmount(amount int64) string {
	return CurrencyKES + " " + humanize.Comma(amount)
}

// MaskPhone keeps the first four and last three digits of a phone number.
// Every log line and response that shows a phone number goes through it.
func MaskPhone(phone string) string {
	if len(phone) < 8 {
		return "****"
	}
	return phone[:4] + strings.Repeat("*", len(phone)-7) + phone[len(phone)-3:]
}
