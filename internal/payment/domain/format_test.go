package domain

import "testing"

func TestFormatAmount(t *testing.T) {
	if got := FormatAmount(1500); got != "KES 1,500" {
		t.Fatalf("unexpected amount %q", got)
	}
}

func TestMaskPhone(t *testing.T) {
	cases := map[string]string{
		"254712345678": "2547*****678",
		"12345678":     "1234*678",
		"1234567":      "****",
		"":             "****",
	}
	for phone, want := range cases {
		if got := MaskPhone(phone); got != want {
			t.Fatalf("%q: expected %q, got %q", phone, want, got)
		}
	}
}
