package phone

import "testing"

func TestNormalizeE164(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"us national", "(201) 555-0123", "+12015550123"},
		{"already e164", "+12015550123", "+12015550123"},
		{"dutch mobile with country code", "+31 6 12345678", "+31612345678"},
		{"garbage kept", " not a number ", "not a number"},
		{"empty", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeE164(tc.input); got != tc.want {
				t.Fatalf("NormalizeE164(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestNormalizeE164InRegion(t *testing.T) {
	if got := NormalizeE164In("06 12345678", "NL"); got != "+31612345678" {
		t.Fatalf("expected dutch national number to normalize, got %q", got)
	}
}
