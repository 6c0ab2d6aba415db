package sanitize

import "testing"

func TestMessage(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "  I want to sell  ", "I want to sell"},
		{"html email body", "<p>Hi there,</p><p>We&#39;re <b>buying</b> soon</p>", "Hi there,\nWe're buying soon"},
		{"encoded tag", "&lt;script&gt;alert(1)&lt;/script&gt;ok", "alert(1)ok"},
		{"collapses spaces", "a \t  b", "a b"},
		{"limits blank lines", "one\r\n\r\n\r\n\r\ntwo", "one\n\ntwo"},
		{"empty", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Message(tc.input); got != tc.want {
				t.Fatalf("Message(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}
