package proxy

import "testing"

func TestHostOnly(t *testing.T) {
	cases := map[string]string{
		"example.com":      "example.com",
		"example.com:443":  "example.com",
		"Example.COM":      "example.com",
		"":                 "",
		"10.0.0.1:8080":    "10.0.0.1",
	}
	for in, want := range cases {
		if got := hostOnly(in); got != want {
			t.Errorf("hostOnly(%q) = %q, want %q", in, got, want)
		}
	}
}
