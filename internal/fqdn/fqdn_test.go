package fqdn

import "testing"

func TestValid(t *testing.T) {
	cases := map[string]bool{
		"app.example.com":     true,
		"a.b.example.co":      true,
		"localhost":           false,
		"not a domain":        false,
		"-bad.example.com":    false,
		"example..com":        false,
		"example.com.":        false,
		"x.example.com":       true,
		"":                    false,
	}
	for domain, want := range cases {
		if got := Valid(domain); got != want {
			t.Errorf("Valid(%q) = %v, want %v", domain, got, want)
		}
	}
}
