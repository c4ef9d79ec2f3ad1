// Package fqdn validates fully-qualified domain names for ACME gating
// (spec.md §6).
package fqdn

import "regexp"

var pattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

// Valid reports whether domain is a syntactically valid FQDN eligible for
// an ACME request.
func Valid(domain string) bool {
	return pattern.MatchString(domain)
}
