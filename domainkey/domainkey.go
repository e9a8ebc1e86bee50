// Package domainkey implements the single normalization rule §3 requires for
// SiteConfig lookup keys: lowercase hostname, leading "www." stripped. Both
// the store and the pipeline depend on this package so the rule is defined
// exactly once.
package domainkey

import (
	"net/url"
	"strings"
)

// Normalize returns the canonical domain key for a hostname.
func Normalize(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimPrefix(h, "www.")
	return h
}

// FromURL parses rawURL and returns its normalized domain key. An error is
// returned only when url.Parse fails; a relative URL parses without error
// and yields the normalized (possibly empty) host.
func FromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return Normalize(u.Hostname()), nil
}
