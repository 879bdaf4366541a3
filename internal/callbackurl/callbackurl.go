// Package callbackurl guards the Tool Executor against SSRF: a callback URL
// handed to an external workflow must resolve to an admissible scheme and an
// allowlisted host before it is ever dispatched.
package callbackurl

import (
	"net/url"
	"strings"
)

// Validator checks candidate callback URLs against a fixed host allowlist.
type Validator struct {
	allowlist []string
}

// New returns a Validator that admits hosts in allowlist (exact match, or a
// suffix match when the allowlist entry is prefixed with a dot).
func New(allowlist []string) *Validator {
	return &Validator{allowlist: allowlist}
}

// Allowed reports whether rawURL is admissible: scheme must be https, except
// http is permitted for localhost/127.0.0.1, and the host must match the
// allowlist exactly or as a dot-prefixed suffix.
func (v *Validator) Allowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}

	switch u.Scheme {
	case "https":
		// always acceptable on scheme grounds
	case "http":
		if host != "localhost" && host != "127.0.0.1" {
			return false
		}
	default:
		return false
	}

	return v.hostAllowed(host)
}

func (v *Validator) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, entry := range v.allowlist {
		entry = strings.ToLower(entry)
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, ".") {
			if strings.HasSuffix(host, entry) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}
