package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets security headers on an HTTP response. issuerURL
// decides whether HSTS applies; the consent flag relaxes CSP enough for the
// inline-styled consent page while keeping scripts and frames locked down.
func SetSecurityHeaders(w http.ResponseWriter, issuerURL string, consentPage bool) {
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Referrer-Policy", "no-referrer")

	if consentPage {
		w.Header().Set("Content-Security-Policy",
			"default-src 'none'; style-src 'unsafe-inline'; form-action 'self'; frame-ancestors 'none'")
	} else {
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	}

	if parsed, err := url.Parse(issuerURL); err == nil && parsed.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Responses carry codes, tokens, or hub credentials in transit; none of it
	// may be cached.
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
}
