package util

import (
	"net/http"
	"strings"
)

const (
	apiCSP = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'"
	// pageCSP permits the inline stylesheet of hosted preview pages; scripts stay blocked.
	pageCSP = "default-src 'none'; img-src 'self' https: data:; style-src 'unsafe-inline'; frame-ancestors 'none'; base-uri 'none'"
)

// WithSecurityHeaders sets JSON API headers. HSTS is only sent over HTTPS, direct or forwarded.
func WithSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
		h.Set("Content-Security-Policy", apiCSP)
		if r.TLS != nil || strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https") {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// UsePageCSP relaxes the policy for a server-rendered HTML response.
func UsePageCSP(w http.ResponseWriter) {
	w.Header().Set("Content-Security-Policy", pageCSP)
}
