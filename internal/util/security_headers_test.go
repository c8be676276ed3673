package util

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithSecurityHeaders(t *testing.T) {
	tests := []struct {
		name     string
		proto    string
		page     bool
		wantHSTS bool
		wantCSP  string
	}{
		{name: "plain http api", wantCSP: apiCSP},
		{name: "forwarded https api", proto: "HTTPS", wantHSTS: true, wantCSP: apiCSP},
		{name: "hosted page", page: true, wantCSP: pageCSP},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tc.page {
					UsePageCSP(w)
				}
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodGet, "/v/qr_1", nil)
			if tc.proto != "" {
				req.Header.Set("X-Forwarded-Proto", tc.proto)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
				t.Fatalf("X-Content-Type-Options = %q", got)
			}
			if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
				t.Fatalf("X-Frame-Options = %q", got)
			}
			if got := rec.Header().Get("Content-Security-Policy"); got != tc.wantCSP {
				t.Fatalf("CSP = %q, want %q", got, tc.wantCSP)
			}
			if got := rec.Header().Get("Strict-Transport-Security"); (got != "") != tc.wantHSTS {
				t.Fatalf("HSTS = %q, want present=%v", got, tc.wantHSTS)
			}
		})
	}
}

func TestPageCSPBlocksScripts(t *testing.T) {
	if strings.Contains(pageCSP, "script-src") {
		t.Fatalf("page policy must not allow scripts: %s", pageCSP)
	}
}
