package util

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "propagates well formed id", incoming: "edge-7f3a_01.b:2", keep: true},
		{name: "generates when missing"},
		{name: "replaces id with spaces", incoming: "abc def"},
		{name: "replaces id with newline", incoming: "abc\nlevel=ERROR"},
		{name: "replaces oversized id", incoming: strings.Repeat("a", maxRequestIDLen+1)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var seen string
			h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromRequest(r)
			}))
			req := httptest.NewRequest(http.MethodGet, "/qrs", nil)
			if tc.incoming != "" {
				req.Header.Set("X-Request-Id", tc.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			header := rec.Header().Get("X-Request-Id")
			if header == "" || header != seen {
				t.Fatalf("header %q and context %q must match and be set", header, seen)
			}
			if tc.keep && header != tc.incoming {
				t.Fatalf("expected incoming id %q, got %q", tc.incoming, header)
			}
			if !tc.keep && header == tc.incoming {
				t.Fatalf("expected a fresh id, got %q", header)
			}
		})
	}
}

func TestRequestIDFromNilRequest(t *testing.T) {
	if got := RequestIDFromRequest(nil); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
}
