package util

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestLog(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantCode  int
		wantLevel string
		wantBytes float64
	}{
		{
			name: "implicit ok",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"success":true}`))
			},
			wantCode: http.StatusOK, wantLevel: "INFO", wantBytes: 16,
		},
		{
			name: "redirect",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, "https://example.com", http.StatusFound)
			},
			wantCode: http.StatusFound, wantLevel: "INFO",
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantCode: http.StatusBadGateway, wantLevel: "ERROR",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))
			h := WithRequestLog("qr", tc.handler)

			req := httptest.NewRequest(http.MethodGet, "/abc1234", nil)
			req = req.WithContext(ContextWithLogger(context.Background(), logger))
			h.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("decode log entry %q: %v", buf.String(), err)
			}
			if entry["msg"] != "http_request" || entry["service"] != "qr" || entry["path"] != "/abc1234" {
				t.Fatalf("unexpected entry: %v", entry)
			}
			if entry["status"] != float64(tc.wantCode) {
				t.Fatalf("status = %v, want %d", entry["status"], tc.wantCode)
			}
			if entry["level"] != tc.wantLevel {
				t.Fatalf("level = %v, want %s", entry["level"], tc.wantLevel)
			}
			if tc.wantBytes > 0 && entry["bytes"] != tc.wantBytes {
				t.Fatalf("bytes = %v, want %v", entry["bytes"], tc.wantBytes)
			}
		})
	}
}
