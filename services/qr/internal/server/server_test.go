package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"getqr/internal/ratelimit"
	"getqr/pkg/analytics"
	"getqr/pkg/cache"
	"getqr/pkg/storage"
	"getqr/pkg/store"
	"getqr/services/qr/internal/app"
)

type stubAnalytics struct{}

func (stubAnalytics) DeleteLinkEvents(context.Context, string) error { return nil }

func (stubAnalytics) Query(_ context.Context, pipe string, _ url.Values) ([]analytics.Row, error) {
	return []analytics.Row{{"group": pipe, "clicks": 2}}, nil
}

type apiResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Code      string          `json:"code"`
	RequestID string          `json:"requestId"`
	Session   json.RawMessage `json:"session"`
}

type qrData struct {
	ID        string `json:"id"`
	ShortLink string `json:"shortLink"`
	Link      struct {
		Key string `json:"key"`
	} `json:"link"`
}

type testServer struct {
	url    string
	client *http.Client
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewSlidingWindowLimiter(client, "test:create", 10, 24*time.Hour)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	sessions, err := store.NewJWTSessionStore(strings.Repeat("k", 32), time.Hour, store.NewRedisTokenRevoker(client), store.JWTOptions{})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	a, err := app.New(app.Config{
		Store:       store.NewMemoryStore(),
		Sessions:    sessions,
		Objects:     storage.NewMemoryStore("https://files.example.com"),
		KV:          cache.NewRedisKV(client),
		Limiter:     limiter,
		Analytics:   stubAnalytics{},
		ShortDomain: "qr.example.com",
		AppBaseURL:  "https://app.example.com",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	cfg := Config{
		App:                      a,
		Sessions:                 sessions,
		Redis:                    client,
		SignupRateLimitPerMinute: 50,
		LoginRateLimitPerMinute:  50,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{url: ts.URL, client: newClient(t)}
}

// newClient keeps cookies and does not follow redirects.
func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (s *testServer) do(t *testing.T, c *http.Client, method, path string, body any) (*http.Response, apiResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.url+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out apiResponse
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp, out
}

func (s *testServer) signup(t *testing.T, c *http.Client, email string) {
	t.Helper()
	resp, out := s.do(t, c, http.MethodPost, "/auth/signup", map[string]string{
		"email":    email,
		"password": "correct horse 42",
	})
	if resp.StatusCode != http.StatusCreated || !out.Success {
		t.Fatalf("signup expected 201, got %d %+v", resp.StatusCode, out)
	}
}

func websiteBody(target string) map[string]any {
	return map[string]any{"qrType": "website", "content": map[string]string{"url": target}}
}

func createdQR(t *testing.T, out apiResponse) qrData {
	t.Helper()
	var created struct {
		CreatedQr qrData `json:"createdQr"`
	}
	decodeData(t, out, &created)
	if created.CreatedQr.ID == "" {
		t.Fatalf("create response without createdQr: %s", out.Data)
	}
	return created.CreatedQr
}

func decodeData(t *testing.T, out apiResponse, dst any) {
	t.Helper()
	if err := json.Unmarshal(out.Data, dst); err != nil {
		t.Fatalf("decode data %s: %v", out.Data, err)
	}
}

func TestAnonymousCreateLimitAndRedirect(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.client

	var first qrData
	for i := 0; i < 10; i++ {
		resp, out := s.do(t, c, http.MethodPost, "/qrs", websiteBody("https://example.com/landing"))
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create %d expected 201, got %d %+v", i+1, resp.StatusCode, out)
		}
		if i == 0 {
			first = createdQR(t, out)
		}
	}
	resp, out := s.do(t, c, http.MethodPost, "/qrs", websiteBody("https://example.com/landing"))
	if resp.StatusCode != http.StatusTooManyRequests || out.Success || out.Code != "RATE_LIMITED" {
		t.Fatalf("11th create expected 429 RATE_LIMITED, got %d %+v", resp.StatusCode, out)
	}

	resp, _ = s.do(t, c, http.MethodGet, "/"+first.Link.Key, nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("short link expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "https://example.com/landing" {
		t.Fatalf("unexpected redirect target %q", loc)
	}
}

func TestCreateWithLinkBody(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.client

	resp, out := s.do(t, c, http.MethodPost, "/qrs", map[string]any{
		"qrType": "website",
		"title":  "Landing",
		"link":   map[string]string{"url": "https://example.com"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create expected 201, got %d %+v", resp.StatusCode, out)
	}
	var created struct {
		CreatedQr struct {
			ID     string `json:"id"`
			Data   string `json:"data"`
			LinkID string `json:"linkId"`
		} `json:"createdQr"`
		CreatedLink struct {
			ID     string `json:"id"`
			Key    string `json:"key"`
			URL    string `json:"url"`
			Clicks int64  `json:"clicks"`
		} `json:"createdLink"`
	}
	decodeData(t, out, &created)
	if created.CreatedQr.Data != "https://example.com" {
		t.Fatalf("unexpected payload %q", created.CreatedQr.Data)
	}
	link := created.CreatedLink
	if link.ID == "" || link.ID != created.CreatedQr.LinkID || link.URL != "https://example.com" || link.Clicks != 0 {
		t.Fatalf("unexpected created link %+v", link)
	}
	resp, _ = s.do(t, c, http.MethodGet, "/"+link.Key, nil)
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "https://example.com" {
		t.Fatalf("redirect expected 302 to https://example.com, got %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, out = s.do(t, c, http.MethodPost, "/qrs", map[string]any{
		"qrType": "website",
		"link":   map[string]string{"url": "ftp://example.com"},
	})
	if resp.StatusCode != http.StatusBadRequest || out.Code != "VALIDATION_FAILED" {
		t.Fatalf("bad link url expected 400, got %d %+v", resp.StatusCode, out)
	}
}

func TestDeletedQRStopsRedirecting(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.client
	s.signup(t, c, "owner@example.com")

	resp, out := s.do(t, c, http.MethodPost, "/qrs", websiteBody("https://example.com"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create expected 201, got %d %+v", resp.StatusCode, out)
	}
	item := createdQR(t, out)

	if resp, _ := s.do(t, c, http.MethodGet, "/"+item.Link.Key, nil); resp.StatusCode != http.StatusFound {
		t.Fatalf("redirect before delete expected 302, got %d", resp.StatusCode)
	}
	other := newClient(t)
	s.signup(t, other, "other@example.com")
	if resp, _ := s.do(t, other, http.MethodDelete, "/qrs/"+item.ID, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("delete by another user expected 403, got %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, c, http.MethodDelete, "/qrs/"+item.ID, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete expected 204, got %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, c, http.MethodGet, "/"+item.Link.Key, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("redirect after delete expected 404, got %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, c, http.MethodGet, "/qrs/"+item.ID, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete expected 404, got %d", resp.StatusCode)
	}
}

func TestArchiveToggleOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.client
	s.signup(t, c, "archiver@example.com")

	_, out := s.do(t, c, http.MethodPost, "/qrs", websiteBody("https://example.com/menu"))
	item := createdQR(t, out)

	type archivedView struct {
		Archived bool `json:"archived"`
		Link     struct {
			Archived bool `json:"archived"`
		} `json:"link"`
	}
	tests := []struct {
		name     string
		body     any
		archived bool
		redirect int
	}{
		{name: "empty body archives", archived: true, redirect: http.StatusNotFound},
		{name: "repeat is a no-op", body: map[string]bool{"archived": true}, archived: true, redirect: http.StatusNotFound},
		{name: "unarchive", body: map[string]bool{"archived": false}, archived: false, redirect: http.StatusFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, out := s.do(t, c, http.MethodPut, "/qrs/"+item.ID, tc.body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("put expected 200, got %d %+v", resp.StatusCode, out)
			}
			var got archivedView
			decodeData(t, out, &got)
			if got.Archived != tc.archived || got.Link.Archived != tc.archived {
				t.Fatalf("archived qr=%v link=%v, want %v", got.Archived, got.Link.Archived, tc.archived)
			}
			if resp, _ := s.do(t, c, http.MethodGet, "/"+item.Link.Key, nil); resp.StatusCode != tc.redirect {
				t.Fatalf("redirect expected %d, got %d", tc.redirect, resp.StatusCode)
			}
		})
	}
}

func TestBuilderFlowOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.client

	if resp, out := s.do(t, c, http.MethodGet, "/builder/sessions/current", nil); resp.StatusCode != http.StatusNotFound || out.Code != "BUILDER_NOT_FOUND" {
		t.Fatalf("expected no builder, got %d %+v", resp.StatusCode, out)
	}
	if resp, _ := s.do(t, c, http.MethodPost, "/builder/sessions", map[string]any{}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("start expected 201, got %d", resp.StatusCode)
	}
	if resp, out := s.do(t, c, http.MethodPost, "/builder/sessions/current/type", map[string]string{"qrType": "fax"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown type expected 400, got %d %+v", resp.StatusCode, out)
	}
	if resp, _ := s.do(t, c, http.MethodPost, "/builder/sessions/current/type", map[string]string{"qrType": "website"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("select type expected 200, got %d", resp.StatusCode)
	}

	resp, out := s.do(t, c, http.MethodPost, "/builder/sessions/current/continue", map[string]any{
		"content": map[string]string{"url": "not a url"},
	})
	if resp.StatusCode != http.StatusBadRequest || out.Code != "VALIDATION_FAILED" {
		t.Fatalf("invalid continue expected 400, got %d %+v", resp.StatusCode, out)
	}
	var kept app.BuilderView
	if err := json.Unmarshal(out.Session, &kept); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if kept.StepName != "content" || !bytes.Contains(kept.Content, []byte("not a url")) {
		t.Fatalf("rejected continue should keep input, got %+v", kept)
	}

	resp, out = s.do(t, c, http.MethodPost, "/builder/sessions/current/continue", map[string]any{
		"content": map[string]string{"url": "https://example.com/menu"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("continue expected 200, got %d %+v", resp.StatusCode, out)
	}
	var view app.BuilderView
	decodeData(t, out, &view)
	if view.StepName != "customize" {
		t.Fatalf("expected customize step, got %s", view.StepName)
	}
	if resp, _ := s.do(t, c, http.MethodPost, "/builder/sessions/current/title", map[string]string{"title": "Menu"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("title expected 200, got %d", resp.StatusCode)
	}
	resp, out = s.do(t, c, http.MethodPost, "/builder/sessions/current/save", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("save expected 201, got %d %+v", resp.StatusCode, out)
	}
	var saved struct {
		Title string `json:"title"`
		Data  string `json:"data"`
	}
	decodeData(t, out, &saved)
	if saved.Title != "Menu" || saved.Data != "https://example.com/menu" {
		t.Fatalf("unexpected saved qr %+v", saved)
	}
	if resp, _ := s.do(t, c, http.MethodGet, "/builder/sessions/current", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("builder should be cleared after save, got %d", resp.StatusCode)
	}
}

func TestLoginRateLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) { cfg.LoginRateLimitPerMinute = 1 })
	body := map[string]string{"email": "u@example.com", "password": "wrong password 1"}
	resp, out := s.do(t, s.client, http.MethodPost, "/auth/login", body)
	if resp.StatusCode != http.StatusUnauthorized || out.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("first login expected 401, got %d %+v", resp.StatusCode, out)
	}
	resp, _ = s.do(t, s.client, http.MethodPost, "/auth/login", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second login expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestServerRequiresRedisRateLimiter(t *testing.T) {
	_, err := New(Config{App: &app.App{}, Sessions: stubSessions{}})
	if err == nil {
		t.Fatalf("expected limiter initialization to fail without redis client")
	}
}

type stubSessions struct{}

func (stubSessions) Verify(string) (store.SessionClaims, error) {
	return store.SessionClaims{}, store.ErrInvalidSession
}

func TestSessionCookieLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.client

	resp, out := s.do(t, c, http.MethodGet, "/auth/me", nil)
	if resp.StatusCode != http.StatusUnauthorized || out.Code != "UNAUTHENTICATED" {
		t.Fatalf("anonymous me expected 401, got %d %+v", resp.StatusCode, out)
	}
	if out.RequestID == "" || out.RequestID != resp.Header.Get("X-Request-Id") {
		t.Fatalf("error envelope should carry the request id, got %q", out.RequestID)
	}

	s.signup(t, c, "me@example.com")
	resp, out = s.do(t, c, http.MethodGet, "/auth/me", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me expected 200, got %d %+v", resp.StatusCode, out)
	}
	var me struct {
		Email string `json:"email"`
	}
	decodeData(t, out, &me)
	if me.Email != "me@example.com" {
		t.Fatalf("unexpected user %+v", me)
	}

	// a revoked token stops working even if the client replays it
	u, _ := url.Parse(s.url)
	var token string
	for _, ck := range c.Jar.Cookies(u) {
		if ck.Name == sessionCookie {
			token = ck.Value
		}
	}
	if token == "" {
		t.Fatalf("session cookie not set")
	}
	if resp, _ := s.do(t, c, http.MethodPost, "/auth/logout", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout expected 204, got %d", resp.StatusCode)
	}
	req, _ := http.NewRequest(http.MethodGet, s.url+"/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	replay, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("replay request: %v", err)
	}
	replay.Body.Close()
	if replay.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked token expected 401, got %d", replay.StatusCode)
	}
}

func TestAuthStartReturnTo(t *testing.T) {
	cases := []struct {
		name     string
		returnTo string
		want     string
	}{
		{"relative path", "/builder?step=3", "/builder?step=3"},
		{"other origin", "//evil.example.com", "/"},
		{"absolute url", "https://evil.example.com", "/"},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			c := s.client
			if resp, _ := s.do(t, c, http.MethodGet, "/auth/start?returnTo="+url.QueryEscape(tc.returnTo), nil); resp.StatusCode != http.StatusOK {
				t.Fatalf("auth start expected 200, got %d", resp.StatusCode)
			}
			resp, out := s.do(t, c, http.MethodPost, "/auth/signup", map[string]string{
				"email":    "flow" + string(rune('a'+i)) + "@example.com",
				"password": "correct horse 42",
			})
			if resp.StatusCode != http.StatusCreated {
				t.Fatalf("signup expected 201, got %d %+v", resp.StatusCode, out)
			}
			var res struct {
				ReturnTo string `json:"returnTo"`
			}
			decodeData(t, out, &res)
			if res.ReturnTo != tc.want {
				t.Fatalf("expected returnTo %q, got %q", tc.want, res.ReturnTo)
			}
		})
	}
}

func TestPreviewPage(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.client
	s.signup(t, c, "wifi@example.com")
	resp, out := s.do(t, c, http.MethodPost, "/qrs", map[string]any{
		"qrType":  "wifi",
		"content": map[string]string{"ssid": "Cafe <Guest>", "encryption": "nopass"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create expected 201, got %d %+v", resp.StatusCode, out)
	}
	item := createdQR(t, out)

	page, err := c.Get(s.url + "/v/" + item.ID)
	if err != nil {
		t.Fatalf("get preview: %v", err)
	}
	defer page.Body.Close()
	html, _ := io.ReadAll(page.Body)
	if page.StatusCode != http.StatusOK || !strings.HasPrefix(page.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("preview expected html 200, got %d %s", page.StatusCode, page.Header.Get("Content-Type"))
	}
	if !bytes.Contains(html, []byte("Cafe &lt;Guest&gt;")) {
		t.Fatalf("preview should contain the escaped network name: %s", html)
	}
	if resp, _ := s.do(t, c, http.MethodGet, "/v/missing", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown preview expected 404, got %d", resp.StatusCode)
	}
}

func TestAnalyticsExport(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.client
	s.signup(t, c, "stats@example.com")
	if resp, _ := s.do(t, c, http.MethodPost, "/qrs", websiteBody("https://example.com")); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create expected 201, got %d", resp.StatusCode)
	}

	resp, out := s.do(t, c, http.MethodGet, "/analytics/stats?groupBy=countries&interval=7d", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats expected 200, got %d %+v", resp.StatusCode, out)
	}
	if resp, _ := s.do(t, c, http.MethodGet, "/analytics/stats?start=yesterday", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad start expected 400, got %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, c, http.MethodGet, "/analytics/export_v2?format=pdf", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad format expected 400, got %d", resp.StatusCode)
	}

	export, err := c.Get(s.url + "/analytics/export_v2?format=csv&interval=30d")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer export.Body.Close()
	body, _ := io.ReadAll(export.Body)
	if export.StatusCode != http.StatusOK || !strings.HasPrefix(export.Header.Get("Content-Type"), "text/csv") {
		t.Fatalf("export expected csv 200, got %d %s", export.StatusCode, export.Header.Get("Content-Type"))
	}
	if !strings.Contains(export.Header.Get("Content-Disposition"), "getqr-analytics.csv") || !bytes.Contains(body, []byte("v2_countries")) {
		t.Fatalf("unexpected export %q: %s", export.Header.Get("Content-Disposition"), body)
	}
}
