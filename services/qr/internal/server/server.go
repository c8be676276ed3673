package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"getqr/internal/ratelimit"
	"getqr/internal/util"
	"getqr/pkg/builder"
	"getqr/pkg/cache"
	"getqr/pkg/domain"
	"getqr/pkg/store"
	"getqr/services/qr/internal/app"
)

const (
	sessionCookie  = "getqr_session"
	sidCookie      = "getqr_sid"
	authFlowCookie = "getqr_auth_flow"
	newQRCookie    = "getqr_new_qr_modal"

	maxJSONBody = 1 << 20
)

// SessionVerifier validates session tokens issued at login.
type SessionVerifier interface {
	Verify(token string) (store.SessionClaims, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                      *app.App
	Sessions                 SessionVerifier
	Redis                    *redis.Client
	TrustedProxies           *util.TrustedProxies
	CORSAllowedOrigins       []string
	CookieDomain             string
	CookieSecure             bool
	CookieSameSite           http.SameSite
	SessionTTL               time.Duration
	SIDTTL                   time.Duration
	SignupRateLimitPerMinute int
	LoginRateLimitPerMinute  int
	MaxUploadBytes           int64
}

// Server exposes the GetQR HTTP API, short link redirects and hosted previews.
type Server struct {
	app            *app.App
	sessions       SessionVerifier
	trusted        *util.TrustedProxies
	cors           []string
	mux            *http.ServeMux
	cookieDomain   string
	cookieSecure   bool
	cookieSameSite http.SameSite
	sessionTTL     time.Duration
	sidTTL         time.Duration
	maxUploadBytes int64
	signupLimiter  *ratelimit.FixedWindowLimiter
	loginLimiter   *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session verifier is required")
	}
	signupLimit := cfg.SignupRateLimitPerMinute
	if signupLimit <= 0 {
		signupLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "getqr:ratelimit:"+name, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	signupLimiter, err := newLimiter("signup", signupLimit)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 7 * 24 * time.Hour
	}
	if cfg.SIDTTL <= 0 {
		cfg.SIDTTL = cache.DraftTTL
	}
	if cfg.CookieSameSite == 0 {
		cfg.CookieSameSite = http.SameSiteLaxMode
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 25 << 20
	}
	s := &Server{
		app:            cfg.App,
		sessions:       cfg.Sessions,
		trusted:        cfg.TrustedProxies,
		cors:           cfg.CORSAllowedOrigins,
		mux:            http.NewServeMux(),
		cookieDomain:   cfg.CookieDomain,
		cookieSecure:   cfg.CookieSecure,
		cookieSameSite: cfg.CookieSameSite,
		sessionTTL:     cfg.SessionTTL,
		sidTTL:         cfg.SIDTTL,
		maxUploadBytes: cfg.MaxUploadBytes,
		signupLimiter:  signupLimiter,
		loginLimiter:   loginLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("qr", util.WithSecurityHeaders(util.WithCORS(s.cors, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/auth/signup", s.handleSignup)
	s.mux.HandleFunc("/auth/login", s.handleLogin)
	s.mux.HandleFunc("/auth/logout", s.handleLogout)
	s.mux.HandleFunc("/auth/me", s.handleMe)
	s.mux.HandleFunc("/auth/password", s.handleChangePassword)
	s.mux.HandleFunc("/auth/start", s.handleAuthStart)

	// qr codes
	s.mux.HandleFunc("/qrs", s.handleQRs)
	s.mux.HandleFunc("/qrs/", s.handleQRByID)

	// builder
	s.mux.HandleFunc("/builder/sessions", s.handleBuilderStart)
	s.mux.HandleFunc("/builder/sessions/current", s.handleBuilderCurrent)
	s.mux.HandleFunc("/builder/sessions/current/", s.handleBuilderAction)

	// analytics
	s.mux.HandleFunc("/analytics/stats", s.handleStats)
	s.mux.HandleFunc("/analytics/export_v2", s.handleExport)

	// public
	s.mux.HandleFunc("/v/", s.handlePreview)
	s.mux.HandleFunc("/", s.handleShortLink)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// actor resolves the caller. Every caller gets a builder session id cookie; a valid
// session token adds the user identity.
func (s *Server) actor(w http.ResponseWriter, r *http.Request) app.Actor {
	a := app.Actor{SessionID: s.ensureSID(w, r), IP: s.clientIP(r)}
	token, ok := sessionToken(r)
	if !ok {
		return a
	}
	claims, err := s.sessions.Verify(token)
	if err != nil {
		s.audit(r, "qr.session.verify", "fail", "reason", "invalid_or_revoked")
		s.clearCookie(w, sessionCookie)
		return a
	}
	a.UserID = claims.Subject
	a.Role = claims.Role
	a.Plan = claims.Plan
	a.Scopes = claims.Scopes
	return a
}

func (s *Server) ensureSID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sidCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value)
	}
	sid := util.NewID()
	s.setCookie(w, sidCookie, sid, s.sidTTL)
	// later reads within the same request see the new id
	r.AddCookie(&http.Cookie{Name: sidCookie, Value: sid})
	return sid
}

func sessionToken(r *http.Request) (string, bool) {
	if c, err := r.Cookie(sessionCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value), true
	}
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return token, token != ""
}

func (s *Server) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   s.cookieDomain,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: s.cookieSameSite,
	})
}

func (s *Server) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   s.cookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: s.cookieSameSite,
	})
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trusted)
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", s.clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + s.clientIP(r)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", msg, nil)
	return false
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "NOT_FOUND", "not found", nil)
}

// decodeJSON reads a bounded JSON body. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type envelope struct {
	Success   bool              `json:"success"`
	Data      any               `json:"data,omitempty"`
	Error     string            `json:"error,omitempty"`
	Code      string            `json:"code,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data, RequestID: util.RequestIDFromRequest(r)})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string, details map[string]string) {
	writeJSON(w, status, envelope{
		Error:     msg,
		Code:      code,
		RequestID: util.RequestIDFromRequest(r),
		Details:   details,
	})
}

func writeBadJSON(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body", nil)
}

// writeAppError maps application errors onto the response envelope.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg, details := classify(err)
	logger := util.LoggerFromContext(r.Context())
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "status", status, "err", err)
	case status == http.StatusConflict:
		logger.Debug("request conflict", "code", code, "err", err)
	}
	writeError(w, r, status, code, msg, details)
}

func classify(err error) (int, string, string, map[string]string) {
	switch {
	case errors.Is(err, app.ErrUnauthenticated):
		return http.StatusUnauthorized, "UNAUTHENTICATED", err.Error(), nil
	case errors.Is(err, app.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", err.Error(), nil
	case errors.Is(err, app.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_TAKEN", err.Error(), nil
	case errors.Is(err, app.ErrNoBuilder):
		return http.StatusNotFound, "BUILDER_NOT_FOUND", err.Error(), nil
	case errors.Is(err, builder.ErrBusy):
		return http.StatusConflict, "BUILDER_BUSY", err.Error(), nil
	case errors.Is(err, builder.ErrTypeLocked):
		return http.StatusConflict, "TYPE_LOCKED", err.Error(), nil
	case errors.Is(err, builder.ErrUploadInProgress):
		return http.StatusConflict, "UPLOAD_IN_PROGRESS", err.Error(), nil
	case errors.Is(err, builder.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil
	}
	var de *domain.Error
	if !errors.As(err, &de) {
		de = domain.UnknownError(err)
	}
	switch de.Kind {
	case domain.KindValidation:
		return http.StatusBadRequest, de.Code, de.Message, de.Fields
	case domain.KindNotFound:
		return http.StatusNotFound, de.Code, de.Message, nil
	case domain.KindPermission:
		return http.StatusForbidden, de.Code, de.Message, nil
	case domain.KindRateLimit:
		return http.StatusTooManyRequests, de.Code, de.Message, nil
	case domain.KindUpstream:
		return http.StatusBadGateway, de.Code, de.Message, nil
	}
	return http.StatusInternalServerError, de.Code, de.Message, nil
}
