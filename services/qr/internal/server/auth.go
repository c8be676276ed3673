package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"getqr/pkg/domain"
	"getqr/services/qr/internal/app"
)

const authFlowTTL = 10 * time.Minute

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type authResponse struct {
	app.AuthResult
	ReturnTo string `json:"returnTo,omitempty"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r, s.signupLimiter, "too many signup attempts") {
		s.audit(r, "qr.signup", "rate_limited")
		return
	}
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		s.audit(r, "qr.signup", "fail", "reason", "invalid_json")
		writeBadJSON(w, r)
		return
	}
	actor := s.actor(w, r)
	res, err := s.app.Signup(r.Context(), req.Email, req.Password, req.Name, actor.SessionID)
	if err != nil {
		s.audit(r, "qr.signup", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "qr.signup", "success", "user_id", res.User.ID, "claimed_qrs", res.ClaimedQRs)
	s.finishLogin(w, r, http.StatusCreated, res)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "qr.login", "rate_limited")
		return
	}
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		s.audit(r, "qr.login", "fail", "reason", "invalid_json")
		writeBadJSON(w, r)
		return
	}
	actor := s.actor(w, r)
	res, err := s.app.Login(r.Context(), req.Email, req.Password, actor.SessionID)
	if err != nil {
		s.audit(r, "qr.login", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "qr.login", "success", "user_id", res.User.ID, "claimed_qrs", res.ClaimedQRs)
	s.finishLogin(w, r, http.StatusOK, res)
}

// finishLogin sets the session cookie and consumes the auth flow marker.
func (s *Server) finishLogin(w http.ResponseWriter, r *http.Request, status int, res app.AuthResult) {
	s.setCookie(w, sessionCookie, res.Token, s.sessionTTL)
	out := authResponse{AuthResult: res}
	if c, err := r.Cookie(authFlowCookie); err == nil {
		if returnTo, err := url.QueryUnescape(c.Value); err == nil {
			out.ReturnTo = safeReturnTo(returnTo)
		}
		s.clearCookie(w, authFlowCookie)
	}
	writeData(w, r, status, out)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	token, ok := sessionToken(r)
	if !ok {
		s.audit(r, "qr.logout", "fail", "reason", "missing_token")
		writeAppError(w, r, app.ErrUnauthenticated)
		return
	}
	if err := s.app.Logout(token); err != nil {
		s.audit(r, "qr.logout", "fail", "reason", err.Error())
		writeAppError(w, r, domain.UpstreamError("session", err))
		return
	}
	s.clearCookie(w, sessionCookie)
	s.audit(r, "qr.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	user, err := s.app.Me(s.actor(w, r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, user)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many password change attempts") {
		s.audit(r, "qr.password.change", "rate_limited")
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadJSON(w, r)
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeAppError(w, r, domain.ValidationError(map[string]string{
			"currentPassword": "is required",
			"newPassword":     "is required",
		}))
		return
	}
	actor := s.actor(w, r)
	if err := s.app.ChangePassword(actor, req.CurrentPassword, req.NewPassword); err != nil {
		s.audit(r, "qr.password.change", "fail", "user_id", actor.UserID, "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "qr.password.change", "success", "user_id", actor.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// handleAuthStart marks the start of a login or signup flow so the client can return
// to where the visitor left off.
func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	s.ensureSID(w, r)
	returnTo := safeReturnTo(r.URL.Query().Get("returnTo"))
	s.setCookie(w, authFlowCookie, url.QueryEscape(returnTo), authFlowTTL)
	writeData(w, r, http.StatusOK, map[string]string{"returnTo": returnTo})
}

// safeReturnTo keeps only same-origin absolute paths.
func safeReturnTo(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.Contains(raw, `\`) {
		return "/"
	}
	return raw
}
