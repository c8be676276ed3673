package store

import (
	"errors"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"getqr/pkg/domain"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestSessionStore(t *testing.T, revoker TokenRevoker, opts JWTOptions) *JWTSessionStore {
	t.Helper()
	s, err := NewJWTSessionStore(testSecret, time.Hour, revoker, opts)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	return s
}

func TestJWTSessionStoreIssuesScopes(t *testing.T) {
	s := newTestSessionStore(t, nil, JWTOptions{})
	token, err := s.NewSession(domain.User{ID: "user-1", Role: domain.RoleViewer, Plan: domain.PlanPro})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	claims, err := s.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "user-1" || claims.Plan != domain.PlanPro {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.HasScope(domain.ScopeAnalyticsRead) || claims.HasScope(domain.ScopeQrsWrite) {
		t.Fatalf("unexpected viewer scopes: %v", claims.Scopes)
	}
}

func TestJWTSessionStoreEnforcesAudience(t *testing.T) {
	signing := newTestSessionStore(t, nil, JWTOptions{Issuer: "issuer-a", Audience: "aud-a", Leeway: time.Second})
	verify := newTestSessionStore(t, nil, JWTOptions{Issuer: "issuer-a", Audience: "aud-b", Leeway: time.Second})

	token, err := signing.NewSession(domain.User{ID: "user-claim", Role: domain.RoleUser})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := verify.Verify(token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected audience mismatch to fail, got %v", err)
	}
}

func TestJWTSessionStoreRevokesByJTI(t *testing.T) {
	s := newTestSessionStore(t, NewMemoryTokenRevoker(), JWTOptions{})
	token, err := s.NewSession(domain.User{ID: "user-revoke", Role: domain.RoleUser})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.DeleteSession(token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := s.Verify(token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected revoked token to fail, got %v", err)
	}
}

func TestJWTSessionStoreRejectsForeignAlgorithm(t *testing.T) {
	s := newTestSessionStore(t, nil, JWTOptions{})
	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    defaultJWTIssuer,
		Audience:  jwt.ClaimStrings{defaultJWTAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		ID:        "jti",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := s.Verify(token); err == nil {
		t.Fatalf("expected HS512 token to be rejected")
	}
	if _, err := s.Verify(token[:len(token)-2] + "xx"); err == nil {
		t.Fatalf("expected tampered token to be rejected")
	}
}

func TestNewJWTSessionStoreValidatesSecret(t *testing.T) {
	if _, err := NewJWTSessionStore(strings.Repeat("a", 8), time.Hour, nil, JWTOptions{}); err == nil {
		t.Fatalf("expected short secret to fail")
	}
}
