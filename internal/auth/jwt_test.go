package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var fixedNow = time.Unix(1700000000, 0)

func newTestVerifier(t *testing.T, leeway time.Duration) *Verifier {
	t.Helper()
	verifier, err := NewVerifier("secret", leeway)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	verifier.WithClock(func() time.Time { return fixedNow })
	return verifier
}

func TestVerifierAcceptsIssuedToken(t *testing.T) {
	verifier := newTestVerifier(t, time.Second)
	token, err := Issue("secret", "player-7", 30*time.Second, fixedNow)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != "player-7" {
		t.Fatalf("unexpected subject: %q", claims.Subject)
	}
	if !claims.ExpiresAt.Equal(fixedNow.Add(30 * time.Second)) {
		t.Fatalf("unexpected expiry %v", claims.ExpiresAt)
	}
	if claims.ID == "" {
		t.Fatal("expected a token id")
	}
}

func TestVerifierRejectsExpiredToken(t *testing.T) {
	verifier := newTestVerifier(t, 0)
	token, err := Issue("secret", "player-7", time.Minute, fixedNow.Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifierHonoursLeeway(t *testing.T) {
	verifier := newTestVerifier(t, 5*time.Second)
	token, err := Issue("secret", "player-7", time.Minute, fixedNow.Add(-time.Minute-2*time.Second))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Verify(token); err != nil {
		t.Fatalf("expected token within leeway to verify, got %v", err)
	}
}

func TestVerifierRejectsInvalidSignature(t *testing.T) {
	verifier := newTestVerifier(t, time.Second)
	token, err := Issue("other-secret", "player-7", time.Minute, fixedNow)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifierRejectsUnexpectedAlgorithm(t *testing.T) {
	verifier := newTestVerifier(t, time.Second)
	claims := jwt.RegisteredClaims{Subject: "player-7", ExpiresAt: jwt.NewNumericDate(fixedNow.Add(time.Minute))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for HS512, got %v", err)
	}
}

func TestVerifierRequiresSubjectAndExpiry(t *testing.T) {
	verifier := newTestVerifier(t, time.Second)
	cases := map[string]jwt.RegisteredClaims{
		"no subject": {ExpiresAt: jwt.NewNumericDate(fixedNow.Add(time.Minute))},
		"no expiry":  {Subject: "player-7"},
	}
	for name, claims := range cases {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		if err != nil {
			t.Fatalf("%s: sign: %v", name, err)
		}
		if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
	if _, err := verifier.Verify("  "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if _, err := verifier.Verify("not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestIssueValidatesInput(t *testing.T) {
	if _, err := Issue("", "player", time.Minute, fixedNow); err == nil {
		t.Fatal("expected empty secret to fail")
	}
	if _, err := Issue("secret", " ", time.Minute, fixedNow); err == nil {
		t.Fatal("expected empty subject to fail")
	}
	if _, err := Issue("secret", "player", 0, fixedNow); err == nil {
		t.Fatal("expected zero ttl to fail")
	}
	if _, err := NewVerifier(" ", 0); err == nil {
		t.Fatal("expected empty verifier secret to fail")
	}
}

func TestRequestAuthenticatorPrefersCookie(t *testing.T) {
	verifier := newTestVerifier(t, time.Second)
	authenticator := NewRequestAuthenticator(verifier, "")
	cookieToken, _ := Issue("secret", "cookie-user", time.Minute, fixedNow)
	headerToken, _ := Issue("secret", "header-user", time.Minute, fixedNow)

	req := httptest.NewRequest(http.MethodGet, "/ws/match/m-1", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: cookieToken})
	req.Header.Set("Authorization", "Bearer "+headerToken)
	user, err := authenticator.Authenticate(req)
	if err != nil || user != "cookie-user" {
		t.Fatalf("expected cookie-user, got %q (%v)", user, err)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws/match/m-1", nil)
	req.Header.Set("Authorization", "bearer "+headerToken)
	user, err = authenticator.Authenticate(req)
	if err != nil || user != "header-user" {
		t.Fatalf("expected header-user, got %q (%v)", user, err)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws/match/m-1", nil)
	if _, err := authenticator.Authenticate(req); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestUserContextRoundTrip(t *testing.T) {
	ctx := ContextWithUser(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "alice")
	if user, ok := UserFromContext(ctx); !ok || user != "alice" {
		t.Fatalf("unexpected user %q %v", user, ok)
	}
	if _, ok := UserFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()); ok {
		t.Fatal("expected no user on a bare context")
	}
}
