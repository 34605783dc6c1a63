package auth

import (
	"context"
	"net/http"
	"strings"
)

// DefaultCookieName is the cookie carrying the session token.
const DefaultCookieName = "token"

// RequestAuthenticator resolves the user behind an HTTP or WebSocket upgrade request.
type RequestAuthenticator struct {
	verifier   *Verifier
	cookieName string
}

// NewRequestAuthenticator reads the token from cookieName, falling back to a bearer header.
func NewRequestAuthenticator(verifier *Verifier, cookieName string) *RequestAuthenticator {
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}
	return &RequestAuthenticator{verifier: verifier, cookieName: cookieName}
}

// Token extracts the raw credential. The cookie wins over the Authorization header.
func (a *RequestAuthenticator) Token(r *http.Request) string {
	if cookie, err := r.Cookie(a.cookieName); err == nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return token
		}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// Authenticate validates the request credential and returns the user id.
func (a *RequestAuthenticator) Authenticate(r *http.Request) (string, error) {
	token := a.Token(r)
	if token == "" {
		return "", ErrMissingToken
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

type userKey struct{}

// ContextWithUser stores the authenticated user id.
func ContextWithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the authenticated user id, if any.
func UserFromContext(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(userKey{}).(string)
	return user, ok && user != ""
}
