package identity

import (
	"net/http"
	"strings"
	"time"
)

// Verifier validates an access token and returns the caller it identifies.
type Verifier interface {
	Verify(token string, now time.Time) (Principal, error)
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, error) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", ErrMissingToken
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrInvalidToken
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", ErrMissingToken
	}
	return tok, nil
}

// TokenFromRequest returns the bearer token, falling back to the "token" query
// parameter for browser WebSocket clients that cannot set headers.
func TokenFromRequest(r *http.Request) (string, error) {
	tok, err := BearerToken(r)
	if err == nil {
		return tok, nil
	}
	if q := strings.TrimSpace(r.URL.Query().Get("token")); q != "" {
		return q, nil
	}
	return "", err
}

// Authenticate extracts and verifies the request token.
func Authenticate(v Verifier, r *http.Request, now time.Time) (Principal, error) {
	tok, err := TokenFromRequest(r)
	if err != nil {
		return Principal{}, err
	}
	return v.Verify(tok, now)
}
