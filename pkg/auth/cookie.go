package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/sessions"
)

// ErrNoToken is returned when a request carries no session token at all.
var ErrNoToken = errors.New("no session token in request")

// TokenSource extracts the admin session token from an incoming request.
// The console sends the token either as a signed session cookie or as a
// bearer Authorization header (API clients).
type TokenSource struct {
	store      *sessions.CookieStore
	cookieName string
}

// NewTokenSource creates a token source. signingKey authenticates the cookie
// store; cookieName is the console's session cookie.
func NewTokenSource(signingKey, cookieName string, secure bool) *TokenSource {
	store := sessions.NewCookieStore([]byte(signingKey))
	store.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &TokenSource{store: store, cookieName: cookieName}
}

// Extract returns the session token from the request, preferring the
// Authorization header over the cookie.
func (s *TokenSource) Extract(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			return "", errors.New("authorization header is not a bearer token")
		}
		return strings.TrimSpace(token), nil
	}

	session, err := s.store.Get(r, s.cookieName)
	if err != nil {
		return "", ErrNoToken
	}
	token, ok := session.Values["token"].(string)
	if !ok || token == "" {
		return "", ErrNoToken
	}
	return token, nil
}
