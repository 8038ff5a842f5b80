package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"sensei/internal/domain"
)

// Authenticator validates a bearer token.
type Authenticator interface {
	Authenticate(token string) error
}

// StaticTokenAuth accepts a fixed set of tokens using constant-time
// comparison.
type StaticTokenAuth struct {
	tokens [][]byte
}

// NewStaticTokenAuth builds an authenticator from tokens. Empty tokens are
// ignored.
func NewStaticTokenAuth(tokens ...string) *StaticTokenAuth {
	a := &StaticTokenAuth{}
	for _, t := range tokens {
		if t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	return a
}

// Authenticate returns nil if token is one of the configured tokens.
func (s *StaticTokenAuth) Authenticate(token string) error {
	tb := []byte(token)
	for _, t := range s.tokens {
		if subtle.ConstantTimeCompare(tb, t) == 1 {
			return nil
		}
	}
	return domain.ErrAuthInvalid
}

// BearerAuth rejects requests without a valid Authorization header.
func BearerAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || auth.Authenticate(strings.TrimSpace(token)) != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", domain.CodeAuthInvalid)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
