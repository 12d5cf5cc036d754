package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/venuefence/internal/auth"
)

// TokenVerifier validates a bearer token and returns its claims.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Auth requires a valid "Authorization: Bearer <token>" header and stores the
// token subject as the request's user ID. Requests whose path is in public
// pass through untouched.
func Auth(verifier TokenVerifier, metrics *Metrics, public ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(public))
	for _, p := range public {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			reject := func(reason, message string) {
				if metrics != nil {
					metrics.IncAuthFailures(reason)
				}
				SetErrorCode(r.Context(), "auth_failed")
				w.Header().Set("WWW-Authenticate", `Bearer realm="venuefence"`)
				writeJSONError(w, http.StatusUnauthorized, "auth_failed", message)
			}

			header := r.Header.Get("Authorization")
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				reject("missing", "Missing bearer token")
				return
			}

			claims, err := verifier.Verify(strings.TrimSpace(token))
			if err != nil {
				if errors.Is(err, auth.ErrExpiredToken) {
					reject("expired", "Token has expired")
					return
				}
				reject("invalid", "Invalid token")
				return
			}

			ctx := SetUserID(r.Context(), claims.UserID())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
