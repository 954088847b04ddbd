package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"warden.gg/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// The game server polls unauthenticated; probes and metrics stay open for
// the platform. Everything under /v1 (except info) needs a service token.
var publicPaths = []string{
	"/staff",
	"/whitelist",
	"/members",
	"/combined",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/",
}

// withAuth authenticates bearer service tokens and stashes the caller's
// scopes in the request context. With no signing secret configured the
// management surface runs open; cmd/api warns loudly about that at boot.
func (a *API) withAuth(next http.Handler) http.Handler {
	if !auth.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				respondError(w, http.StatusUnauthorized, "invalid token")
			} else {
				respondError(w, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := auth.ContextWithService(r.Context(), claims.Subject, claims.Scopes)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireScope enforces per-route scopes inside handlers. A nil return with
// auth disabled keeps tests and demo mode friction-free.
func (a *API) requireScope(r *http.Request, scope string) error {
	if !auth.Enabled() {
		return nil
	}
	if !auth.HasScope(r.Context(), scope) {
		return fmt.Errorf("missing required scope %q", scope)
	}
	return nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
