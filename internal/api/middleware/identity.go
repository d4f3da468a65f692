package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	pkgmw "github.com/agentoven/triage/pkg/middleware"
	"github.com/rs/zerolog/log"
)

// Request headers carrying the caller identity.
const (
	HeaderRole = "X-Triage-Role"
	HeaderUser = "X-Triage-User"
)

// Identity resolves the caller's role and subject from request headers and
// stores them in the context. Requests without a role header get
// defaultRole. Role names are case-insensitive.
func Identity(defaultRole string) func(http.Handler) http.Handler {
	defaultRole = normalizeRole(defaultRole)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := &pkgmw.Identity{
				Subject:  strings.TrimSpace(r.Header.Get(HeaderUser)),
				Role:     normalizeRole(r.Header.Get(HeaderRole)),
				Provider: "header",
			}
			if id.Role == "" {
				id.Role = defaultRole
				id.Provider = "default"
			}
			next.ServeHTTP(w, r.WithContext(pkgmw.SetIdentity(r.Context(), id)))
		})
	}
}

// RequireRole rejects requests whose role is not in roles with 403.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(roles))
	for _, r := range roles {
		allowed = append(allowed, normalizeRole(r))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := pkgmw.RoleFrom(r.Context())
			if !slices.Contains(allowed, role) {
				log.Warn().Str("role", role).Str("path", r.URL.Path).Msg("Privileged endpoint denied")
				respondJSON(w, http.StatusForbidden, map[string]string{
					"error":   "forbidden",
					"message": "role " + strconv.Quote(role) + " may not call this endpoint",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func normalizeRole(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
