package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	pkgmw "github.com/agentoven/triage/pkg/middleware"
)

// APIKeyAuth guards every non-public path with a static key list.
//
// Keys are accepted from "Authorization: Bearer <key>" or "X-API-Key".
// A configured entry is either "<key>" or "<name>=<key>"; a matching named
// key becomes the request subject unless X-Triage-User already set one.
// /health and /version are always public. With no keys configured the
// middleware lets every request through.
type APIKeyAuth struct {
	keys []apiKey
}

type apiKey struct {
	name   string
	digest [sha256.Size]byte
}

// NewAPIKeyAuth creates the middleware from TRIAGE_API_KEYS entries.
func NewAPIKeyAuth(entries []string) *APIKeyAuth {
	a := &APIKeyAuth{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		name, key, named := strings.Cut(e, "=")
		if !named {
			name, key = "", e
		}
		if key = strings.TrimSpace(key); key == "" {
			continue
		}
		a.keys = append(a.keys, apiKey{name: strings.TrimSpace(name), digest: sha256.Sum256([]byte(key))})
	}
	return a
}

// Enabled returns whether at least one key is configured.
func (a *APIKeyAuth) Enabled() bool { return len(a.keys) > 0 }

// Middleware enforces API key auth.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		presented := extractAPIKey(r)
		if presented == "" {
			respondUnauthorized(w, "API key required. Set Authorization: Bearer <key> or X-API-Key header.")
			return
		}
		key, ok := a.lookup(presented)
		if !ok {
			respondUnauthorized(w, "Invalid API key.")
			return
		}

		if id := pkgmw.GetIdentity(r.Context()); id != nil {
			upd := *id
			upd.Provider = "apikey"
			if upd.Subject == "" {
				upd.Subject = key.name
			}
			r = r.WithContext(pkgmw.SetIdentity(r.Context(), &upd))
		}
		next.ServeHTTP(w, r)
	})
}

// lookup checks every key with a constant-time digest compare.
func (a *APIKeyAuth) lookup(presented string) (apiKey, bool) {
	digest := sha256.Sum256([]byte(presented))
	var (
		found apiKey
		hit   bool
	)
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(digest[:], k.digest[:]) == 1 {
			found, hit = k, true
		}
	}
	return found, hit
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func isPublicPath(path string) bool {
	return path == "/health" || path == "/version"
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="triage"`)
	respondJSON(w, http.StatusUnauthorized, map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
