package api

import (
	"net/http"

	"github.com/amurg-ai/scenegate/internal/auth"
)

// authMiddleware requires a valid handshake-style token on /api routes. The
// token may come from the Authorization header or the "token" query parameter.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := auth.TokenFromRequest(r)
		if tok == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		claims, err := s.verifier.Verify(tok)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		s.logger.Debug("api request", "subject", claims.Subject, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// originPolicy decides which browser origins may read API responses.
type originPolicy struct {
	wildcard bool
	allowed  map[string]bool
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowed: make(map[string]bool, len(origins))}
	for _, o := range origins {
		if o == "*" {
			p.wildcard = true
		}
		p.allowed[o] = true
	}
	return p
}

// apply sets the CORS response headers for origin.
func (p originPolicy) apply(h http.Header, origin string) {
	switch {
	case p.wildcard:
		h.Set("Access-Control-Allow-Origin", "*")
	case origin != "" && p.allowed[origin]:
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	default:
		return
	}
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	policy := newOriginPolicy(origins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			policy.apply(w.Header(), r.Header.Get("Origin"))
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
