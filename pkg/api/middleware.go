package api

import (
	"net/http"
)

// withAuth enforces the X-Sandbox-Secret header on deploy mutation routes
// when a webhook secret is configured. An unconfigured secret disables the
// check entirely.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.WebhookSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-Sandbox-Secret") != s.cfg.WebhookSecret {
			writeError(w, http.StatusUnauthorized, "invalid or missing X-Sandbox-Secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withCORS applies the configured origin allowlist to every response. An
// empty allowlist means CORS headers are not sent.
func (s *Server) withCORS(next http.Handler) http.Handler {
	if len(s.cfg.CORSOrigins) == 0 {
		return next
	}
	allowed := make(map[string]bool, len(s.cfg.CORSOrigins))
	for _, o := range s.cfg.CORSOrigins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowed["*"] || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Sandbox-Secret")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
