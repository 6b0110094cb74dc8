package api

import (
	"net/http"
	"strings"

	"contentgardener/internal/telemetry"
)

// cronAuth guards the trigger endpoints with the shared-secret scheme the
// external scheduler uses: the X-Scheduled-Task marker plus a static bearer
// token, distinct from user-session auth. An empty configured secret
// disables the check for local development.
func (s *Server) cronAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CronSecret != "" {
			if r.Header.Get("X-Scheduled-Task") != "true" || bearerToken(r) != s.cfg.CronSecret {
				writeJSON(w, http.StatusUnauthorized, response{Error: "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies the shared token bucket per endpoint path.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			allowed, _, err := s.limiter.Allow(r.Context(), r.URL.Path)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, response{Error: "rate limit error"})
				return
			}
			if !allowed {
				telemetry.TriggerRejects.Inc()
				writeJSON(w, http.StatusTooManyRequests, response{Error: "rate limited"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// cors applies the per-origin allow-list.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Scheduled-Task")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
