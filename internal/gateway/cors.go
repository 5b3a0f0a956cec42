package gateway

import (
	"net/http"
	"path"
)

// NewCORSMiddleware answers preflight requests and sets CORS headers for
// origins matching one of patterns (path.Match syntax). With no patterns it
// is a pass-through.
func NewCORSMiddleware(patterns []string) func(http.Handler) http.Handler {
	if len(patterns) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	allowed := func(origin string) bool {
		for _, p := range patterns {
			if p == "*" || p == origin {
				return true
			}
			if ok, _ := path.Match(p, origin); ok {
				return true
			}
		}
		return false
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && allowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.Header().Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
