package middleware

import "net/http"

const contentSecurityPolicy = "default-src 'self'; " +
	"img-src 'self' data: https:; " +
	"font-src 'self' data: https:; " +
	"script-src 'self' 'unsafe-inline'; " +
	"style-src 'self' 'unsafe-inline'; " +
	"connect-src 'self'"

// SecurityHeaders sets the response headers every API response carries.
// HSTS is only sent when hsts is true, normally in production behind TLS.
func SecurityHeaders(hsts bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Content-Security-Policy", contentSecurityPolicy)
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
			if hsts {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
			}
			next.ServeHTTP(w, r)
		})
	}
}
