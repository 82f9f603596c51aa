package middleware

import "net/http"

// SecurityHeaders returns a middleware that sets common security headers on
// all responses. mlsds serves only the xrpc JSON API and the SSE/WebSocket
// fan-out endpoints, no HTML, so the full Content-Security-Policy apparatus
// the teacher's SvelteKit frontend needed does not apply here; these headers
// are the subset that still matters for a JSON/WebSocket API behind a
// browser-based client.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Cross-Origin-Resource-Policy", "same-origin")

		next.ServeHTTP(w, r)
	})
}
