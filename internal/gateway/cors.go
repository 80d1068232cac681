package gateway

import "net/http"

const (
	corsAllowOrigin  = "*"
	corsAllowHeaders = "Content-Type, Authorization, X-Kiro-Session-Id"
	corsAllowMethods = "GET, POST, OPTIONS"

	defaultMaxRequestBytes = 10 * 1024 * 1024
)

// requestSizeLimitMiddleware caps request bodies ahead of JSON decoding so
// a pathological request can't exhaust memory before the Bridge's payload
// size log even runs.
func requestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware applies the fixed CORS header set required by §4.3. There
// is no configuration surface here: every origin is allowed and the header
// set never varies by route.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", corsAllowOrigin)
		w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
		w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
