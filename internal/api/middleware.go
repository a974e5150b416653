/**
 * @description
 * This file contains custom middleware for the HTTP router. The API is
 * internal: the only caller is the bot frontend, authenticated by a shared
 * static key. The comparison is constant-time so the key cannot be probed
 * byte by byte.
 *
 * @dependencies
 * - crypto/subtle, net/http: Standard Go libraries.
 */

package api

import (
	"crypto/subtle"
	"net/http"
)

const apiKeyHeader = "X-Internal-Api-Key"

// InternalAPIKeyMiddleware rejects requests that do not carry the shared
// internal key. An empty configured key disables the check, which is only
// acceptable in local development.
func InternalAPIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" {
				presented := r.Header.Get(apiKeyHeader)
				if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
