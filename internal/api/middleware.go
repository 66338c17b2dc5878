/**
 * @description
 * This file contains custom middleware for the HTTP router. The service is
 * never exposed to end users directly: the messaging gateway and the ops
 * tooling are the only callers, and both authenticate with a shared internal
 * API key.
 *
 * @dependencies
 * - net/http: Standard Go library.
 */

package api

import (
	"net/http"
)

// internalKeyHeader carries the shared key on server-to-server calls.
const internalKeyHeader = "X-Internal-API-Key"

// InternalAuthMiddleware validates the internal API key for server-to-server
// calls. An empty required key disables the check (local development).
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get(internalKeyHeader)
			if provided == "" || provided != requiredKey {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
