/**
 * @description
 * This file contains custom middleware for the HTTP router. The credit core is
 * only reachable by sibling services, so every route sits behind a shared
 * internal API key check rather than end-user authentication.
 *
 * @dependencies
 * - net/http, strings: Standard Go libraries.
 */

package api

import (
	"net/http"
	"strings"
)

// InternalAuthMiddleware creates a middleware that validates the shared
// internal API key. An empty configured key disables the check, which is only
// acceptable for local development.
func InternalAuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	requiredKey := strings.TrimSpace(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || provided != requiredKey {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
