// Package middleware provides HTTP middleware for the briefing API.
package middleware

import (
	"net/http"
	"slices"

	"github.com/ashureev/echo-briefing/internal/identity"
	"github.com/rs/cors"
)

// CORS returns middleware that handles CORS headers and preflight requests.
// Credentials are only allowed when every origin is listed explicitly.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowCredentials: !slices.Contains(allowedOrigins, "*"),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", identity.SessionHeaderName},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
	})
	return c.Handler
}
