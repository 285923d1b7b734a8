package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS adds Cross-Origin Resource Sharing headers for the given origins.
// "*" allows any origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-Request-ID",
		},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         3600,
	})
	return c.Handler
}
