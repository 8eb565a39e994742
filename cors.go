package main

import (
	"net/http"
	"os"
	"strings"
)

// withCORS adds CORS headers so a browser viewer on another origin can call
// the API and read the frame headers.
//
// By default it allows http://localhost:3000; override with
// CORS_ALLOWED_ORIGIN (e.g. "*" or "https://viewer.example.com").
func withCORS(next http.Handler) http.Handler {
	allowedOrigin := os.Getenv("CORS_ALLOWED_ORIGIN")
	if allowedOrigin == "" {
		allowedOrigin = "http://localhost:3000"
	}
	// "localhost:3000" without a scheme would never match the Origin header.
	if allowedOrigin != "*" && !strings.Contains(allowedOrigin, "://") {
		allowedOrigin = "http://" + allowedOrigin
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Disposition, X-Frame-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
