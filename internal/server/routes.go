// Package server wires HTTP handlers into a ServeMux for the relay.
package server

import (
	"net/http"

	"github.com/rs/cors"
)

// SetupRoutes returns a ServeMux serving the relay. metricsHandler is mounted at
// /metrics when non-nil. Plain HTTP endpoints get CORS headers for the
// configured origins; upgrades are governed by the relay's origin check.
func SetupRoutes(r *Relay, metricsHandler http.Handler) *http.ServeMux {
	c := cors.New(cors.Options{
		AllowedOrigins: r.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
	})

	mux := http.NewServeMux()
	mux.Handle("/", upgradeOr(r, c.Handler(http.HandlerFunc(HealthHandler))))
	mux.HandleFunc("/ws", r.WebSocketHandler)
	if metricsHandler != nil {
		mux.Handle("/metrics", c.Handler(metricsHandler))
	}
	return mux
}
