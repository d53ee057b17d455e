// Package server exposes HTTP handlers: the WebSocket upgrade and the plain
// liveness response served to everything else.
package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// HealthMessage is the body returned by HealthHandler.
const HealthMessage = "Relay server is running"

// HealthHandler answers any non-upgrade request with 200 and a fixed plain-text body.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, HealthMessage)
}

// WebSocketHandler handles upgrade requests on the dedicated /ws path. Only GET
// is accepted; the upgrade itself is done by ServeWS.
func (r *Relay) WebSocketHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	r.ServeWS(w, req)
}

// upgradeOr sends WebSocket upgrade requests to the relay and everything else to next,
// so clients may connect on any path.
func upgradeOr(r *Relay, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if websocket.IsWebSocketUpgrade(req) {
			r.ServeWS(w, req)
			return
		}
		next.ServeHTTP(w, req)
	})
}
