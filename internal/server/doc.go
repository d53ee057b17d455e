// Package server implements the room relay: it accepts WebSocket connections,
// places each one in the room named by its roomId query parameter, and forwards
// every text frame verbatim to the other members of that room.
//
// The implementation is organized into files for configuration, the relay and
// its connections, routing, and HTTP handlers. Room membership itself lives in
// the registry package and is injected into the Relay.
package server
