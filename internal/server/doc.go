// Package server coordinates sessions, rooms, presence, tabs, counters and
// progress through the Hub actor, and exposes them over WebSocket and HTTP.
//
// The hub owns all session state and runs on one goroutine. Client pumps,
// HTTP ingress handlers and sweep timers reach that state only by
// submitting operations to it, so every mutation observes the effects of the
// previous one in full.
//
// Files are split by concern: hub.go holds the actor loop and session
// lifecycle, inbound.go dispatches session frames, ingress.go serves
// producers, client.go runs the WebSocket pumps and handlers.go exposes HTTP.
package server
