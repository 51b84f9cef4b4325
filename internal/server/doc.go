// Package server implements the WebSocket side of the relay: the per-socket
// session state machine, the gorilla transport behind it, and the Service
// facade that the rest of an application uses to mount, query and shut down
// the relay.
//
// Configuration, origin checks and inbound rate limiting live alongside the
// HTTP handlers in this package. Connection bookkeeping, room routing and
// liveness probing are delegated to the registry, router and heartbeat
// packages.
package server
