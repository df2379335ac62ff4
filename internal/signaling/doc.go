// Package signaling is the WebSocket transport listener.
//
// Each upgraded connection becomes one lifecycle session. Inbound text frames
// are handed to the lifecycle manager in arrival order; outbound frames go
// through a bounded per-connection queue drained by a single writer, so a slow
// peer never blocks routing for everyone else.
package signaling
