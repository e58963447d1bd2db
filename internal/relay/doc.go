// Package relay is the raw broadcast channel served at /relay: every message a
// peer sends over its WebSocket is forwarded verbatim to all other connected
// peers. There is no addressing and no buffering beyond each peer's bounded
// send queue; slow peers lose messages rather than stall the sender.
package relay
