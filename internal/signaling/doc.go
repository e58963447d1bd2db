// Package signaling exposes the long-poll signaling surface over HTTP:
// session lifecycle plus the submit and await endpoints that feed the
// mailbox dispatcher.
//
// Event payloads are opaque to the dispatcher. The handlers only look inside
// them to label metrics and, when strict signaling is enabled, to reject
// malformed SDP and ICE candidates before they reach the other peer.
package signaling
