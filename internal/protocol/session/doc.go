// Package session owns the per-connection protocol engine.
//
// Ownership boundary:
// - optional token handshake
// - header -> dispatch -> payload -> reply loop
// - session statistics
//
// Lifecycle order:
// - awaiting_auth (token configured only) -> awaiting_header
//
// - awaiting_header -> reading|writing -> awaiting_header
//
// - any state -> closed
//
// Every error returned by Serve is terminal for the session. Nothing is retried and
// the stream is never resynchronized. The caller owns the connection and closes it.
package session
