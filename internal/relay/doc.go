// Package relay implements the broadcast loop: every datagram received on the
// listening socket is re-sent, byte for byte, to every other peer that has
// sent something recently.
//
// A Relay is single-threaded. Serve is the only goroutine that touches the
// peer registry, the receive buffer and the pending send, so none of them are
// locked. Payloads are opaque; the relay never decodes them.
package relay
