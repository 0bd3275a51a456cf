package relay

import (
	"errors"
	"os"
	"syscall"
)

var (
	// ErrReceive wraps fatal errors returned by the socket while waiting for a
	// datagram.
	ErrReceive = errors.New("relay: receive failed")
	// ErrSend wraps fatal errors returned while fanning a datagram out. The
	// pass is aborted at the first failing recipient.
	ErrSend = errors.New("relay: send failed")
	// ErrAlreadyServing is returned when Serve is called while another Serve
	// call on the same Relay is still running.
	ErrAlreadyServing = errors.New("relay: already serving")
)

// isNotReady reports whether err means "try the same operation again": a
// deadline expiry or a would-block condition surfaced by a non-blocking socket.
func isNotReady(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}
