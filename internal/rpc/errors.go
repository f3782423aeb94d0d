// Package rpc implements the peer endpoint: the single authority over
// request correlation, inbound dispatch, and cancellation on one ACP
// connection. Both roles (client and agent) share this multiplexer.
package rpc

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to endpoint callers.
var (
	// ErrPeerNotRunning is returned by operations attempted after the
	// connection closed.
	ErrPeerNotRunning = errors.New("peer not running")

	// ErrPeerTerminated fails pending requests when the endpoint is closed
	// locally.
	ErrPeerTerminated = errors.New("peer terminated")

	// ErrConnectionClosed marks a graceful end of the inbound stream.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTimeout marks a per-call deadline that elapsed before the
	// response arrived.
	ErrTimeout = errors.New("request timed out")
)

// PeerExitError fails pending requests when the peer process exited while
// they were in flight.
type PeerExitError struct {
	Code int
}

func (e *PeerExitError) Error() string {
	return fmt.Sprintf("peer exited with code %d", e.Code)
}
