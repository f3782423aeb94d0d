// Package transport abstracts the byte stream an ACP connection is spoken
// over. A transport carries whole framed messages out and a raw byte stream
// in; reassembly of inbound bytes into frames is the framer's job, so byte
// granularity here is irrelevant.
package transport

import "io"

// Transport is a duplex byte channel to the remote peer.
type Transport interface {
	// Send writes one framed message, already terminated by a newline.
	// Implementations do not need to serialize concurrent calls; the
	// endpoint's write path does.
	Send(p []byte) error

	// Reader returns the inbound byte stream. Single consumer. The reader
	// returns io.EOF when the peer's output side closes.
	Reader() io.Reader

	// Close tears the transport down. Idempotent.
	Close() error
}
