package transport

import (
	"errors"
	"io"
	"sync"
)

// Stdio is a transport over a pair of pipe endpoints, typically a child
// process's stdin (writer) and stdout (reader) owned by the process
// supervisor.
type Stdio struct {
	w io.WriteCloser
	r io.ReadCloser

	mu     sync.Mutex
	closed bool
}

// NewStdio wraps the given write and read endpoints. The transport takes
// ownership of both and closes them on Close.
func NewStdio(w io.WriteCloser, r io.ReadCloser) *Stdio {
	return &Stdio{w: w, r: r}
}

// Send writes one framed message to the peer's input.
func (s *Stdio) Send(p []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("stdio transport closed")
	}
	s.mu.Unlock()

	_, err := s.w.Write(p)
	return err
}

// Reader returns the peer's output stream.
func (s *Stdio) Reader() io.Reader { return s.r }

// Close closes both endpoints. Closing the writer signals EOF to the peer's
// stdin; closing the reader unblocks the read loop.
func (s *Stdio) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.w.Close(), s.r.Close())
}

var _ Transport = (*Stdio)(nil)
