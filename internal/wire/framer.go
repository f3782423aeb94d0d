// Package wire implements the byte-level framing and JSON-RPC envelope
// handling for ACP connections: extracting whole JSON values from a noisy
// stream and classifying them as requests, responses, or notifications.
package wire

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxNoisePrefix is the largest non-JSON prefix kept while waiting for a
	// newline. Beyond this the stream is considered hopelessly noisy and the
	// buffer is discarded.
	maxNoisePrefix = 4096

	// bufWarnThreshold is the buffer size above which a warning is emitted
	// when no complete frame has been produced yet.
	bufWarnThreshold = 200_000
)

// Framer accumulates bytes from a transport and yields one complete
// top-level JSON value at a time. Non-JSON lines interleaved on the same
// stream (diagnostic output from the peer is common) are skipped.
//
// The framer only balances braces and brackets; it never interprets JSON
// semantics. Not safe for concurrent use; the owning read loop is the single
// caller.
type Framer struct {
	buf    []byte
	logger *slog.Logger

	// warnLimit throttles the oversized-buffer warning so a peer streaming
	// one giant value does not flood the log.
	warnLimit *rate.Limiter
}

// NewFramer creates a framer that logs skipped noise and oversized buffers
// through the given logger.
func NewFramer(logger *slog.Logger) *Framer {
	return &Framer{
		logger:    logger,
		warnLimit: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Append adds newly received bytes to the internal buffer.
func (f *Framer) Append(p []byte) {
	f.buf = append(f.buf, p...)
}

// Len returns the number of buffered bytes not yet emitted as a frame.
func (f *Framer) Len() int { return len(f.buf) }

// Reset discards all buffered bytes.
func (f *Framer) Reset() { f.buf = f.buf[:0] }

// PopFrame extracts the next complete top-level JSON value from the buffer.
// It returns (frame, true) when a whole value is available, or (nil, false)
// when more bytes are needed. After a frame is returned the buffer contains
// only bytes that were not part of it.
func (f *Framer) PopFrame() ([]byte, bool) {
	for {
		f.skipLeadingWhitespace()
		if len(f.buf) == 0 {
			return nil, false
		}

		if f.buf[0] != '{' && f.buf[0] != '[' {
			if !f.dropNoiseLine() {
				return nil, false
			}
			continue
		}

		frame, rest, ok := scanValue(f.buf)
		if !ok {
			if len(f.buf) > bufWarnThreshold && f.warnLimit.Allow() {
				f.logger.Warn("frame buffer growing without a complete value",
					"buffered_bytes", len(f.buf))
			}
			return nil, false
		}

		// Copy the frame out so the caller owns it independently of the
		// buffer, which is about to be compacted.
		out := make([]byte, len(frame))
		copy(out, frame)
		f.buf = append(f.buf[:0], rest...)
		return out, true
	}
}

// skipLeadingWhitespace removes leading space, tab, CR, and LF bytes.
func (f *Framer) skipLeadingWhitespace() {
	i := 0
	for i < len(f.buf) {
		switch f.buf[i] {
		case ' ', '\t', '\r', '\n':
			i++
		default:
			f.buf = f.buf[i:]
			return
		}
	}
	f.buf = f.buf[:0]
}

// dropNoiseLine discards bytes up to and including the next newline. It
// returns false when no newline has arrived yet; in that case the buffer is
// kept unless the accumulated noise prefix exceeds maxNoisePrefix, at which
// point the whole buffer is discarded.
func (f *Framer) dropNoiseLine() bool {
	nl := bytes.IndexByte(f.buf, '\n')
	if nl < 0 {
		if len(f.buf) > maxNoisePrefix {
			f.logger.Warn("discarding noisy stream buffer with no newline",
				"discarded_bytes", len(f.buf))
			f.buf = f.buf[:0]
		}
		return false
	}
	if f.logger.Enabled(context.Background(), slog.LevelDebug) {
		f.logger.Debug("skipping non-JSON output from peer",
			"line", string(bytes.TrimRight(f.buf[:nl], "\r")))
	}
	f.buf = f.buf[nl+1:]
	return true
}

// scanValue scans buf (which must start with '{' or '[') for a balanced
// top-level value. It tracks string state so braces inside strings are
// ignored and honors backslash escapes only inside strings.
func scanValue(buf []byte) (frame, rest []byte, ok bool) {
	depth := 0
	inString := false
	for i := 0; i < len(buf); i++ {
		c := buf[i]
		if inString {
			switch c {
			case '\\':
				i++ // skip the escaped byte
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return buf[:i+1], buf[i+1:], true
			}
		}
	}
	return nil, nil, false
}
