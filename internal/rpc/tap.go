package rpc

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/deltazero-dev/agentwire/internal/wire"
)

// Direction labels which way a tapped frame traveled.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// tapBuffer bounds the tap stream. A slow consumer loses the oldest
// records; the data path never blocks on the tap.
const tapBuffer = 256

// TapRecord is one mirrored frame.
type TapRecord struct {
	Direction   Direction
	Time        time.Time
	Raw         []byte
	Method      string // top-level method member, empty for responses
	Fingerprint uint64 // xxhash of the raw frame, for cheap dedup/diffing
}

// Tap is a bounded mirror of every frame crossing the endpoint. Close
// finishes the stream; the endpoint then stops mirroring until a new tap is
// requested.
type Tap struct {
	mu     sync.Mutex
	ch     chan TapRecord
	closed bool

	onClose func()
}

func newTap(onClose func()) *Tap {
	return &Tap{ch: make(chan TapRecord, tapBuffer), onClose: onClose}
}

// Records returns the stream of mirrored frames.
func (t *Tap) Records() <-chan TapRecord { return t.ch }

// Close finishes the stream. Safe to call more than once.
func (t *Tap) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.ch)
	t.mu.Unlock()

	if t.onClose != nil {
		t.onClose()
	}
}

// record mirrors one frame, dropping the oldest buffered record when the
// consumer lags.
func (t *Tap) record(dir Direction, raw []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	// The frame buffer is reused by the caller; the tap keeps its own copy.
	cp := make([]byte, len(raw))
	copy(cp, raw)

	rec := TapRecord{
		Direction:   dir,
		Time:        time.Now(),
		Raw:         cp,
		Method:      wire.PeekMethod(cp),
		Fingerprint: xxhash.Sum64(cp),
	}

	select {
	case t.ch <- rec:
		return
	default:
	}
	// Full: evict the oldest and retry once.
	select {
	case <-t.ch:
	default:
	}
	select {
	case t.ch <- rec:
	default:
	}
}
