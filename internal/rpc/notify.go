package rpc

import (
	"log/slog"
	"sync"

	"github.com/deltazero-dev/agentwire/internal/wire"
)

// subscriptionBuffer bounds each consumer's queue. A consumer that stops
// reading loses its oldest notifications rather than stalling the receive
// loop; the loss is logged.
const subscriptionBuffer = 256

// Subscription is one consumer's view of the inbound notification stream.
// Notifications arrive in receive order. The channel is closed when the
// endpoint closes or the subscription is cancelled.
type Subscription struct {
	C <-chan wire.Notification

	ch   chan wire.Notification
	n    *notifier
	once sync.Once
}

// Close cancels the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() { s.n.remove(s) })
}

// notifier fans inbound notifications out to every subscriber.
type notifier struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	finished bool
	logger   *slog.Logger
}

func newNotifier(logger *slog.Logger) *notifier {
	return &notifier{subs: make(map[*Subscription]struct{}), logger: logger}
}

func (n *notifier) subscribe() *Subscription {
	ch := make(chan wire.Notification, subscriptionBuffer)
	s := &Subscription{C: ch, ch: ch, n: n}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.finished {
		close(ch)
		return s
	}
	n.subs[s] = struct{}{}
	return s
}

func (n *notifier) remove(s *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[s]; ok {
		delete(n.subs, s)
		close(s.ch)
	}
}

// publish delivers one notification to every subscriber, in order per
// consumer. Full queues drop their oldest entry.
func (n *notifier) publish(note wire.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.finished {
		return
	}
	for s := range n.subs {
		select {
		case s.ch <- note:
			continue
		default:
		}
		select {
		case <-s.ch:
			n.logger.Warn("notification consumer lagging, dropping oldest",
				"method", note.Method)
		default:
		}
		select {
		case s.ch <- note:
		default:
		}
	}
}

// finish closes every subscription channel. Further publishes are no-ops.
func (n *notifier) finish() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.finished {
		return
	}
	n.finished = true
	for s := range n.subs {
		delete(n.subs, s)
		close(s.ch)
	}
}
