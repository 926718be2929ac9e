package queue

import "sync"

// Notifier wakes idle workers when new work is enqueued.
//
// Signals coalesce: any number of Notify calls before a Wait is observed
// produce one wakeup. Workers still poll, so a missed signal only delays
// work by one poll interval.
type Notifier struct {
	mu     sync.Mutex
	closed bool
	signal chan struct{} // buffered, size 1
}

// NewNotifier creates an open notifier.
func NewNotifier() *Notifier {
	return &Notifier{signal: make(chan struct{}, 1)}
}

// Notify signals availability without blocking. Safe on a nil Notifier.
func (n *Notifier) Notify() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

// Wait returns a channel that receives when work may be available.
// Use with select for context-aware waiting. A nil Notifier never fires.
func (n *Notifier) Wait() <-chan struct{} {
	if n == nil {
		return nil
	}
	return n.signal
}

// Close wakes all waiters permanently.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	close(n.signal)
}
