package lamp

import (
	"sync"
)

// Notifier fans a unit "changed" signal out to in-process listeners.
// Listeners run on the notifying goroutine and must not block.
type Notifier struct {
	mu        sync.RWMutex
	next      uint64
	listeners map[uint64]func()
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{listeners: make(map[uint64]func())}
}

// Subscribe registers fn and returns a handle that removes it.
func (n *Notifier) Subscribe(fn func()) Subscription {
	n.mu.Lock()
	id := n.next
	n.next++
	n.listeners[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	})
}

// Notify invokes every registered listener once.
func (n *Notifier) Notify() {
	n.mu.RLock()
	fns := make([]func(), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

// Len returns the number of active listeners.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners)
}
