package credstore

import "sync"

// Notifier fans Change values out to subscribers. Store drivers embed it to
// implement Subscribe.
type Notifier struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Change)
}

// Subscribe registers fn and returns its unsubscribe func.
func (n *Notifier) Subscribe(fn func(Change)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.subs == nil {
		n.subs = make(map[int]func(Change))
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

// Notify calls every subscriber with c. Subscribers run on the caller's
// goroutine, outside the notifier lock.
func (n *Notifier) Notify(c Change) {
	n.mu.RLock()
	fns := make([]func(Change), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
