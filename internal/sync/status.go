package sync

import (
	stdsync "sync"
)

// statusNotifier holds the listener registry for sync status changes.
// Listeners are invoked synchronously on every queue mutation.
type statusNotifier struct {
	mu     stdsync.Mutex
	nextID int
	subs   map[int]func(SyncStatus)
}

func newStatusNotifier() *statusNotifier {
	return &statusNotifier{subs: make(map[int]func(SyncStatus))}
}

// subscribe registers a listener and returns its disposer
func (n *statusNotifier) subscribe(fn func(SyncStatus)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.subs[id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

// notify invokes every listener with the given status
func (n *statusNotifier) notify(status SyncStatus) {
	n.mu.Lock()
	fns := make([]func(SyncStatus), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}

// clear drops all listeners
func (n *statusNotifier) clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = make(map[int]func(SyncStatus))
}
