// Package connectivity tracks whether the remote gateway is reachable and
// notifies subscribers on online/offline transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/tildaslashalef/tillsync/internal/loggy"
)

// Monitor reports gateway reachability
type Monitor interface {
	// IsOnline returns the last observed connectivity state
	IsOnline() bool

	// Subscribe registers a callback invoked on every state transition.
	// The returned function removes the subscription.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Pinger is the probe used to test reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// notifier holds shared subscription bookkeeping for monitors
type notifier struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

func newNotifier(online bool) *notifier {
	return &notifier{
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

func (n *notifier) IsOnline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *notifier) Subscribe(fn func(bool)) func() {
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

// setOnline updates the state and notifies subscribers if it changed
func (n *notifier) setOnline(online bool) bool {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return false
	}
	n.online = online

	fns := make([]func(bool), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	// Callbacks run outside the lock so they may re-enter the monitor
	for _, fn := range fns {
		fn(online)
	}
	return true
}

// PollingMonitor probes the gateway on a fixed interval
type PollingMonitor struct {
	*notifier

	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *loggy.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewPollingMonitor creates a monitor probing with pinger every interval.
// The monitor starts offline until the first successful probe.
func NewPollingMonitor(pinger Pinger, interval time.Duration, logger *loggy.Logger) *PollingMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	return &PollingMonitor{
		notifier: newNotifier(false),
		pinger:   pinger,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start probes once immediately, then continues polling in the background
// until Stop is called.
func (m *PollingMonitor) Start() {
	m.probe()

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.probe()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts polling and waits for the poll loop to exit
func (m *PollingMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *PollingMonitor) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	err := m.pinger.Ping(ctx)
	online := err == nil

	if m.setOnline(online) {
		if online {
			m.logger.Info("Gateway connectivity restored")
		} else {
			m.logger.Warn("Gateway unreachable", "error", err)
		}
	}
}

// Static is a Monitor with manually controlled state, used in tests and
// when the gateway is disabled outright.
type Static struct {
	*notifier
}

// NewStatic creates a monitor fixed at the given initial state
func NewStatic(online bool) *Static {
	return &Static{notifier: newNotifier(online)}
}

// SetOnline changes the state, notifying subscribers on transitions
func (s *Static) SetOnline(online bool) {
	s.setOnline(online)
}
