// Package netstatus tracks whether the authority is reachable and notifies
// subscribers on every online/offline transition.
package netstatus

import (
	"context"
	"sync"
	"time"

	"github.com/chargesync/devicesync/internal/observability"
)

// Connectivity is the read side of a Monitor
type Connectivity interface {
	Online() bool
	// Subscribe delivers the new state after each transition. Slow readers
	// only see the latest state. Call the returned func to unsubscribe.
	Subscribe() (<-chan bool, func())
}

// Prober checks reachability once
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor polls a Prober and publishes transitions
type Monitor struct {
	prober       Prober
	interval     time.Duration
	probeTimeout time.Duration

	mu     sync.RWMutex
	online bool
	since  time.Time
	subs   map[int]chan bool
	nextID int

	logger *observability.Logger
}

// NewMonitor creates a monitor starting in the given state
func NewMonitor(prober Prober, interval time.Duration, initial bool) *Monitor {
	timeout := interval / 2
	if timeout <= 0 || timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Monitor{
		prober:       prober,
		interval:     interval,
		probeTimeout: timeout,
		online:       initial,
		since:        time.Now().UTC(),
		subs:         make(map[int]chan bool),
		logger:       observability.WithField("component", "netstatus"),
	}
}

// Online reports the last known state
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Since is when the current state began
func (m *Monitor) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// SetOnline records a state observed elsewhere (probe, OS event, failed call)
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.since = time.Now().UTC()
	subs := make([]chan bool, 0, len(m.subs))
	for _, ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("Authority reachable")
	} else {
		m.logger.Warn("Authority unreachable, working offline")
	}

	for _, ch := range subs {
		publish(ch, online)
	}
}

// publish replaces any unread state with the newest one
func publish(ch chan bool, online bool) {
	for {
		select {
		case ch <- online:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Probe pings once and records the result
func (m *Monitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	err := m.prober.Ping(ctx)
	if err != nil {
		m.logger.WithError(err).Debug("Probe failed")
	}
	m.SetOnline(err == nil)
	return err == nil
}

// Run probes immediately and then every interval until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	if m.prober == nil || m.interval <= 0 {
		<-ctx.Done()
		return
	}

	m.Probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
