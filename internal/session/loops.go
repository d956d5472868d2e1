package session

import (
	"context"
	"errors"
	"time"
)

// Start launches the heartbeat loop and the connectivity watcher.
// They stop on Close or when ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)

		m.wg.Add(2)
		go m.heartbeatLoop(ctx)
		go m.watchConnectivity(ctx)
	})
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick heartbeats a live session and reconnects a stale or offline one
func (m *Manager) tick(ctx context.Context) {
	if !m.conn.Online() {
		return
	}

	st := m.Status()
	switch {
	case st.State == StateActive && st.IsConnected:
		m.pool.RunSafe(ctx, "heartbeat", m.opts.RequestTimeout, m.Heartbeat)
	case st.State == StateStale, st.State == StateActive && !st.IsConnected:
		m.pool.RunSafe(ctx, "reconnect", m.reconnectTimeout(), m.reconnect)
	}
}

func (m *Manager) reconnectTimeout() time.Duration {
	return 4 * m.opts.RequestTimeout
}

// reconnect runs the online connect path for a session that is offline or stale
func (m *Manager) reconnect(ctx context.Context) {
	st := m.Status()
	if !st.HasSession() || (st.State == StateActive && st.IsConnected) {
		return
	}

	if _, err := m.Connect(ctx); err != nil && !errors.Is(err, ErrClosed) {
		m.logger.WithError(err).Warn("Reconnect failed")
	}
}

// watchConnectivity reconciles the session whenever connectivity changes
func (m *Manager) watchConnectivity(ctx context.Context) {
	defer m.wg.Done()

	changes, unsubscribe := m.conn.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case online := <-changes:
			if online {
				m.logger.Info("Connectivity restored, reconciling session")
				m.pool.RunSafe(ctx, "reconnect", m.reconnectTimeout(), m.reconnect)
				continue
			}
			m.update(func() {
				if m.session != nil {
					m.connected = false
				}
			})
		}
	}
}

// Close stops the loops, disconnects if configured and releases the worker pool.
// It is safe to call more than once.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()

		if m.opts.DisconnectOnClose {
			err = m.Disconnect(ctx)
		}

		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		if m.ownPool {
			if releaseErr := m.pool.Release(); releaseErr != nil {
				m.logger.WithError(releaseErr).Warn("Worker pool did not drain before release timeout")
			}
		}
	})
	return err
}
