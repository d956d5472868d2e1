package syncengine

import (
	"context"
	"time"
)

// Run drains when connectivity comes back, when SyncNow is called and, if
// PollInterval is set, on a timer while online. It drains once at start when
// online with work pending. Run blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	changes, unsubscribe := e.conn.Subscribe()
	defer unsubscribe()

	var poll <-chan time.Time
	if e.opts.PollInterval > 0 {
		ticker := time.NewTicker(e.opts.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	if e.conn.Online() {
		if depth, err := e.queue.Depth(ctx); err == nil && depth > 0 {
			e.Drain(ctx)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case online := <-changes:
			if online {
				e.logger.Info("Connectivity restored, draining sync queue")
				e.Drain(ctx)
			}
		case <-e.trigger:
			e.Drain(ctx)
		case <-poll:
			if e.conn.Online() {
				e.Drain(ctx)
			}
		}
	}
}
