// Package async runs fire-and-forget tasks on a bounded ants pool.
// Tasks get their own timeout and a panic in one never reaches the caller.
package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/chargesync/devicesync/internal/observability"
)

// ErrReleased is returned when submitting to a released pool
var ErrReleased = errors.New("async pool released")

// Config sizes the pool
type Config struct {
	Size           int
	ReleaseTimeout time.Duration
	// DefaultTimeout bounds tasks submitted with a zero timeout
	DefaultTimeout time.Duration
}

// Pool wraps an ants pool
type Pool struct {
	mu       sync.RWMutex
	pool     *ants.Pool
	cfg      Config
	released bool
	logger   *observability.Logger
}

// New builds a pool
func New(cfg Config) (*Pool, error) {
	if cfg.Size <= 0 {
		cfg.Size = 16
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = time.Minute
	}

	logger := observability.WithField("component", "async")

	p, err := ants.NewPool(cfg.Size,
		ants.WithNonblocking(true),
		ants.WithExpiryDuration(time.Minute),
		ants.WithPanicHandler(func(r any) {
			logger.WithFields(map[string]interface{}{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("Async task panic")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	return &Pool{pool: p, cfg: cfg, logger: logger}, nil
}

// Submit queues a raw task
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.released {
		return ErrReleased
	}
	return p.pool.Submit(task)
}

// RunSafe runs task in the pool with its own deadline. The task context
// keeps the values of ctx but not its cancellation, so a finished request
// does not abort work it started. A non-nil error means task will never run.
func (p *Pool) RunSafe(ctx context.Context, name string, timeout time.Duration, task func(ctx context.Context)) error {
	if task == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	logger := p.logger.WithField("task", name)

	wrap := func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				}).Error("Async task panic")
			}
		}()

		task(runCtx)

		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			logger.Warnf("Async task exceeded %s", timeout)
		}
	}

	if err := p.Submit(wrap); err != nil {
		cancel()
		logger.WithError(err).Warn("Async submit failed")
		return err
	}
	return nil
}

// Running is the number of tasks currently executing
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Release waits up to ReleaseTimeout for running tasks, then frees the pool
func (p *Pool) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return nil
	}
	p.released = true

	if p.cfg.ReleaseTimeout > 0 {
		return p.pool.ReleaseTimeout(p.cfg.ReleaseTimeout)
	}
	p.pool.Release()
	return nil
}
