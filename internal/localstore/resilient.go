package localstore

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/chargesync/devicesync/internal/observability"
)

// Resilient serves from a durable store until it reports ErrStorageUnavailable,
// then switches to an in-memory store for the rest of the process.
type Resilient struct {
	primary  Store
	fallback *MemoryStore

	mu       sync.RWMutex
	degraded bool
	reason   error
	logger   *observability.Logger
}

// NewResilient wraps primary with a memory fallback
func NewResilient(primary Store) *Resilient {
	return &Resilient{
		primary:  primary,
		fallback: NewMemoryStore(),
		logger:   observability.WithField("component", "localstore"),
	}
}

// Degraded reports whether the store has fallen back to memory
func (r *Resilient) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

// DegradedReason is the error that caused the fallback, or nil
func (r *Resilient) DegradedReason() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reason
}

func (r *Resilient) active() Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.degraded {
		return r.fallback
	}
	return r.primary
}

func shouldDegrade(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrSchemaTooNew)
}

// degrade switches to memory once; it reports whether the caller should retry there
func (r *Resilient) degrade(ctx context.Context, err error) bool {
	if !shouldDegrade(err) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.degraded {
		return true
	}

	if initErr := r.fallback.Initialize(ctx); initErr != nil {
		r.logger.WithError(initErr).Error("Memory fallback failed to initialize")
		return false
	}
	r.degraded = true
	r.reason = err
	r.logger.WithError(err).Warn("Durable storage unavailable, continuing in memory for this session")
	return true
}

func (r *Resilient) Initialize(ctx context.Context) error {
	err := r.active().Initialize(ctx)
	if err != nil && r.degrade(ctx, err) {
		return nil
	}
	return err
}

func (r *Resilient) Put(ctx context.Context, rec Record) error {
	err := r.active().Put(ctx, rec)
	if err != nil && r.degrade(ctx, err) {
		return r.fallback.Put(ctx, rec)
	}
	return err
}

func (r *Resilient) Get(ctx context.Context, c Collection, key string) (Record, error) {
	rec, err := r.active().Get(ctx, c, key)
	if err != nil && r.degrade(ctx, err) {
		return r.fallback.Get(ctx, c, key)
	}
	return rec, err
}

func (r *Resilient) Delete(ctx context.Context, c Collection, key string) error {
	err := r.active().Delete(ctx, c, key)
	if err != nil && r.degrade(ctx, err) {
		return r.fallback.Delete(ctx, c, key)
	}
	return err
}

// QueryByIndex falls back only if the primary fails before yielding anything
func (r *Resilient) QueryByIndex(ctx context.Context, c Collection, rng Range) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		yielded := false
		for rec, err := range r.active().QueryByIndex(ctx, c, rng) {
			if err != nil && !yielded && r.degrade(ctx, err) {
				for rec, err := range r.fallback.QueryByIndex(ctx, c, rng) {
					if !yield(rec, err) {
						return
					}
				}
				return
			}
			yielded = true
			if !yield(rec, err) {
				return
			}
		}
	}
}

func (r *Resilient) Count(ctx context.Context, c Collection) (int, error) {
	n, err := r.active().Count(ctx, c)
	if err != nil && r.degrade(ctx, err) {
		return r.fallback.Count(ctx, c)
	}
	return n, err
}

func (r *Resilient) Update(ctx context.Context, fn func(tx Tx) error) error {
	err := r.active().Update(ctx, fn)
	if err != nil && r.degrade(ctx, err) {
		return r.fallback.Update(ctx, fn)
	}
	return err
}

func (r *Resilient) GetPref(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := r.active().GetPref(ctx, key)
	if err != nil && r.degrade(ctx, err) {
		return r.fallback.GetPref(ctx, key)
	}
	return v, ok, err
}

func (r *Resilient) SetPref(ctx context.Context, key, value string) error {
	err := r.active().SetPref(ctx, key, value)
	if err != nil && r.degrade(ctx, err) {
		return r.fallback.SetPref(ctx, key, value)
	}
	return err
}

func (r *Resilient) DeletePref(ctx context.Context, key string) error {
	err := r.active().DeletePref(ctx, key)
	if err != nil && r.degrade(ctx, err) {
		return r.fallback.DeletePref(ctx, key)
	}
	return err
}

// Close closes the durable store; the memory fallback has nothing to release
func (r *Resilient) Close() error {
	return r.primary.Close()
}
