// Package syncengine drains the sync queue against the session authority,
// per item type in FIFO order, with retry accounting and poison-item eviction.
package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/chargesync/devicesync/internal/models"
	"github.com/chargesync/devicesync/internal/netstatus"
	"github.com/chargesync/devicesync/internal/observability"
	"github.com/chargesync/devicesync/internal/remote"
)

// Queue is the part of syncqueue.Queue the engine drives
type Queue interface {
	Pending(ctx context.Context, itemType models.ItemType) ([]*models.SyncQueueItem, error)
	Remove(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, item *models.SyncQueueItem, cause error) (*models.SyncQueueItem, error)
	Due(item *models.SyncQueueItem) bool
	Depth(ctx context.Context) (int, error)
	DepthByType(ctx context.Context) (map[models.ItemType]int, error)
}

// Options configures an Engine
type Options struct {
	// MaxRetries is the attempt count at which a failing item is evicted
	MaxRetries int
	// Concurrency bounds how many types drain in parallel
	Concurrency int
	// RequestTimeout bounds each delivery
	RequestTimeout time.Duration
	// PollInterval adds a timer trigger to Run; zero keeps draining reactive
	PollInterval time.Duration
	Metrics      *observability.SyncMetrics
	Clock        func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Concurrency <= 0 {
		o.Concurrency = len(models.ItemTypes())
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Status is the observable view of the engine
type Status struct {
	IsOnline     bool         `json:"isOnline"`
	IsSyncing    bool         `json:"isSyncing"`
	QueueDepth   int          `json:"queueDepth"`
	LastSyncAt   time.Time    `json:"lastSyncAt,omitzero"`
	DroppedTotal int          `json:"droppedTotal"`
	LastReport   *DrainReport `json:"lastReport,omitempty"`
}

// Engine drains the queue on connectivity restore, on request and optionally on a timer
type Engine struct {
	queue    Queue
	conn     netstatus.Connectivity
	opts     Options
	logger   *observability.Logger
	handlers map[models.ItemType]Handler

	drainGroup singleflight.Group
	trigger    chan struct{}

	mu           sync.RWMutex
	syncing      bool
	lastSyncAt   time.Time
	droppedTotal int
	lastReport   *DrainReport
}

// New creates an engine delivering through authority
func New(queue Queue, authority remote.Authority, conn netstatus.Connectivity, opts Options) *Engine {
	opts.setDefaults()
	return &Engine{
		queue:    queue,
		conn:     conn,
		opts:     opts,
		logger:   observability.WithField("component", "syncengine"),
		handlers: DefaultHandlers(authority),
		trigger:  make(chan struct{}, 1),
	}
}

// Handle replaces the handler for one item type. Call before Run.
func (e *Engine) Handle(itemType models.ItemType, h Handler) {
	e.handlers[itemType] = h
}

// Status reports connectivity, drain activity and queue depth
func (e *Engine) Status(ctx context.Context) (Status, error) {
	depth, err := e.queue.Depth(ctx)

	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		IsOnline:     e.conn.Online(),
		IsSyncing:    e.syncing,
		QueueDepth:   depth,
		LastSyncAt:   e.lastSyncAt,
		DroppedTotal: e.droppedTotal,
		LastReport:   e.lastReport,
	}, err
}

// QueueDepth counts pending items
func (e *Engine) QueueDepth(ctx context.Context) (int, error) {
	return e.queue.Depth(ctx)
}

// SyncNow asks Run for a drain without waiting for it
func (e *Engine) SyncNow() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Drain delivers every due item. Concurrent calls share one drain.
func (e *Engine) Drain(ctx context.Context) *DrainReport {
	ch := e.drainGroup.DoChan("drain", func() (interface{}, error) {
		return e.drain(ctx), nil
	})

	select {
	case res := <-ch:
		return res.Val.(*DrainReport)
	case <-ctx.Done():
		report := newReport(e.opts.Clock())
		report.Skipped = true
		report.FinishedAt = report.StartedAt
		return report
	}
}

func (e *Engine) drain(ctx context.Context) *DrainReport {
	report := newReport(e.opts.Clock())

	if !e.conn.Online() {
		report.Skipped = true
		report.FinishedAt = report.StartedAt
		e.logger.Debug("Offline, skipping drain")
		return report
	}

	ctx, span := observability.StartServiceSpan(ctx, "syncengine", "drain")
	defer span.End()

	e.setSyncing(true)
	defer e.setSyncing(false)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)

	for _, itemType := range models.ItemTypes() {
		handler, ok := e.handlers[itemType]
		if !ok {
			continue
		}
		g.Go(func() error {
			tr, dropped := e.drainType(gctx, itemType, handler)
			mu.Lock()
			report.merge(itemType, tr, dropped)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = e.opts.Clock()
	remaining, err := e.queue.Depth(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("Failed to count queue after drain")
	}
	report.Remaining = remaining

	e.mu.Lock()
	e.lastSyncAt = report.FinishedAt
	e.droppedTotal += len(report.Dropped)
	e.lastReport = report
	e.mu.Unlock()

	e.opts.Metrics.RecordDrain(ctx, report.Duration(), report.Delivered, report.Retried, len(report.Dropped), remaining)
	span.SetAttributes(
		attribute.Int("sync.delivered", report.Delivered),
		attribute.Int("sync.retried", report.Retried),
		attribute.Int("sync.dropped", len(report.Dropped)),
		attribute.Int("sync.remaining", remaining),
	)
	observability.SetSuccess(span)

	if report.Delivered > 0 || report.Retried > 0 || len(report.Dropped) > 0 {
		e.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"delivered": report.Delivered,
			"retried":   report.Retried,
			"dropped":   len(report.Dropped),
			"remaining": remaining,
			"duration":  report.Duration().String(),
		}).Info("Drain complete")
	}
	return report
}

// drainType delivers one type's items in order. The first item that fails
// without being evicted, or is not yet due, stops the batch so later items
// never overtake it.
func (e *Engine) drainType(ctx context.Context, itemType models.ItemType, handler Handler) (*TypeReport, []DroppedItem) {
	tr := &TypeReport{}
	var dropped []DroppedItem
	logger := e.logger.WithField("item_type", string(itemType))

	items, err := e.queue.Pending(ctx, itemType)
	if err != nil {
		logger.WithError(err).Warn("Failed to read queue")
		tr.Error = err.Error()
		return tr, nil
	}

	drop := func(item *models.SyncQueueItem, reason string, cause error) bool {
		if err := e.queue.Remove(ctx, item.ID); err != nil {
			logger.WithError(err).Warn("Failed to evict sync item")
			tr.Error = err.Error()
			return false
		}
		d := DroppedItem{ID: item.ID, Type: itemType, Reason: reason, RetryCount: item.RetryCount}
		if cause != nil {
			d.LastError = cause.Error()
		}
		dropped = append(dropped, d)
		tr.Dropped++
		logger.WithFields(map[string]interface{}{
			"queue_item_id": item.ID,
			"reason":        reason,
			"retry_count":   item.RetryCount,
		}).Warn("Dropped sync item")
		return true
	}

	for i, item := range items {
		if ctx.Err() != nil || !e.queue.Due(item) {
			tr.Deferred = len(items) - i
			break
		}

		err := e.deliver(ctx, handler, item)
		if err == nil {
			if err := e.queue.Remove(ctx, item.ID); err != nil {
				logger.WithError(err).Warn("Delivered item could not be removed")
				tr.Error = err.Error()
				tr.Deferred = len(items) - i - 1
				break
			}
			tr.Delivered++
			continue
		}

		switch {
		case errors.Is(err, ErrUndeliverable):
			if drop(item, ReasonUndeliverable, err) {
				continue
			}
		case remote.IsRejected(err):
			if drop(item, ReasonRejected, err) {
				continue
			}
		default:
			failed, markErr := e.queue.MarkFailed(ctx, item, err)
			if markErr != nil {
				logger.WithError(markErr).Warn("Failed to record sync attempt")
			}
			if failed.RetryCount >= e.opts.MaxRetries {
				if drop(failed, ReasonMaxRetries, err) {
					continue
				}
			} else {
				tr.Retried++
				logger.WithError(err).WithFields(map[string]interface{}{
					"queue_item_id": item.ID,
					"retry_count":   failed.RetryCount,
				}).Warn("Sync item failed, will retry")
			}
		}

		tr.Deferred = len(items) - i - 1
		break
	}
	return tr, dropped
}

func (e *Engine) deliver(ctx context.Context, handler Handler, item *models.SyncQueueItem) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()
	return handler(ctx, item)
}

func (e *Engine) setSyncing(v bool) {
	e.mu.Lock()
	e.syncing = v
	e.mu.Unlock()
}
