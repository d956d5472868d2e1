// Package syncqueue is the durable, per-type FIFO queue of pending remote operations.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/chargesync/devicesync/internal/localstore"
	"github.com/chargesync/devicesync/internal/models"
	"github.com/chargesync/devicesync/internal/observability"
)

// Options configures a Queue
type Options struct {
	// NodeID seeds the snowflake generator (0-1023)
	NodeID  int64
	Backoff Backoff
	Clock   func() time.Time
}

// Queue appends items to, and removes items from, the sync-queue collection.
// Item keys are zero-padded snowflake ids, so key order is enqueue order.
type Queue struct {
	store   localstore.Store
	node    *snowflake.Node
	backoff Backoff
	now     func() time.Time
}

// New creates a queue over store
func New(store localstore.Store, opts Options) (*Queue, error) {
	node, err := snowflake.NewNode(opts.NodeID)
	if err != nil {
		return nil, fmt.Errorf("create id generator: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Queue{
		store:   store,
		node:    node,
		backoff: opts.Backoff,
		now:     clock,
	}, nil
}

func (q *Queue) nextID() string {
	return fmt.Sprintf("%020d", q.node.Generate().Int64())
}

// Enqueue appends an item. It never touches the network.
func (q *Queue) Enqueue(ctx context.Context, itemType models.ItemType, payload any) (*models.SyncQueueItem, error) {
	var item *models.SyncQueueItem
	err := q.store.Update(ctx, func(tx localstore.Tx) error {
		var err error
		item, err = q.EnqueueTx(tx, itemType, payload)
		return err
	})
	if err != nil {
		return nil, err
	}

	observability.WithFields(map[string]interface{}{
		"queue_item_id": item.ID,
		"item_type":     string(item.Type),
	}).Debug("Enqueued sync item")
	return item, nil
}

// EnqueueTx appends an item inside a caller's transaction
func (q *Queue) EnqueueTx(tx localstore.Tx, itemType models.ItemType, payload any) (*models.SyncQueueItem, error) {
	item, err := models.NewSyncQueueItem(q.nextID(), itemType, payload, q.now())
	if err != nil {
		return nil, err
	}
	rec, err := toRecord(item)
	if err != nil {
		return nil, err
	}
	if err := tx.Put(rec); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", itemType, err)
	}
	return item, nil
}

// Items lazily lists the items of one type in enqueue order
func (q *Queue) Items(ctx context.Context, itemType models.ItemType) iter.Seq2[*models.SyncQueueItem, error] {
	return func(yield func(*models.SyncQueueItem, error) bool) {
		for rec, err := range q.store.QueryByIndex(ctx, localstore.SyncQueue, localstore.NaturalKey(string(itemType))) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(fromRecord(rec)) {
				return
			}
		}
	}
}

// Pending collects the items of one type in enqueue order. Items that no
// longer decode are removed and skipped.
func (q *Queue) Pending(ctx context.Context, itemType models.ItemType) ([]*models.SyncQueueItem, error) {
	var (
		items   []*models.SyncQueueItem
		corrupt []string
	)
	for item, err := range q.Items(ctx, itemType) {
		if errors.Is(err, ErrCorruptItem) {
			observability.WithField("queue_item_id", item.ID).WithError(err).Warn("Discarding undecodable sync item")
			corrupt = append(corrupt, item.ID)
			continue
		}
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}

	for _, id := range corrupt {
		if err := q.Remove(ctx, id); err != nil {
			return items, err
		}
	}
	return items, nil
}

// Depth counts every pending item
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.Count(ctx, localstore.SyncQueue)
}

// DepthByType counts pending items per type
func (q *Queue) DepthByType(ctx context.Context) (map[models.ItemType]int, error) {
	depths := make(map[models.ItemType]int, len(models.ItemTypes()))
	for _, t := range models.ItemTypes() {
		n := 0
		for _, err := range q.store.QueryByIndex(ctx, localstore.SyncQueue, localstore.NaturalKey(string(t))) {
			if err != nil {
				return nil, err
			}
			n++
		}
		depths[t] = n
	}
	return depths, nil
}

// Get loads one item
func (q *Queue) Get(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	rec, err := q.store.Get(ctx, localstore.SyncQueue, id)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

// Remove deletes an item after delivery or eviction
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.store.Delete(ctx, localstore.SyncQueue, id)
}

// MarkFailed records a failed attempt and schedules the next one.
// The returned item carries the incremented retry count.
func (q *Queue) MarkFailed(ctx context.Context, item *models.SyncQueueItem, cause error) (*models.SyncQueueItem, error) {
	updated := *item
	updated.RetryCount++
	updated.NextAttemptAt = q.backoff.NextAttempt(q.now(), updated.RetryCount)
	if cause != nil {
		updated.LastError = cause.Error()
	}

	rec, err := toRecord(&updated)
	if err != nil {
		return &updated, err
	}
	if err := q.store.Put(ctx, rec); err != nil {
		return &updated, fmt.Errorf("record failed attempt: %w", err)
	}
	return &updated, nil
}

// Due reports whether item may be attempted now
func (q *Queue) Due(item *models.SyncQueueItem) bool {
	return item.DueAt(q.now())
}

func toRecord(item *models.SyncQueueItem) (localstore.Record, error) {
	return localstore.NewRecord(localstore.SyncQueue, item.ID, string(item.Type), item.EnqueuedAt, item)
}

// ErrCorruptItem marks a stored item that no longer decodes
var ErrCorruptItem = errors.New("corrupt sync queue item")

// fromRecord always returns an item carrying at least the id, so corrupt
// entries can still be removed
func fromRecord(rec localstore.Record) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	if err := rec.Decode(&item); err != nil {
		return &models.SyncQueueItem{ID: rec.Key, Type: models.ItemType(rec.NaturalKey)},
			fmt.Errorf("%w %s: %v", ErrCorruptItem, rec.Key, err)
	}
	item.ID = rec.Key
	return &item, nil
}
