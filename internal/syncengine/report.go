package syncengine

import (
	"time"

	"github.com/chargesync/devicesync/internal/models"
)

// Reasons an item left the queue without delivery
const (
	ReasonRejected      = "rejected"
	ReasonMaxRetries    = "max-retries"
	ReasonUndeliverable = "undeliverable"
)

// DroppedItem is one evicted queue item
type DroppedItem struct {
	ID         string          `json:"id"`
	Type       models.ItemType `json:"type"`
	Reason     string          `json:"reason"`
	RetryCount int             `json:"retryCount"`
	LastError  string          `json:"lastError,omitempty"`
}

// TypeReport summarizes one type's batch. Deferred counts items left
// untouched because an earlier item stopped the batch.
type TypeReport struct {
	Delivered int    `json:"delivered"`
	Retried   int    `json:"retried"`
	Dropped   int    `json:"dropped"`
	Deferred  int    `json:"deferred"`
	Error     string `json:"error,omitempty"`
}

// DrainReport is the outcome of one drain. A drain never fails as a whole;
// per-type problems are recorded in Types.
type DrainReport struct {
	StartedAt  time.Time                       `json:"startedAt"`
	FinishedAt time.Time                       `json:"finishedAt"`
	Skipped    bool                            `json:"skipped,omitempty"`
	Delivered  int                             `json:"delivered"`
	Retried    int                             `json:"retried"`
	Deferred   int                             `json:"deferred"`
	Dropped    []DroppedItem                   `json:"dropped,omitempty"`
	Types      map[models.ItemType]*TypeReport `json:"types,omitempty"`
	Remaining  int                             `json:"remaining"`
}

func newReport(start time.Time) *DrainReport {
	return &DrainReport{StartedAt: start, Types: make(map[models.ItemType]*TypeReport)}
}

// merge folds one type's result into the report
func (r *DrainReport) merge(t models.ItemType, tr *TypeReport, dropped []DroppedItem) {
	r.Types[t] = tr
	r.Delivered += tr.Delivered
	r.Retried += tr.Retried
	r.Deferred += tr.Deferred
	r.Dropped = append(r.Dropped, dropped...)
}

// Duration of the drain
func (r *DrainReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
