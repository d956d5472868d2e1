package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/chargesync/devicesync/internal/models"
	"github.com/chargesync/devicesync/internal/remote"
)

// Handler delivers one queue item to the authority. It must be safe to call
// again for an item that was already delivered.
type Handler func(ctx context.Context, item *models.SyncQueueItem) error

// ErrUndeliverable marks an item whose payload can never be delivered
var ErrUndeliverable = errors.New("undeliverable sync item")

// DefaultHandlers maps every queue item type to its authority operation
func DefaultHandlers(authority remote.Authority) map[models.ItemType]Handler {
	activity := func(ctx context.Context, item *models.SyncQueueItem) error {
		var queued models.QueuedActivity
		if err := decode(item, &queued); err != nil {
			return err
		}
		return authority.AppendActivityLog(ctx, queued.DeviceID, queued.SessionID, &queued.Entry)
	}

	return map[models.ItemType]Handler{
		models.ItemBatteryReading: func(ctx context.Context, item *models.SyncQueueItem) error {
			var reading models.BatteryReading
			if err := decode(item, &reading); err != nil {
				return err
			}
			return authority.SubmitBatteryReading(ctx, &reading)
		},
		models.ItemRewardClaim: func(ctx context.Context, item *models.SyncQueueItem) error {
			var claim models.RewardClaim
			if err := decode(item, &claim); err != nil {
				return err
			}
			return authority.SubmitRewardClaim(ctx, &claim)
		},
		models.ItemSessionEvent: activity,
		models.ItemActivityLog:  activity,
	}
}

func decode(item *models.SyncQueueItem, v any) error {
	if err := item.Decode(v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrUndeliverable, item.Type, err)
	}
	return nil
}
