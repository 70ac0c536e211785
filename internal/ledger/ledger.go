// Package ledger records which days the dispatch loop has processed and which
// subscribers were delivered for which fire day.
//
// The day ledger is advisory (gap detection and logs). The delivery ledger
// gates sends so a restart never notifies a subscriber twice for one day.
package ledger

import (
	"context"
	"errors"

	"calbot/internal/clock"
	"calbot/internal/storage"
)

var ErrDuplicateDay = storage.ErrDuplicateDay

type Ledger struct {
	store storage.Store
}

func New(store storage.Store) *Ledger { return &Ledger{store: store} }

// LastProcessedDay returns the latest recorded day. An empty ledger yields
// ok == false and no error.
func (l *Ledger) LastProcessedDay(ctx context.Context) (clock.Day, bool, error) {
	return l.store.LastMailingDay(ctx)
}

// RecordProcessed appends day. A second call for the same day returns
// ErrDuplicateDay, which callers treat as already handled.
func (l *Ledger) RecordProcessed(ctx context.Context, day clock.Day) error {
	return l.store.AddMailingDay(ctx, day)
}

func (l *Ledger) Delivered(ctx context.Context, id int64, day clock.Day) (bool, error) {
	return l.store.HasDelivery(ctx, id, day)
}

// RecordDelivery marks id as delivered for day. Duplicates are not errors here.
func (l *Ledger) RecordDelivery(ctx context.Context, id int64, day clock.Day) error {
	if err := l.store.AddDelivery(ctx, id, day); err != nil && !errors.Is(err, storage.ErrDuplicateDay) {
		return err
	}
	return nil
}
