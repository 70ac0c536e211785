package ledger

import (
	"context"
	"errors"
	"testing"

	"calbot/internal/clock"
	"calbot/internal/storage"
)

func TestRecordProcessedTwice(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := New(storage.NewMemory())
	d, _ := clock.ParseDay("2025-03-04")

	if _, ok, err := l.LastProcessedDay(ctx); ok || err != nil {
		t.Fatalf("empty ledger: ok=%v err=%v", ok, err)
	}
	if err := l.RecordProcessed(ctx, d); err != nil {
		t.Fatalf("RecordProcessed: %v", err)
	}
	if err := l.RecordProcessed(ctx, d); !errors.Is(err, ErrDuplicateDay) {
		t.Fatalf("second RecordProcessed = %v, want ErrDuplicateDay", err)
	}
	last, ok, err := l.LastProcessedDay(ctx)
	if err != nil || !ok || last != d {
		t.Fatalf("LastProcessedDay = %v %v %v, want %v", last, ok, err, d)
	}
}

func TestRecordDeliveryIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := New(storage.NewMemory())
	d, _ := clock.ParseDay("2025-03-04")

	for i := 0; i < 2; i++ {
		if err := l.RecordDelivery(ctx, 9, d); err != nil {
			t.Fatalf("RecordDelivery #%d: %v", i, err)
		}
	}
	if ok, _ := l.Delivered(ctx, 9, d); !ok {
		t.Fatalf("Delivered = false")
	}
	if ok, _ := l.Delivered(ctx, 9, d.AddDays(1)); ok {
		t.Fatalf("Delivered(next day) = true")
	}
}
