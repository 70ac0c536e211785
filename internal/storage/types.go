package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calbot/internal/clock"
)

var (
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrDuplicateDay       = errors.New("day already recorded")
	ErrInvalidFireTime    = errors.New("fire time out of range")
)

// Subscriber mirrors one row of the subscribers table.
type Subscriber struct {
	ID     int64  `db:"telegram_id" json:"telegram_id"`
	URL    string `db:"url" json:"url"`
	Hour   int    `db:"display_hour" json:"display_hour"`
	Minute int    `db:"display_minutes" json:"display_minutes"`
}

func (s Subscriber) FireTime() string { return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute) }

// ValidFireTime reports whether h:m is a wall-clock time of day.
func ValidFireTime(h, m int) error {
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return fmt.Errorf("%w: %02d:%02d", ErrInvalidFireTime, h, m)
	}
	return nil
}

type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration
}

// Store is the persistence contract. Implementations are safe for concurrent use.
type Store interface {
	// UpsertSubscriber replaces any record with the same ID.
	UpsertSubscriber(ctx context.Context, s Subscriber) error
	UpdateFireTime(ctx context.Context, id int64, hour, minute int) error
	RemoveSubscriber(ctx context.Context, id int64) error
	ListSubscribers(ctx context.Context) ([]Subscriber, error)

	// LastMailingDay reports the latest processed day; ok is false on an empty ledger.
	LastMailingDay(ctx context.Context) (day clock.Day, ok bool, err error)
	AddMailingDay(ctx context.Context, day clock.Day) error

	HasDelivery(ctx context.Context, id int64, day clock.Day) (bool, error)
	AddDelivery(ctx context.Context, id int64, day clock.Day) error

	Close() error
}
