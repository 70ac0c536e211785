package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"calbot/internal/clock"
	"calbot/pkg/logx"
)

//go:embed schema.sql
var schema string

func init() {
	// modernc registers as "sqlite", which sqlx does not map by default.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// sqlStore serves both SQL dialects. Queries are written with '?' and rebound
// per driver; dates are stored as ISO text so MAX() orders them correctly.
type sqlStore struct {
	db  *sqlx.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	return newSQLStore(db, log)
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return newSQLStore(db, log)
}

func newSQLStore(db *sqlx.DB, log logx.Logger) (*sqlStore, error) {
	st := &sqlStore{db: db, log: log}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.DriverName(), err)
	}
	log.Debug("storage ready", logx.String("driver", db.DriverName()))
	return st, nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

// UpsertSubscriber deletes then inserts inside one transaction, so the
// previous record is replaced as a whole.
func (s *sqlStore) UpsertSubscriber(ctx context.Context, sub Subscriber) error {
	if err := ValidFireTime(sub.Hour, sub.Minute); err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM subscribers WHERE telegram_id = ?`), sub.ID); err != nil {
		return err
	}
	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO subscribers (telegram_id, url, display_hour, display_minutes)
		 VALUES (:telegram_id, :url, :display_hour, :display_minutes)`, sub); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) UpdateFireTime(ctx context.Context, id int64, hour, minute int) error {
	if err := ValidFireTime(hour, minute); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE subscribers SET display_hour = ?, display_minutes = ? WHERE telegram_id = ?`),
		hour, minute, id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrSubscriberNotFound)
}

func (s *sqlStore) RemoveSubscriber(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM subscribers WHERE telegram_id = ?`), id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrSubscriberNotFound)
}

func (s *sqlStore) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	var out []Subscriber
	err := s.db.SelectContext(ctx, &out,
		`SELECT telegram_id, url, display_hour, display_minutes FROM subscribers ORDER BY telegram_id`)
	return out, err
}

func (s *sqlStore) LastMailingDay(ctx context.Context) (clock.Day, bool, error) {
	var last sql.NullString
	if err := s.db.GetContext(ctx, &last, `SELECT MAX(date) FROM mailing_history`); err != nil {
		return clock.Day{}, false, err
	}
	if !last.Valid {
		return clock.Day{}, false, nil
	}
	d, err := clock.ParseDay(last.String)
	if err != nil {
		return clock.Day{}, false, err
	}
	return d, true, nil
}

func (s *sqlStore) AddMailingDay(ctx context.Context, day clock.Day) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO mailing_history (date) VALUES (?) ON CONFLICT (date) DO NOTHING`), day.String())
	if err != nil {
		return err
	}
	return requireRow(res, ErrDuplicateDay)
}

func (s *sqlStore) HasDelivery(ctx context.Context, id int64, day clock.Day) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		s.db.Rebind(`SELECT COUNT(*) FROM deliveries WHERE telegram_id = ? AND date = ?`), id, day.String())
	return n > 0, err
}

func (s *sqlStore) AddDelivery(ctx context.Context, id int64, day clock.Day) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO deliveries (telegram_id, date) VALUES (?, ?) ON CONFLICT (telegram_id, date) DO NOTHING`),
		id, day.String())
	if err != nil {
		return err
	}
	return requireRow(res, ErrDuplicateDay)
}

// requireRow maps "no row affected" to notFound.
func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
