package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"calbot/internal/clock"
	"calbot/pkg/logx"
)

// fileStore keeps state in memory and rewrites one JSON snapshot after every
// mutation (tmp file + rename).
type fileStore struct {
	*Memory

	log  logx.Logger
	path string
	wmu  sync.Mutex
}

type fileSnapshot struct {
	Subscribers []Subscriber   `json:"subscribers"`
	Days        []string       `json:"mailing_history"`
	Deliveries  []fileDelivery `json:"deliveries"`
}

type fileDelivery struct {
	ID  int64  `json:"telegram_id"`
	Day string `json:"date"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	st := &fileStore{Memory: NewMemory(), log: log, path: path}
	if err := st.load(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	for _, sub := range snap.Subscribers {
		s.subscribers[sub.ID] = sub
	}
	for _, raw := range snap.Days {
		d, err := clock.ParseDay(raw)
		if err != nil {
			s.log.Warn("skipping bad mailing day", logx.String("date", raw), logx.Err(err))
			continue
		}
		s.days[d] = struct{}{}
	}
	for _, fd := range snap.Deliveries {
		d, err := clock.ParseDay(fd.Day)
		if err != nil {
			continue
		}
		s.deliveries[deliveryKey{fd.ID, d}] = struct{}{}
	}
	return nil
}

func (s *fileStore) persist() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.RLock()
	var snap fileSnapshot
	for _, sub := range s.subscribers {
		snap.Subscribers = append(snap.Subscribers, sub)
	}
	for d := range s.days {
		snap.Days = append(snap.Days, d.String())
	}
	for k := range s.deliveries {
		snap.Deliveries = append(snap.Deliveries, fileDelivery{ID: k.id, Day: k.day.String()})
	}
	s.mu.RUnlock()

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) UpsertSubscriber(ctx context.Context, sub Subscriber) error {
	if err := s.Memory.UpsertSubscriber(ctx, sub); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) UpdateFireTime(ctx context.Context, id int64, hour, minute int) error {
	if err := s.Memory.UpdateFireTime(ctx, id, hour, minute); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) RemoveSubscriber(ctx context.Context, id int64) error {
	if err := s.Memory.RemoveSubscriber(ctx, id); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) AddMailingDay(ctx context.Context, day clock.Day) error {
	if err := s.Memory.AddMailingDay(ctx, day); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) AddDelivery(ctx context.Context, id int64, day clock.Day) error {
	if err := s.Memory.AddDelivery(ctx, id, day); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) Close() error { return s.persist() }
