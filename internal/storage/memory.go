package storage

import (
	"context"
	"sort"
	"sync"

	"calbot/internal/clock"
)

type deliveryKey struct {
	id  int64
	day clock.Day
}

// Memory is an in-process Store. The file backend persists its state.
type Memory struct {
	mu          sync.RWMutex
	subscribers map[int64]Subscriber
	days        map[clock.Day]struct{}
	deliveries  map[deliveryKey]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		subscribers: map[int64]Subscriber{},
		days:        map[clock.Day]struct{}{},
		deliveries:  map[deliveryKey]struct{}{},
	}
}

func (m *Memory) UpsertSubscriber(_ context.Context, s Subscriber) error {
	if err := ValidFireTime(s.Hour, s.Minute); err != nil {
		return err
	}
	m.mu.Lock()
	m.subscribers[s.ID] = s
	m.mu.Unlock()
	return nil
}

func (m *Memory) UpdateFireTime(_ context.Context, id int64, hour, minute int) error {
	if err := ValidFireTime(hour, minute); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[id]
	if !ok {
		return ErrSubscriberNotFound
	}
	s.Hour, s.Minute = hour, minute
	m.subscribers[id] = s
	return nil
}

func (m *Memory) RemoveSubscriber(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscribers[id]; !ok {
		return ErrSubscriberNotFound
	}
	delete(m.subscribers, id)
	return nil
}

func (m *Memory) ListSubscribers(context.Context) ([]Subscriber, error) {
	m.mu.RLock()
	out := make([]Subscriber, 0, len(m.subscribers))
	for _, s := range m.subscribers {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) LastMailingDay(context.Context) (clock.Day, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last clock.Day
	for d := range m.days {
		if d.After(last) {
			last = d
		}
	}
	return last, !last.IsZero(), nil
}

func (m *Memory) AddMailingDay(_ context.Context, day clock.Day) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.days[day]; ok {
		return ErrDuplicateDay
	}
	m.days[day] = struct{}{}
	return nil
}

func (m *Memory) HasDelivery(_ context.Context, id int64, day clock.Day) (bool, error) {
	m.mu.RLock()
	_, ok := m.deliveries[deliveryKey{id, day}]
	m.mu.RUnlock()
	return ok, nil
}

func (m *Memory) AddDelivery(_ context.Context, id int64, day clock.Day) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := deliveryKey{id, day}
	if _, ok := m.deliveries[k]; ok {
		return ErrDuplicateDay
	}
	m.deliveries[k] = struct{}{}
	return nil
}

func (m *Memory) Close() error { return nil }
