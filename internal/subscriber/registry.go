// Package subscriber keeps the live subscriber set: a write-through cache in
// front of storage that hands out copy-on-read snapshots.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"calbot/internal/eventbus"
	"calbot/internal/storage"
	"calbot/pkg/logx"
)

// ErrNotFound aliases the storage sentinel so callers need only this package.
var ErrNotFound = storage.ErrSubscriberNotFound

type Subscriber = storage.Subscriber

// Registry serializes writers and lets readers take snapshots without
// holding any lock across network I/O.
type Registry struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	wmu  sync.Mutex // serializes store write + cache update
	mu   sync.RWMutex
	byID map[int64]Subscriber
}

// Load builds a registry from the current store contents.
func Load(ctx context.Context, store storage.Store, bus eventbus.Bus, log logx.Logger) (*Registry, error) {
	list, err := store.ListSubscribers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load subscribers: %w", err)
	}
	r := &Registry{store: store, bus: bus, log: log, byID: make(map[int64]Subscriber, len(list))}
	for _, s := range list {
		r.byID[s.ID] = s
	}
	log.Info("subscribers loaded", logx.Int("count", len(list)))
	return r, nil
}

// Upsert replaces any record with the same ID.
func (r *Registry) Upsert(ctx context.Context, s Subscriber) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	if err := r.store.UpsertSubscriber(ctx, s); err != nil {
		return err
	}
	r.mu.Lock()
	r.byID[s.ID] = s
	r.mu.Unlock()
	r.publish(s)
	return nil
}

// UpdateFireTime changes only the fire time of an existing subscriber.
func (r *Registry) UpdateFireTime(ctx context.Context, id int64, hour, minute int) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	r.mu.RLock()
	s, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if err := r.store.UpdateFireTime(ctx, id, hour, minute); err != nil {
		if errors.Is(err, storage.ErrSubscriberNotFound) {
			// store is authoritative
			r.mu.Lock()
			delete(r.byID, id)
			r.mu.Unlock()
		}
		return err
	}
	s.Hour, s.Minute = hour, minute
	r.mu.Lock()
	r.byID[id] = s
	r.mu.Unlock()
	r.publish(s)
	return nil
}

func (r *Registry) Remove(ctx context.Context, id int64) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	if err := r.store.RemoveSubscriber(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
	return nil
}

// Get returns a copy of one record.
func (r *Registry) Get(id int64) (Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// List returns a snapshot ordered by ID. Records are values, so later
// mutations never show through.
func (r *Registry) List() []Subscriber {
	r.mu.RLock()
	out := make([]Subscriber, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) publish(s Subscriber) {
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeSubscriberSaved, Data: s.ID})
	}
}
