// Package eventbus is a small in-memory fan-out used to observe dispatch and
// delivery lifecycle without coupling the producers to their observers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by calbot components.
const (
	TypeIterationDone   = "dispatch.iteration"
	TypeDayProcessed    = "dispatch.day_processed"
	TypeNotifySent      = "notifier.sent"
	TypeNotifyFailed    = "notifier.failed"
	TypeLoopRestarted   = "loop.restarted"
	TypeSubscriberSaved = "registry.saved"
)

// Event is a small signal. Publish never blocks; slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus with no background goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock so unsubscribe (write lock) cannot
	// close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped counts events discarded because a subscriber buffer was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
