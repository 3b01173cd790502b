package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by schedgate components.
const (
	TypeScheduleFired      = "schedule.fired"
	TypeScheduleRegistered = "schedule.registered"
	TypeScheduleRemoved    = "schedule.removed"
	TypeRunStarted         = "run.started"
	TypeRunFinished        = "run.finished"
	TypeTaskStarted        = "task.started"
	TypeTaskFinished       = "task.finished"
	TypeTaskFailed         = "task.failed"
	TypeTaskSkipped        = "task.skipped"
	TypeTaskDropped        = "task.dropped"
	TypeNotifySent         = "notify.sent"
	TypeNotifyFailed       = "notify.failed"
	TypeNotifyDeduped      = "notify.deduped"
)

// Event is an in-memory signal used to decouple components.
//
// Publish never blocks. Subscribers get buffered channels and lose events
// when they fall behind.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
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
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
