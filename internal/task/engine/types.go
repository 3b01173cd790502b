package engine

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Config controls the task execution engine.
//
// The trigger registry only decides when something should run; workers,
// queueing and deadlines belong here.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. 0 disables it.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited in the queue longer than this.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Task is a unit of work executed by the engine.
//
// Tasks sharing a Key run at most Limit at a time; the slot is taken at
// enqueue time so a saturated key rejects new work with ErrOverlapSkip
// instead of piling up in the queue. Limit 0 disables the check.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	Key   string
	Limit int

	// Done, when set, is called exactly once with the final outcome, including
	// drops after the task was accepted.
	Done func(err error)
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
	Skipped          uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration

	History []HistoryItem
}

// slots counts in-flight (queued or running) tasks per key.
type slots struct {
	mu    sync.Mutex
	inUse map[string]int
}

func (s *slots) tryAcquire(key string, limit int) bool {
	key = strings.TrimSpace(key)
	if key == "" || limit <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse == nil {
		s.inUse = make(map[string]int)
	}
	if s.inUse[key] >= limit {
		return false
	}
	s.inUse[key]++
	return true
}

func (s *slots) release(key string, limit int) {
	key = strings.TrimSpace(key)
	if key == "" || limit <= 0 {
		return
	}
	s.mu.Lock()
	if n := s.inUse[key]; n > 1 {
		s.inUse[key] = n - 1
	} else {
		delete(s.inUse, key)
	}
	s.mu.Unlock()
}

// count reports the in-flight count for key.
func (s *slots) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse[strings.TrimSpace(key)]
}
