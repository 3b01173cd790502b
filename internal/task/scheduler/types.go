package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"schedgate/internal/eventbus"
	logx "schedgate/pkg/logx"
)

const (
	KindCron     = "CRON"
	KindInterval = "INTERVAL"

	// ReasonSchedule is the trigger reason of timer fires.
	ReasonSchedule = "SCHEDULE"

	defaultIntervalSeconds = 60
)

// Config controls the registry.
type Config struct {
	// Timezone is the zone used for cron schedules without their own zone.
	// Empty means the host zone.
	Timezone string
}

// Definition is the part of a schedule the registry cares about.
type Definition struct {
	ID              string
	Enabled         bool
	Kind            string // KindCron or KindInterval
	CronExpr        string
	Timezone        string
	IntervalSeconds int
}

// Signal asks for a run of ScheduleID.
type Signal struct {
	ScheduleID string    `json:"scheduleId"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// Trigger consumes signals. Returned errors are only reported.
type Trigger func(sig Signal) error

// Loader returns the enabled schedules from durable state.
type Loader func(ctx context.Context) ([]Definition, error)

type entry struct {
	def     Definition
	spec    string
	period  time.Duration
	sched   cron.Schedule
	entryID cron.EntryID
}

type Registry struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	parser  cron.Parser
	c       *cron.Cron
	entries map[string]*entry

	// Read by timer fires without taking mu.
	trigger atomic.Pointer[Trigger]

	keys keyedMutex

	// Trigger error throttling, keyed by schedule id.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// EntryInfo describes one live timer.
type EntryInfo struct {
	ID     string        `json:"id"`
	Spec   string        `json:"spec"`
	Period time.Duration `json:"period,omitempty"`
	Next   time.Time     `json:"next"`
	Prev   time.Time     `json:"prev"`
}

type Snapshot struct {
	Running  bool        `json:"running"`
	Timezone string      `json:"timezone"`
	Entries  []EntryInfo `json:"entries"`
}
