package schedule

import (
	"context"
	"time"

	"schedgate/internal/task/engine"
	"schedgate/internal/task/scheduler"
)

// Store persists schedules, runs and context snapshots.
// Lookups of missing rows return ErrNotFound.
type Store interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	UpdateSchedule(ctx context.Context, s *Schedule) error
	UpdateNextRunAt(ctx context.Context, id string, next, updatedAt time.Time) error
	DeleteSchedule(ctx context.Context, id string) error
	GetSchedule(ctx context.Context, id string) (Schedule, error)
	// ListSchedules filters by tenant and, when set, the enabled flag.
	ListSchedules(ctx context.Context, tenantID string, enabled *bool) ([]Schedule, error)
	ListEnabledSchedules(ctx context.Context) ([]Schedule, error)

	CreateRun(ctx context.Context, r *Run) error
	FinishRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	// ListRuns returns runs newest first; limit <= 0 means all.
	ListRuns(ctx context.Context, scheduleID string, limit int) ([]Run, error)

	CreateSnapshot(ctx context.Context, s *Snapshot) error
	// ListSnapshots returns snapshots of one segment newest first.
	ListSnapshots(ctx context.Context, scheduleID, segmentKey string) ([]Snapshot, error)
	LatestSnapshot(ctx context.Context, scheduleID, segmentKey string) (Snapshot, bool, error)
	DeleteSnapshots(ctx context.Context, ids []string) error
}

// DispatchResult describes the unit of work handed to the executor.
type DispatchResult struct {
	TaskID        string     `json:"taskId"`
	TargetType    TargetKind `json:"targetType"`
	TargetSummary string     `json:"targetSummary"`
	ResultSummary string     `json:"resultSummary"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, s Schedule, prior *Snapshot) (DispatchResult, error)
}

// Observer receives run lifecycle counters.
type Observer interface {
	RecordTriggered(scheduleID, reason string, target TargetKind)
	RecordCompleted(scheduleID, reason string, durationMs int64)
	RecordFailed(scheduleID, reason string, category Category)
	Snapshot() Stats
}

// Stats is the aggregate observability view.
type Stats struct {
	TriggeredCount   int64            `json:"triggeredCount"`
	CompletedCount   int64            `json:"completedCount"`
	FailedCount      int64            `json:"failedCount"`
	AvgDurationMs    int64            `json:"avgDurationMs"`
	FailedByCategory map[string]int64 `json:"failedByCategory"`
	TargetTypeCounts map[string]int64 `json:"targetTypeCounts"`
}

// Notifier is told about every finished run. It must not block for long.
type Notifier interface {
	NotifyRunOutcome(ctx context.Context, run Run, s Schedule)
}

// Registry is the live timer set.
type Registry interface {
	Reconcile(d scheduler.Definition) error
	Remove(id string) bool
}

// Runner executes runs off the caller's goroutine.
type Runner interface {
	Enqueue(t engine.Task) error
	Submit(ctx context.Context, t engine.Task) error
}

type nopObserver struct{}

func (nopObserver) RecordTriggered(string, string, TargetKind) {}
func (nopObserver) RecordCompleted(string, string, int64)      {}
func (nopObserver) RecordFailed(string, string, Category)      {}
func (nopObserver) Snapshot() Stats                            { return Stats{} }

type nopNotifier struct{}

func (nopNotifier) NotifyRunOutcome(context.Context, Run, Schedule) {}
