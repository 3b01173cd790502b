package schedule

import (
	"strings"
	"time"
)

type ScheduleType string

const (
	TypeCron     ScheduleType = "CRON"
	TypeInterval ScheduleType = "INTERVAL"
)

// TargetKind is the closed set of things a schedule can dispatch to.
type TargetKind string

const (
	TargetAgent TargetKind = "AGENT"
	TargetTool  TargetKind = "TOOL"
	TargetSkill TargetKind = "SKILL"
)

// ParseTargetKind normalizes s and reports whether it names a known kind.
func ParseTargetKind(s string) (TargetKind, bool) {
	k := TargetKind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case TargetAgent, TargetTool, TargetSkill:
		return k, true
	}
	return k, false
}

type ContextMode string

const (
	ContextIsolated ContextMode = "ISOLATED"
	ContextShared   ContextMode = "SHARED"
)

type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunSuccess   RunStatus = "SUCCESS"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether a run in this status can no longer change.
func (s RunStatus) Terminal() bool { return s == RunSuccess || s == RunFailed || s == RunCancelled }

// Trigger reasons.
const (
	ReasonManual   = "MANUAL"
	ReasonSchedule = "SCHEDULE"
	ReasonWebhook  = "WEBHOOK"
)

const (
	DefaultPriority          = 5
	DefaultMaxConcurrentRuns = 1
	DefaultRetentionRuns     = 20
	DefaultContextMaxTokens  = 8000
	DefaultCreatedBy         = "system"
)

// Schedule is a durable definition of when and what to run.
type Schedule struct {
	ID                   string       `json:"id"`
	TenantID             string       `json:"tenantId"`
	Name                 string       `json:"name"`
	Enabled              bool         `json:"enabled"`
	ScheduleType         ScheduleType `json:"scheduleType"`
	CronExpr             string       `json:"cronExpr,omitempty"`
	IntervalSeconds      int          `json:"intervalSeconds,omitempty"`
	Timezone             string       `json:"timezone,omitempty"`
	TargetType           TargetKind   `json:"targetType"`
	TargetRefID          string       `json:"targetRefId"`
	PayloadJSON          string       `json:"payloadJson,omitempty"`
	Priority             int          `json:"priority"`
	MaxConcurrentRuns    int          `json:"maxConcurrentRuns"`
	ContextMode          ContextMode  `json:"contextMode"`
	ContextRetentionRuns int          `json:"contextRetentionRuns"`
	ContextMaxTokens     int          `json:"contextMaxTokens"`
	NotificationPolicyID string       `json:"notificationPolicyId,omitempty"`
	NextRunAt            time.Time    `json:"nextRunAt"`
	CreatedBy            string       `json:"createdBy"`
	CreatedAt            time.Time    `json:"createdAt"`
	UpdatedAt            time.Time    `json:"updatedAt"`
}

// Shared reports whether runs carry context forward.
func (s Schedule) Shared() bool {
	return strings.EqualFold(string(s.ContextMode), string(ContextShared))
}

// ConcurrencyLimit is the effective bound on parallel runs.
func (s Schedule) ConcurrencyLimit() int {
	if s.MaxConcurrentRuns < 1 {
		return 1
	}
	return s.MaxConcurrentRuns
}

// Run is one firing attempt of a schedule.
type Run struct {
	ID            string     `json:"id"`
	ScheduleID    string     `json:"scheduleId"`
	TenantID      string     `json:"tenantId"`
	TriggerType   string     `json:"triggerType"`
	Status        RunStatus  `json:"status"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	DurationMs    int64      `json:"durationMs"`
	ResultSummary string     `json:"resultSummary,omitempty"`
	ErrorCode     string     `json:"errorCode,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Snapshot is carried-forward context for a (schedule, segment) pair.
type Snapshot struct {
	ID                string    `json:"id"`
	ScheduleID        string    `json:"scheduleId"`
	RunID             string    `json:"runId"`
	TaskID            string    `json:"taskId"`
	SegmentKey        string    `json:"contextSegmentKey"`
	TenantID          string    `json:"tenantId"`
	MessageCount      int       `json:"messageCount"`
	EstimatedTokens   int       `json:"estimatedTokens"`
	ContextSummary    string    `json:"contextSummary"`
	ToolResultSummary string    `json:"toolResultSummary"`
	PendingTodos      string    `json:"pendingTodos"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Result describes the outcome of one pipeline execution.
type Result struct {
	ScheduleID string    `json:"scheduleId"`
	RunID      string    `json:"runId"`
	Status     RunStatus `json:"status"`
}

// Filter narrows List.
type Filter struct {
	TenantID   string
	Enabled    *bool
	TargetType string
}
