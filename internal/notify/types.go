package notify

import (
	"context"
	"time"
)

// Event types of run outcomes.
const (
	EventSuccess = "ON_SUCCESS"
	EventFailed  = "ON_FAILED"
)

// DefaultTemplate renders a run outcome when the policy has no template.
const DefaultTemplate = "[schedgate] ${eventType} | run=${runId} | schedule=${scheduleId} | status=${status} | errorCode=${errorCode} | duration=${durationMs}ms"

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool

	// DefaultPolicy applies to schedules without notificationPolicyId.
	DefaultPolicy string
	Channels      []ChannelConfig
	Policies      []Policy
}

// ChannelConfig describes one delivery channel.
type ChannelConfig struct {
	ID   string
	Type string // webhook | telegram | log

	// webhook
	URL     string
	Headers map[string]string
	Timeout time.Duration

	// telegram
	Token    string
	ChatID   int64
	ThreadID int
}

// Policy maps run outcomes to channels.
type Policy struct {
	ID        string
	OnSuccess bool
	OnFailed  bool
	Channels  []string
	Template  string
}

// Delivery is one message for one channel.
type Delivery struct {
	ID         string `json:"deliveryId"`
	RunID      string `json:"runId"`
	ScheduleID string `json:"scheduleId"`
	EventType  string `json:"eventType"`
	ChannelID  string `json:"-"`
	Message    string `json:"message"`
}

// Channel sends deliveries. Send must honor ctx.
type Channel interface {
	ID() string
	Send(ctx context.Context, d Delivery) error
}

// DedupStore persists suppression windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type HistoryItem struct {
	At        time.Time `json:"at"`
	ChannelID string    `json:"channel"`
	Text      string    `json:"text"`
}

// NotificationEvent is published on the event bus for delivery lifecycle
// events.
type NotificationEvent struct {
	Channel string    `json:"channel"`
	RunID   string    `json:"runId,omitempty"`
	Event   string    `json:"event,omitempty"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
