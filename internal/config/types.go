package config

// Config is the file-backed configuration of schedgate.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	HTTP    HTTPConfig    `json:"http"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`
	Storage StorageConfig `json:"storage"`

	// Scheduler controls the trigger registry and next-run bookkeeping.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the worker pool runs are dispatched on.
	TaskEngine TaskEngineConfig `json:"task_engine"`

	Dispatch DispatchConfig  `json:"dispatch"`
	Skills   SkillsConfig    `json:"skills"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Webhook  WebhookConfig   `json:"webhook"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Forward LoggingForward `json:"forward"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingForward copies warnings and errors to a notifier channel.
// Channel must name a telegram channel under notifier.channels.
type LoggingForward struct {
	Enabled    bool   `json:"enabled"`
	Channel    string `json:"channel,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// HTTPConfig controls the management API listener.
//
// Defaults: addr ":8080", read_timeout "15s", write_timeout "30s",
// shutdown_timeout "5s".
type HTTPConfig struct {
	Addr            string `json:"addr"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// PprofConfig controls the optional profiling listener.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// StorageConfig selects the schedule store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/schedgate.db" }
type StorageConfig struct {
	Driver       string `json:"driver"` // memory | sqlite | postgres
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

type SchedulerConfig struct {
	// Timezone applies to CRON schedules without their own zone.
	Timezone string `json:"timezone,omitempty"`

	// LegacyCronNextRun restores the "now + 1 minute" next-run estimate for
	// CRON schedules.
	LegacyCronNextRun bool `json:"legacy_cron_next_run,omitempty"`

	// BookkeepingTimeout bounds the store writes that close a run.
	BookkeepingTimeout string `json:"bookkeeping_timeout,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 8
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers     int `json:"workers,omitempty"`
	QueueSize   int `json:"queue_size,omitempty"`
	HistorySize int `json:"history_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
}

// DispatchConfig controls how dispatched tasks reach the executor.
// Without executor_endpoint tasks are accepted locally.
type DispatchConfig struct {
	ExecutorTimeout  string            `json:"executor_timeout,omitempty"` // default "2m"
	ExecutorEndpoint string            `json:"executor_endpoint,omitempty"`
	ExecutorHeaders  map[string]string `json:"executor_headers,omitempty"` // do not log

	// Profiles and Tools are upserted into storage on startup.
	Profiles []ProfileConfig `json:"profiles,omitempty"`
	Tools    []ToolConfig    `json:"tools,omitempty"`
}

type ProfileConfig struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type ToolConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type SkillsConfig struct {
	Dir       string `json:"dir"`
	CacheSize int    `json:"cache_size,omitempty"`
	CacheTTL  string `json:"cache_ttl,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// If the whole section is omitted, notifications are disabled.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	DefaultPolicy string          `json:"default_policy,omitempty"`
	Channels      []ChannelConfig `json:"channels,omitempty"`
	Policies      []PolicyConfig  `json:"policies,omitempty"`
}

type ChannelConfig struct {
	ID   string `json:"id"`
	Type string `json:"type"` // webhook | telegram | log

	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout string            `json:"timeout,omitempty"`

	Token    string `json:"token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type PolicyConfig struct {
	ID        string   `json:"id"`
	OnSuccess bool     `json:"on_success"`
	OnFailed  bool     `json:"on_failed"`
	Channels  []string `json:"channels"`
	Template  string   `json:"template,omitempty"`
}

// WebhookConfig guards POST /v1/schedules/{id}/trigger.
type WebhookConfig struct {
	// Secret enables X-Schedgate-Signature checks (do not log).
	Secret         string `json:"secret,omitempty"`
	IdempotencyTTL string `json:"idempotency_ttl,omitempty"` // default "10m"
}
