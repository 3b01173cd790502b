package app

import (
	"fmt"
	"strings"
	"time"

	"schedgate/internal/api"
	"schedgate/internal/api/handler"
	"schedgate/internal/config"
	"schedgate/internal/dispatch"
	"schedgate/internal/executor"
	"schedgate/internal/notify"
	"schedgate/internal/observability/pprof"
	"schedgate/internal/schedule"
	"schedgate/internal/skills"
	"schedgate/internal/storage"
	"schedgate/internal/task/engine"
	"schedgate/internal/task/scheduler"
	logx "schedgate/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Forward: logx.ForwardConfig{
			Enabled:    lc.Forward.Enabled,
			MinLevel:   lc.Forward.MinLevel,
			RatePerSec: lc.Forward.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		if sc.MaxOpenConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_open_conns must be >= 0")
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN), MaxOpenConns: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHTTPConfig(cfg *config.Config) (api.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 15*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 30*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	shutdown, err := config.ParseDurationOrDefault("http.shutdown_timeout", hc.ShutdownTimeout, 5*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	ttl, err := config.ParseDurationField("webhook.idempotency_ttl", cfg.Webhook.IdempotencyTTL)
	if err != nil {
		return api.Config{}, err
	}
	addr := strings.TrimSpace(hc.Addr)
	if addr == "" {
		addr = ":8080"
	}
	return api.Config{
		Addr:            addr,
		ReadTimeout:     read,
		WriteTimeout:    write,
		ShutdownTimeout: shutdown,
		Webhook: handler.WebhookConfig{
			Secret:         cfg.Webhook.Secret,
			IdempotencyTTL: ttl,
		},
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	pc := cfg.Pprof
	if pc.MutexProfileFraction < 0 {
		return pprof.Config{}, fmt.Errorf("pprof.mutex_profile_fraction must be >= 0")
	}
	if pc.BlockProfileRate < 0 {
		return pprof.Config{}, fmt.Errorf("pprof.block_profile_rate must be >= 0")
	}
	return pprof.Config{
		Enabled:              pc.Enabled,
		Addr:                 strings.TrimSpace(pc.Addr),
		Token:                strings.TrimSpace(pc.Token),
		AllowInsecure:        pc.AllowInsecure,
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
	}, nil
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, scheduler.Config, error) {
	sc := cfg.Scheduler
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return schedule.Config{}, scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	book, err := config.ParseDurationOrDefault("scheduler.bookkeeping_timeout", sc.BookkeepingTimeout, 5*time.Second)
	if err != nil {
		return schedule.Config{}, scheduler.Config{}, err
	}
	return schedule.Config{
			LegacyCronNextRun:  sc.LegacyCronNextRun,
			BookkeepingTimeout: book,
		}, scheduler.Config{
			Timezone: strings.TrimSpace(sc.Timezone),
		}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te.Workers < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.workers must be >= 0")
	}
	if te.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.queue_size must be >= 0")
	}
	if te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.history_size must be >= 0")
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    te.HistorySize,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, executor.Config, error) {
	dc := cfg.Dispatch
	timeout, err := config.ParseDurationOrDefault("dispatch.executor_timeout", dc.ExecutorTimeout, 2*time.Minute)
	if err != nil {
		return dispatch.Config{}, executor.Config{}, err
	}
	for i, p := range dc.Profiles {
		if strings.TrimSpace(p.ID) == "" {
			return dispatch.Config{}, executor.Config{}, fmt.Errorf("dispatch.profiles[%d].id is required", i)
		}
	}
	for i, t := range dc.Tools {
		if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.Name) == "" {
			return dispatch.Config{}, executor.Config{}, fmt.Errorf("dispatch.tools[%d]: id and name are required", i)
		}
	}
	return dispatch.Config{ExecutorTimeout: timeout}, executor.Config{
		Endpoint: strings.TrimSpace(dc.ExecutorEndpoint),
		Headers:  dc.ExecutorHeaders,
	}, nil
}

func mapSkillsConfig(cfg *config.Config) (skills.Config, error) {
	sc := cfg.Skills
	if sc.CacheSize < 0 {
		return skills.Config{}, fmt.Errorf("skills.cache_size must be >= 0")
	}
	ttl, err := config.ParseDurationField("skills.cache_ttl", sc.CacheTTL)
	if err != nil {
		return skills.Config{}, err
	}
	dir := strings.TrimSpace(sc.Dir)
	if dir == "" {
		dir = "./skills"
	}
	return skills.Config{Dir: dir, CacheSize: sc.CacheSize, CacheTTL: ttl}, nil
}

// mapNotifierConfig maps the notifier section; a missing section disables
// notifications.
func mapNotifierConfig(cfg *config.Config) (notify.Config, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notify.Config{Enabled: false}, nil
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return notify.Config{}, fmt.Errorf("notifier: workers, queue_size, rate_per_sec, retry_max and dedup_max_entries must be >= 0")
	}
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notify.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("notifier.send_timeout", nc.SendTimeout, 10*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	dedupWindow, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notify.Config{}, err
	}

	seen := make(map[string]struct{}, len(nc.Channels))
	channels := make([]notify.ChannelConfig, 0, len(nc.Channels))
	for i, c := range nc.Channels {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			return notify.Config{}, fmt.Errorf("notifier.channels[%d].id is required", i)
		}
		if _, dup := seen[id]; dup {
			return notify.Config{}, fmt.Errorf("notifier.channels: duplicate id %q", id)
		}
		seen[id] = struct{}{}
		timeout, err := config.ParseDurationField(fmt.Sprintf("notifier.channels[%d].timeout", i), c.Timeout)
		if err != nil {
			return notify.Config{}, err
		}
		typ := strings.ToLower(strings.TrimSpace(c.Type))
		switch typ {
		case "webhook":
			if strings.TrimSpace(c.URL) == "" {
				return notify.Config{}, fmt.Errorf("notifier.channels[%d].url is required for webhook", i)
			}
		case "telegram":
			if strings.TrimSpace(c.Token) == "" || c.ChatID == 0 {
				return notify.Config{}, fmt.Errorf("notifier.channels[%d]: token and chat_id are required for telegram", i)
			}
		case "log":
		default:
			return notify.Config{}, fmt.Errorf("notifier.channels[%d]: unknown type %q", i, c.Type)
		}
		channels = append(channels, notify.ChannelConfig{
			ID:       id,
			Type:     typ,
			URL:      strings.TrimSpace(c.URL),
			Headers:  c.Headers,
			Timeout:  timeout,
			Token:    strings.TrimSpace(c.Token),
			ChatID:   c.ChatID,
			ThreadID: c.ThreadID,
		})
	}

	policies := make([]notify.Policy, 0, len(nc.Policies))
	for i, p := range nc.Policies {
		if strings.TrimSpace(p.ID) == "" {
			return notify.Config{}, fmt.Errorf("notifier.policies[%d].id is required", i)
		}
		for _, ch := range p.Channels {
			if _, ok := seen[strings.TrimSpace(ch)]; !ok {
				return notify.Config{}, fmt.Errorf("notifier.policies[%d]: unknown channel %q", i, ch)
			}
		}
		policies = append(policies, notify.Policy{
			ID:        strings.TrimSpace(p.ID),
			OnSuccess: p.OnSuccess,
			OnFailed:  p.OnFailed,
			Channels:  p.Channels,
			Template:  p.Template,
		})
	}

	return notify.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		SendTimeout:     sendTimeout,
		DedupWindow:     dedupWindow,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
		DefaultPolicy:   strings.TrimSpace(nc.DefaultPolicy),
		Channels:        channels,
		Policies:        policies,
	}, nil
}

// Validate rejects configs the app cannot run with. It is installed as the
// config manager's validator so bad hot reloads never commit.
func Validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapScheduleConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSkillsConfig(cfg); err != nil {
		return err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	if fw := cfg.Logging.Forward; fw.Enabled {
		id := strings.TrimSpace(fw.Channel)
		if id == "" {
			return fmt.Errorf("logging.forward.channel is required when forwarding is enabled")
		}
		found := false
		for _, c := range ncfg.Channels {
			if c.ID == id {
				if c.Type != "telegram" {
					return fmt.Errorf("logging.forward.channel %q must be a telegram channel", id)
				}
				found = true
			}
		}
		if !found {
			return fmt.Errorf("logging.forward.channel %q not found under notifier.channels", id)
		}
	}
	return nil
}
