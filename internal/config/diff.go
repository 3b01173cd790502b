package config

import (
	"reflect"
	"sort"
	"strings"

	logx "schedgate/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (tokens, DSNs, webhook secrets,
// executor headers) are only ever reported as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.forward_enabled", newCfg.Logging.Forward.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)))
	}

	// Pprof (never log token)
	op, np := oldCfg.Pprof, newCfg.Pprof
	if op.Enabled != np.Enabled ||
		strings.TrimSpace(op.Addr) != strings.TrimSpace(np.Addr) ||
		op.AllowInsecure != np.AllowInsecure ||
		op.MutexProfileFraction != np.MutexProfileFraction ||
		op.BlockProfileRate != np.BlockProfileRate ||
		op.Token != np.Token {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", np.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(np.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(np.Token) != ""),
		)
	}

	// Storage (never log DSN)
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Bool("scheduler.legacy_cron_next_run", newCfg.Scheduler.LegacyCronNextRun),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		te := newCfg.TaskEngine
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(te.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(te.MaxQueueDelay)),
			logx.Int("task_engine.history_size", te.HistorySize),
		)
	}

	// Dispatch (never log executor headers)
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.executor_timeout", strings.TrimSpace(newCfg.Dispatch.ExecutorTimeout)),
			logx.Bool("dispatch.executor_remote", strings.TrimSpace(newCfg.Dispatch.ExecutorEndpoint) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Skills, newCfg.Skills) {
		changed = append(changed, "skills")
		attrs = append(attrs, logx.String("skills.dir", strings.TrimSpace(newCfg.Skills.Dir)))
	}

	// Notifier: nil means disabled.
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notifier")
		if newN == nil {
			newN = &NotifierConfig{}
		}
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.channel_count", len(newN.Channels)),
			logx.Int("notifier.policy_count", len(newN.Policies)),
		)
	}

	// Webhook (never log secret)
	if !reflect.DeepEqual(oldCfg.Webhook, newCfg.Webhook) {
		changed = append(changed, "webhook")
		attrs = append(attrs,
			logx.Bool("webhook.secret_set", strings.TrimSpace(newCfg.Webhook.Secret) != ""),
			logx.String("webhook.idempotency_ttl", strings.TrimSpace(newCfg.Webhook.IdempotencyTTL)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "http", "storage", "scheduler", "dispatch", "skills", "webhook":
			out = append(out, s)
		}
	}
	return out
}
