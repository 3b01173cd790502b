package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"schedgate/internal/eventbus"
	logx "schedgate/pkg/logx"
)

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		cfg: cfg,
		log: log,
		bus: bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries:     map[string]*entry{},
		lastEnqWarn: map[string]time.Time{},
	}
}

// SetTrigger sets the sink that receives timer fires.
func (r *Registry) SetTrigger(t Trigger) {
	if t == nil {
		r.trigger.Store(nil)
		return
	}
	r.trigger.Store(&t)
}

func (r *Registry) Apply(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldTZ := strings.TrimSpace(r.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	r.cfg = cfg

	if r.c == nil {
		return
	}
	if oldTZ != newTZ {
		// restart cron with new location and re-register entries
		r.restartLocked()
	}
}

// Start starts cron triggering for every registered entry.
func (r *Registry) Start(ctx context.Context) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return
	}
	loc := r.loadLocationLocked()
	r.loc = loc
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(loc))
	for _, e := range r.entries {
		r.addCronLocked(e)
	}
	r.c.Start()
	r.log.Info("registry started", logx.String("tz", loc.String()), logx.Int("schedules", len(r.entries)))
}

// Stop stops cron triggering. Entries stay registered and resume on the next
// Start. Runs already handed to the trigger sink are not interrupted.
func (r *Registry) Stop(ctx context.Context) {
	start := time.Now()

	r.mu.Lock()
	c := r.c
	r.c = nil
	for _, e := range r.entries {
		e.entryID = 0
	}
	r.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	r.log.Info("registry stopped", logx.Duration("took", time.Since(start)))
}

// restartLocked swaps in a new cron instance. Jobs still running on the old
// one finish on their own; waiting for them here could block on a fire that
// needs the registry.
func (r *Registry) restartLocked() {
	if r.c != nil {
		r.c.Stop()
	}
	loc := r.loadLocationLocked()
	r.loc = loc
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(loc))
	for _, e := range r.entries {
		r.addCronLocked(e)
	}
	r.c.Start()
	r.log.Info("registry restarted", logx.String("tz", loc.String()), logx.Int("schedules", len(r.entries)))
}

func (r *Registry) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(r.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		r.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
