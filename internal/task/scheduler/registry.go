package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"schedgate/internal/eventbus"
	logx "schedgate/pkg/logx"
)

// Reconcile makes the live timer of d.ID match d: any existing timer is
// cancelled, and a new one is registered when d is enabled. A definition
// that cannot be registered leaves the schedule without a timer; the error
// is logged and returned for diagnostics.
func (r *Registry) Reconcile(d Definition) error {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		return errors.New("schedule id required")
	}
	unlock := r.keys.Lock(d.ID)
	defer unlock()

	var (
		e   *entry
		err error
	)
	if d.Enabled {
		e, err = r.build(d, time.Now())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := r.removeLocked(d.ID)
	if !d.Enabled {
		if removed {
			r.log.Debug("schedule unregistered", logx.String("schedule", d.ID), logx.String("reason", "disabled"))
			r.publish(eventbus.TypeScheduleRemoved, d.ID)
		}
		return nil
	}
	if err != nil {
		r.log.Warn("schedule register failed", logx.String("schedule", d.ID), logx.String("kind", d.Kind), logx.String("cron", d.CronExpr), logx.Err(err))
		return err
	}
	if r.c != nil {
		r.addCronLocked(e)
	}
	r.entries[d.ID] = e

	args := []logx.Field{logx.String("schedule", d.ID), logx.String("spec", e.spec)}
	if next := r.previewNextRunsLocked(e, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	r.log.Debug("schedule registered", args...)
	r.publish(eventbus.TypeScheduleRegistered, d.ID)
	return nil
}

// Remove cancels and drops the timer of id. It reports whether one existed.
func (r *Registry) Remove(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	unlock := r.keys.Lock(id)
	defer unlock()

	r.mu.Lock()
	removed := r.removeLocked(id)
	r.mu.Unlock()
	if removed {
		r.log.Debug("schedule unregistered", logx.String("schedule", id), logx.String("reason", "removed"))
		r.publish(eventbus.TypeScheduleRemoved, id)
	}
	return removed
}

// ReloadAll rebuilds the timer set from load: every returned definition is
// reconciled and timers of schedules missing from the result are dropped.
// Per-schedule registration failures do not fail the reload.
func (r *Registry) ReloadAll(ctx context.Context, load Loader) error {
	if load == nil {
		return errors.New("loader required")
	}
	defs, err := load(ctx)
	if err != nil {
		return fmt.Errorf("reload schedules: %w", err)
	}

	keep := make(map[string]struct{}, len(defs))
	registered, failed := 0, 0
	for _, d := range defs {
		if err := ctx.Err(); err != nil {
			return err
		}
		keep[strings.TrimSpace(d.ID)] = struct{}{}
		if err := r.Reconcile(d); err != nil {
			failed++
			continue
		}
		if d.Enabled {
			registered++
		}
	}

	r.mu.Lock()
	var stale []string
	for id := range r.entries {
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()
	for _, id := range stale {
		r.Remove(id)
	}

	r.log.Info("schedules reloaded", logx.Int("registered", registered), logx.Int("failed", failed), logx.Int("dropped", len(stale)))
	return nil
}

// Has reports whether id has a registered timer.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[strings.TrimSpace(id)]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	loc := r.loc
	if loc == nil {
		loc = time.Local
	}
	snap := Snapshot{Running: r.c != nil, Timezone: loc.String(), Entries: make([]EntryInfo, 0, len(r.entries))}
	for id, e := range r.entries {
		it := EntryInfo{ID: id, Spec: e.spec, Period: e.period}
		if r.c != nil && e.entryID != 0 {
			ce := r.c.Entry(e.entryID)
			it.Next = ce.Next
			it.Prev = ce.Prev
		}
		snap.Entries = append(snap.Entries, it)
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].ID < snap.Entries[j].ID })
	return snap
}

// build derives the firing policy of d.
func (r *Registry) build(d Definition, now time.Time) (*entry, error) {
	switch strings.ToUpper(strings.TrimSpace(d.Kind)) {
	case KindInterval:
		p := Period(d)
		return &entry{def: d, spec: "@every " + p.String(), period: p, sched: makeIntervalSchedule(p, now)}, nil
	case KindCron:
		expr := strings.TrimSpace(d.CronExpr)
		if expr == "" {
			return nil, errors.New("cron expression required")
		}
		spec := expr
		if tz := strings.TrimSpace(d.Timezone); tz != "" && !strings.HasPrefix(expr, "TZ=") && !strings.HasPrefix(expr, "CRON_TZ=") {
			if _, err := time.LoadLocation(tz); err != nil {
				r.log.Warn("invalid timezone; falling back to Local", logx.String("schedule", d.ID), logx.String("tz", tz), logx.Err(err))
			} else {
				spec = "CRON_TZ=" + tz + " " + expr
			}
		}
		sched, err := r.parser.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", expr, err)
		}
		return &entry{def: d, spec: spec, sched: sched}, nil
	default:
		return nil, fmt.Errorf("unsupported schedule kind %q", d.Kind)
	}
}

func (r *Registry) addCronLocked(e *entry) {
	id := e.def.ID
	e.entryID = r.c.Schedule(e.sched, cron.FuncJob(func() { r.fire(id) }))
}

func (r *Registry) removeLocked(id string) bool {
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	if r.c != nil && e.entryID != 0 {
		r.c.Remove(e.entryID)
	}
	delete(r.entries, id)
	return true
}

func (r *Registry) fire(id string) {
	sig := Signal{ScheduleID: id, Reason: ReasonSchedule, At: time.Now()}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFired, Time: sig.At, Data: sig})
	}
	trigger := r.trigger.Load()
	if trigger == nil {
		return
	}
	if err := (*trigger)(sig); err != nil {
		r.reportTriggerError(id, err)
	}
}

func (r *Registry) publish(typ, id string) {
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: id})
	}
}

// previewNextRunsLocked returns a short list of upcoming fire times, only
// when debug logging is on.
func (r *Registry) previewNextRunsLocked(e *entry, n int) string {
	if n <= 0 || !r.log.Enabled(logx.LevelDebug) {
		return ""
	}
	loc := r.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = e.sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
