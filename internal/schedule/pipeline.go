package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"schedgate/internal/eventbus"
	logx "schedgate/pkg/logx"
)

// Config holds the knobs shared by the service and the pipeline.
type Config struct {
	// LegacyCronNextRun advances CRON schedules by one minute instead of
	// evaluating the expression.
	LegacyCronNextRun bool
	// BookkeepingTimeout bounds the store writes that finish a run.
	BookkeepingTimeout time.Duration
}

// Deps are the collaborators of the service and pipeline.
type Deps struct {
	Store      Store
	Dispatcher Dispatcher
	Observer   Observer
	Notifier   Notifier
	Registry   Registry
	Runner     Runner
	Bus        eventbus.Bus
	Log        logx.Logger
	Now        func() time.Time
}

// Pipeline turns "run schedule S now for reason R" into a persisted,
// classified run.
type Pipeline struct {
	cfg        Config
	store      Store
	dispatcher Dispatcher
	observer   Observer
	notifier   Notifier
	bus        eventbus.Bus
	log        logx.Logger
	now        func() time.Time
}

func NewPipeline(cfg Config, d Deps) *Pipeline {
	if cfg.BookkeepingTimeout <= 0 {
		cfg.BookkeepingTimeout = 10 * time.Second
	}
	p := &Pipeline{
		cfg:        cfg,
		store:      d.Store,
		dispatcher: d.Dispatcher,
		observer:   d.Observer,
		notifier:   d.Notifier,
		bus:        d.Bus,
		log:        d.Log,
		now:        d.Now,
	}
	if p.observer == nil {
		p.observer = nopObserver{}
	}
	if p.notifier == nil {
		p.notifier = nopNotifier{}
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// NormalizeReason defaults an empty trigger reason to MANUAL.
func NormalizeReason(reason string) string {
	if r := strings.TrimSpace(reason); r != "" {
		return strings.ToUpper(r)
	}
	return ReasonManual
}

// Execute runs s once. It never returns an error: every failure ends as a
// FAILED run, and the schedule's next run estimate is always advanced.
func (p *Pipeline) Execute(ctx context.Context, s Schedule, reason string) Result {
	reason = NormalizeReason(reason)
	started := p.now()
	log := p.log.With(logx.String("schedule", s.ID), logx.String("reason", reason))

	run := Run{
		ID:          uuid.NewString(),
		ScheduleID:  s.ID,
		TenantID:    s.TenantID,
		TriggerType: reason,
		Status:      RunRunning,
		StartedAt:   started,
		CreatedAt:   started,
	}
	if err := p.store.CreateRun(ctx, &run); err != nil {
		log.Error("run create failed", logx.Err(err))
		p.observer.RecordTriggered(s.ID, reason, s.TargetType)
		p.observer.RecordFailed(s.ID, reason, CategoryInternal)
		p.advance(ctx, s, log)
		return Result{ScheduleID: s.ID, Status: RunFailed}
	}

	p.observer.RecordTriggered(s.ID, reason, s.TargetType)
	p.publish(eventbus.TypeRunStarted, run)
	log.Info("schedule.triggered", logx.String("run", run.ID), logx.String("target_type", string(s.TargetType)))

	segment, sharedLoaded, d, err := p.dispatch(ctx, s, run)

	// Bookkeeping outlives a canceled or timed out run context.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.BookkeepingTimeout)
	defer cancel()

	finished := p.now()
	run.FinishedAt = &finished
	run.DurationMs = max(1, finished.Sub(started).Milliseconds())
	if err == nil {
		run.Status = RunSuccess
		run.ResultSummary = "Run completed. targetType=" + string(d.TargetType) +
			", targetSummary=" + d.TargetSummary +
			", sharedContextLoaded=" + strconv.FormatBool(sharedLoaded) +
			", contextSegmentKey=" + segment
	} else {
		cat := Classify(err)
		run.Status = RunFailed
		run.ErrorCode = ErrorCode(cat)
		run.ErrorMessage = err.Error()
		run.ResultSummary = "Run failed. errorCategory=" + string(cat)
	}
	if ferr := p.store.FinishRun(bctx, &run); ferr != nil {
		log.Error("run finish failed", logx.String("run", run.ID), logx.Err(ferr))
	}
	p.advance(bctx, s, log)

	if err == nil {
		p.observer.RecordCompleted(s.ID, reason, run.DurationMs)
		log.Info("schedule.completed", logx.String("run", run.ID), logx.Int64("duration_ms", run.DurationMs))
	} else {
		cat := Classify(err)
		p.observer.RecordFailed(s.ID, reason, cat)
		log.Warn("schedule.failed", logx.String("run", run.ID), logx.String("category", string(cat)), logx.Err(err))
	}
	p.publish(eventbus.TypeRunFinished, run)
	p.notifier.NotifyRunOutcome(bctx, run, s)

	return Result{ScheduleID: s.ID, RunID: run.ID, Status: run.Status}
}

// dispatch covers the steps whose failures fail the run: loading prior
// context, routing, and saving the next snapshot.
func (p *Pipeline) dispatch(ctx context.Context, s Schedule, run Run) (segment string, sharedLoaded bool, d DispatchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("run panicked", logx.String("schedule", s.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = Internal(fmt.Errorf("panic: %v", r))
		}
	}()

	shared := s.Shared()
	var prior *Snapshot
	priorSummary := ""
	if shared {
		segment = SegmentKey(s)
		snap, ok, lerr := p.store.LatestSnapshot(ctx, s.ID, segment)
		if lerr != nil {
			return segment, false, d, fmt.Errorf("load context snapshot: %w", lerr)
		}
		if ok {
			prior = &snap
			priorSummary = snap.ContextSummary
			sharedLoaded = true
		}
	}

	d, err = p.dispatcher.Dispatch(ctx, s, prior)
	if err != nil {
		return segment, sharedLoaded, d, err
	}

	if shared {
		snap := BuildSnapshot(s, run, segment, priorSummary, d, p.now())
		snap.ID = uuid.NewString()
		if err := p.store.CreateSnapshot(ctx, &snap); err != nil {
			return segment, sharedLoaded, d, fmt.Errorf("save context snapshot: %w", err)
		}
		if err := p.enforceRetention(ctx, s, segment); err != nil {
			return segment, sharedLoaded, d, err
		}
	}
	return segment, sharedLoaded, d, nil
}

func (p *Pipeline) enforceRetention(ctx context.Context, s Schedule, segment string) error {
	all, err := p.store.ListSnapshots(ctx, s.ID, segment)
	if err != nil {
		return fmt.Errorf("list context snapshots: %w", err)
	}
	expired := Expired(all, RetentionLimit(s))
	if len(expired) == 0 {
		return nil
	}
	ids := make([]string, 0, len(expired))
	for _, e := range expired {
		ids = append(ids, e.ID)
	}
	if err := p.store.DeleteSnapshots(ctx, ids); err != nil {
		return fmt.Errorf("prune context snapshots: %w", err)
	}
	p.log.Debug("context snapshots pruned", logx.String("schedule", s.ID), logx.String("segment", segment), logx.Int("deleted", len(ids)))
	return nil
}

func (p *Pipeline) advance(ctx context.Context, s Schedule, log logx.Logger) {
	now := p.now()
	next := NextRunAt(s, now, p.cfg.LegacyCronNextRun)
	if err := p.store.UpdateNextRunAt(ctx, s.ID, next, now); err != nil {
		log.Error("next run update failed", logx.Err(err))
	}
}

func (p *Pipeline) publish(typ string, run Run) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: typ, Time: p.now(), Data: run})
	}
}
