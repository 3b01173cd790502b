package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"schedgate/internal/task/engine"
	"schedgate/internal/task/scheduler"
	logx "schedgate/pkg/logx"
)

// Service is the management surface of schedules. Every write reconciles the
// trigger registry before returning.
type Service struct {
	cfg      Config
	store    Store
	registry Registry
	runner   Runner
	pipeline *Pipeline
	log      logx.Logger
	now      func() time.Time
}

func NewService(cfg Config, d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		cfg:      cfg,
		store:    d.Store,
		registry: d.Registry,
		runner:   d.Runner,
		pipeline: NewPipeline(cfg, d),
		log:      d.Log,
		now:      d.Now,
	}
}

func (s *Service) Pipeline() *Pipeline { return s.pipeline }

func (s *Service) Create(ctx context.Context, req UpsertRequest) (Schedule, error) {
	if err := req.Validate(); err != nil {
		return Schedule{}, err
	}
	if err := req.validateCreate(); err != nil {
		return Schedule{}, err
	}
	now := s.now()
	sch := Schedule{
		ID:                   uuid.NewString(),
		Enabled:              true,
		Priority:             DefaultPriority,
		MaxConcurrentRuns:    DefaultMaxConcurrentRuns,
		ContextMode:          ContextIsolated,
		ContextRetentionRuns: DefaultRetentionRuns,
		ContextMaxTokens:     DefaultContextMaxTokens,
		CreatedAt:            now,
	}
	req.apply(&sch)
	if err := validateSchedule(sch); err != nil {
		return Schedule{}, err
	}
	sch.NextRunAt = NextRunAt(sch, now, s.cfg.LegacyCronNextRun)
	sch.UpdatedAt = now
	if err := s.store.CreateSchedule(ctx, &sch); err != nil {
		return Schedule{}, fmt.Errorf("create schedule: %w", err)
	}
	s.reconcile(sch)
	s.log.Info("schedule created", logx.String("schedule", sch.ID), logx.String("tenant", sch.TenantID), logx.String("type", string(sch.ScheduleType)))
	return sch, nil
}

func (s *Service) Update(ctx context.Context, id string, req UpsertRequest) (Schedule, error) {
	if err := req.Validate(); err != nil {
		return Schedule{}, err
	}
	sch, err := s.Get(ctx, id)
	if err != nil {
		return Schedule{}, err
	}
	req.apply(&sch)
	if err := validateSchedule(sch); err != nil {
		return Schedule{}, err
	}
	now := s.now()
	sch.NextRunAt = NextRunAt(sch, now, s.cfg.LegacyCronNextRun)
	sch.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, &sch); err != nil {
		return Schedule{}, fmt.Errorf("update schedule: %w", err)
	}
	s.reconcile(sch)
	return sch, nil
}

func (s *Service) Enable(ctx context.Context, id string) (Schedule, error) {
	sch, err := s.Get(ctx, id)
	if err != nil {
		return Schedule{}, err
	}
	now := s.now()
	sch.Enabled = true
	sch.NextRunAt = NextRunAt(sch, now, s.cfg.LegacyCronNextRun)
	sch.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, &sch); err != nil {
		return Schedule{}, fmt.Errorf("enable schedule: %w", err)
	}
	s.reconcile(sch)
	return sch, nil
}

func (s *Service) Disable(ctx context.Context, id string) (Schedule, error) {
	sch, err := s.Get(ctx, id)
	if err != nil {
		return Schedule{}, err
	}
	sch.Enabled = false
	sch.UpdatedAt = s.now()
	if err := s.store.UpdateSchedule(ctx, &sch); err != nil {
		return Schedule{}, fmt.Errorf("disable schedule: %w", err)
	}
	s.reconcile(sch)
	return sch, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	sch, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSchedule(ctx, sch.ID); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if s.registry != nil {
		s.registry.Remove(sch.ID)
	}
	s.log.Info("schedule deleted", logx.String("schedule", sch.ID))
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (Schedule, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Schedule{}, Validation("schedule id is required")
	}
	sch, err := s.store.GetSchedule(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Schedule{}, fmt.Errorf("schedule not found: %s: %w", id, ErrNotFound)
	}
	return sch, err
}

// List returns a tenant's schedules, optionally narrowed by enabled flag and
// target type (case-insensitive).
func (s *Service) List(ctx context.Context, f Filter) ([]Schedule, error) {
	tenant := strings.TrimSpace(f.TenantID)
	if tenant == "" {
		return nil, Validation("tenantId is required")
	}
	all, err := s.store.ListSchedules(ctx, tenant, f.Enabled)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	tt := strings.TrimSpace(f.TargetType)
	if tt == "" {
		return all, nil
	}
	out := make([]Schedule, 0, len(all))
	for _, sch := range all {
		if strings.EqualFold(tt, string(sch.TargetType)) {
			out = append(out, sch)
		}
	}
	return out, nil
}

func (s *Service) ListRuns(ctx context.Context, id string, limit int) ([]Run, error) {
	sch, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, sch.ID, limit)
}

// ListSnapshots lists a segment's snapshots newest first. An empty segment
// means the schedule's current target.
func (s *Service) ListSnapshots(ctx context.Context, id, segment string) ([]Snapshot, error) {
	sch, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(segment) == "" {
		segment = SegmentKey(sch)
	}
	return s.store.ListSnapshots(ctx, sch.ID, segment)
}

func (s *Service) Observability() Stats {
	return s.pipeline.observer.Snapshot()
}

// RunNow executes a manual run and waits for its outcome. A schedule already
// at its concurrency limit yields ErrRunInProgress.
func (s *Service) RunNow(ctx context.Context, id string) (Result, error) {
	sch, err := s.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if s.runner == nil {
		return s.pipeline.Execute(ctx, sch, ReasonManual), nil
	}

	var res Result
	done := make(chan error, 1)
	err = s.runner.Submit(ctx, engine.Task{
		Name:  "schedule.run",
		Key:   sch.ID,
		Limit: sch.ConcurrencyLimit(),
		Run: func(ctx context.Context) error {
			res = s.pipeline.Execute(ctx, sch, ReasonManual)
			return nil
		},
		Done: func(err error) { done <- err },
	})
	if err != nil {
		return Result{}, runnerError(err)
	}
	select {
	case err := <-done:
		if err != nil {
			return Result{}, runnerError(err)
		}
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Trigger asks for an asynchronous run of id. The schedule is loaded again
// when the run starts so edits in between are honored.
func (s *Service) Trigger(ctx context.Context, id, reason string) error {
	sch, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	reason = NormalizeReason(reason)
	if s.runner == nil {
		go s.execute(context.Background(), sch.ID, reason)
		return nil
	}
	err = s.runner.Enqueue(engine.Task{
		Name:  "schedule.run",
		Key:   sch.ID,
		Limit: sch.ConcurrencyLimit(),
		Run: func(ctx context.Context) error {
			s.execute(ctx, sch.ID, reason)
			return nil
		},
	})
	if err != nil {
		return runnerError(err)
	}
	return nil
}

// HandleSignal is the trigger sink of the registry.
func (s *Service) HandleSignal(sig scheduler.Signal) error {
	return s.Trigger(context.Background(), sig.ScheduleID, sig.Reason)
}

func (s *Service) execute(ctx context.Context, id, reason string) {
	sch, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		s.log.Warn("triggered schedule not loaded", logx.String("schedule", id), logx.String("reason", reason), logx.Err(err))
		return
	}
	if reason == ReasonSchedule && !sch.Enabled {
		s.log.Debug("timer fired for disabled schedule", logx.String("schedule", id))
		return
	}
	s.pipeline.Execute(ctx, sch, reason)
}

// Loader adapts the store to the registry's ReloadAll.
func (s *Service) Loader() scheduler.Loader {
	return func(ctx context.Context) ([]scheduler.Definition, error) {
		all, err := s.store.ListEnabledSchedules(ctx)
		if err != nil {
			return nil, err
		}
		defs := make([]scheduler.Definition, 0, len(all))
		for _, sch := range all {
			defs = append(defs, sch.Definition())
		}
		return defs, nil
	}
}

func (s *Service) reconcile(sch Schedule) {
	if s.registry == nil {
		return
	}
	// Registration failures leave the schedule without a timer; the registry
	// already logged them.
	_ = s.registry.Reconcile(sch.Definition())
}

func runnerError(err error) error {
	if errors.Is(err, engine.ErrOverlapSkip) {
		return fmt.Errorf("%w: %w", ErrRunInProgress, err)
	}
	return fmt.Errorf("submit run: %w", err)
}
