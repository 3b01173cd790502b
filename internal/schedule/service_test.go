package schedule_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedgate/internal/dispatch"
	"schedgate/internal/schedule"
	"schedgate/internal/storage"
	"schedgate/internal/task/engine"
	"schedgate/internal/task/scheduler"
	logx "schedgate/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

// Now advances one second per call so durations are never zero.
func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type recordingExecutor struct {
	mu       sync.Mutex
	payloads []string
	profiles []string
	err      error
	gate     chan struct{}
	started  chan struct{}
}

func (e *recordingExecutor) Execute(ctx context.Context, taskID, profileID, payload string) error {
	e.mu.Lock()
	e.payloads = append(e.payloads, payload)
	e.profiles = append(e.profiles, profileID)
	gate, started, err := e.gate, e.started, e.err
	e.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (e *recordingExecutor) Payloads() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.payloads...)
}

type mapSkills map[string]string

func (m mapSkills) Read(_ context.Context, name string) (string, error) {
	if v, ok := m[name]; ok {
		return v, nil
	}
	return "", schedule.Configuration("Skill not found: %s", name)
}

type countingObserver struct {
	mu                           sync.Mutex
	triggered, completed, failed int
	categories                   []schedule.Category
}

func (o *countingObserver) RecordTriggered(string, string, schedule.TargetKind) {
	o.mu.Lock()
	o.triggered++
	o.mu.Unlock()
}

func (o *countingObserver) RecordCompleted(string, string, int64) {
	o.mu.Lock()
	o.completed++
	o.mu.Unlock()
}

func (o *countingObserver) RecordFailed(_ string, _ string, c schedule.Category) {
	o.mu.Lock()
	o.failed++
	o.categories = append(o.categories, c)
	o.mu.Unlock()
}

func (o *countingObserver) Snapshot() schedule.Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return schedule.Stats{TriggeredCount: int64(o.triggered), CompletedCount: int64(o.completed), FailedCount: int64(o.failed)}
}

type env struct {
	svc   *schedule.Service
	store storage.Store
	reg   *scheduler.Registry
	eng   *engine.Service
	exec  *recordingExecutor
	obs   *countingObserver
}

type recordingNotifier struct {
	mu   sync.Mutex
	runs []schedule.Run
}

func (n *recordingNotifier) NotifyRunOutcome(_ context.Context, run schedule.Run, _ schedule.Schedule) {
	n.mu.Lock()
	n.runs = append(n.runs, run)
	n.mu.Unlock()
}

func (n *recordingNotifier) Runs() []schedule.Run {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]schedule.Run(nil), n.runs...)
}

func newEnv(t *testing.T, opts ...func(*schedule.Deps)) *env {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, st.PutProfile(ctx, dispatch.Profile{ID: "profile-1", Name: "ops"}))
	require.NoError(t, st.PutTool(ctx, dispatch.Tool{ID: "tool-1", Name: "web_search"}))

	exec := &recordingExecutor{}
	router := dispatch.New(dispatch.Config{}, dispatch.Deps{
		Profiles: st, Tools: st, Tasks: st, Executor: exec,
		Skills: mapSkills{"daily-report": "# Daily report\nSummarize yesterday."},
	})

	reg := scheduler.New(scheduler.Config{Timezone: "UTC"}, logx.Nop(), nil)
	reg.Start(ctx)
	eng := engine.New(engine.Config{Workers: 4, QueueSize: 16}, logx.Nop(), nil)
	eng.Start(ctx)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(sctx)
		reg.Stop(sctx)
	})

	obs := &countingObserver{}
	clk := &clock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	deps := schedule.Deps{
		Store: st, Dispatcher: router, Observer: obs, Registry: reg, Runner: eng, Now: clk.Now,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	svc := schedule.NewService(schedule.Config{}, deps)
	reg.SetTrigger(svc.HandleSignal)
	return &env{svc: svc, store: st, reg: reg, eng: eng, exec: exec, obs: obs}
}

func strp(v string) *string { return &v }
func intp(v int) *int       { return &v }

func agentRequest(mode string) schedule.UpsertRequest {
	return schedule.UpsertRequest{
		TenantID:        strp("tenant-a"),
		Name:            strp("hourly digest"),
		ScheduleType:    strp("INTERVAL"),
		IntervalSeconds: intp(60),
		TargetType:      strp("AGENT"),
		TargetRefID:     strp("profile-1"),
		PayloadJSON:     strp(`{"prompt":"digest"}`),
		ContextMode:     strp(mode),
	}
}

func TestCreateIntervalRoundTrip(t *testing.T) {
	e := newEnv(t)
	req := agentRequest("ISOLATED")
	req.IntervalSeconds = intp(120)

	sch, err := e.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, sch.Enabled)
	assert.Equal(t, schedule.DefaultPriority, sch.Priority)
	assert.Equal(t, "system", sch.CreatedBy)
	assert.False(t, sch.NextRunAt.Before(sch.CreatedAt.Add(60*time.Second)))

	snap := e.reg.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, sch.ID, snap.Entries[0].ID)
	assert.Equal(t, 120*time.Second, snap.Entries[0].Period)
}

func TestCronWithoutExpressionRejected(t *testing.T) {
	e := newEnv(t)
	req := agentRequest("ISOLATED")
	req.ScheduleType = strp("CRON")
	req.IntervalSeconds = nil

	_, err := e.svc.Create(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, schedule.CategoryValidation, schedule.Classify(err))
	assert.Equal(t, 0, e.reg.Len())

	all, err := e.svc.List(context.Background(), schedule.Filter{TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAgentIsolatedRun(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sch, err := e.svc.Create(ctx, agentRequest("ISOLATED"))
	require.NoError(t, err)

	res, err := e.svc.RunNow(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.RunSuccess, res.Status)

	run, err := e.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schedule.RunSuccess, run.Status)
	assert.Equal(t, schedule.ReasonManual, run.TriggerType)
	assert.Contains(t, run.ResultSummary, "profileId=profile-1")
	assert.Contains(t, run.ResultSummary, "sharedContextLoaded=false")
	assert.GreaterOrEqual(t, run.DurationMs, int64(1))
	require.NotNil(t, run.FinishedAt)

	snaps, err := e.svc.ListSnapshots(ctx, sch.ID, "")
	require.NoError(t, err)
	assert.Empty(t, snaps)

	payloads := e.exec.Payloads()
	require.Len(t, payloads, 1)
	assert.True(t, strings.HasPrefix(payloads[0], "[SCHEDULE_TARGET] type=AGENT targetRefId=profile-1\n"))
	assert.Contains(t, payloads[0], `[PAYLOAD] {"prompt":"digest"}`)

	after, err := e.svc.Get(ctx, sch.ID)
	require.NoError(t, err)
	assert.True(t, after.NextRunAt.After(sch.NextRunAt))
	assert.Equal(t, 1, e.obs.completed)
}

func TestSharedContextCarriesForward(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sch, err := e.svc.Create(ctx, agentRequest("SHARED"))
	require.NoError(t, err)

	_, err = e.svc.RunNow(ctx, sch.ID)
	require.NoError(t, err)
	snaps, err := e.svc.ListSnapshots(ctx, sch.ID, "")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "AGENT:profile-1", snaps[0].SegmentKey)
	first := snaps[0].ContextSummary

	res, err := e.svc.RunNow(ctx, sch.ID)
	require.NoError(t, err)
	payloads := e.exec.Payloads()
	require.Len(t, payloads, 2)
	assert.NotContains(t, payloads[0], "[SHARED_CONTEXT]")
	assert.Contains(t, payloads[1], "[SHARED_CONTEXT] "+first)

	run, err := e.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Contains(t, run.ResultSummary, "sharedContextLoaded=true")
	assert.Contains(t, run.ResultSummary, "contextSegmentKey=AGENT:profile-1")
}

func TestSharedRetentionBound(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	req := agentRequest("SHARED")
	req.ContextRetentionRuns = intp(2)
	sch, err := e.svc.Create(ctx, req)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res, err := e.svc.RunNow(ctx, sch.ID)
		require.NoError(t, err)
		require.Equal(t, schedule.RunSuccess, res.Status)

		snaps, err := e.svc.ListSnapshots(ctx, sch.ID, "")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(snaps), 2)
	}
}

func TestMissingSkillFailsAsConfiguration(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	req := agentRequest("ISOLATED")
	req.TargetType = strp("SKILL")
	req.TargetRefID = strp("missing-skill")
	sch, err := e.svc.Create(ctx, req)
	require.NoError(t, err)

	res, err := e.svc.RunNow(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.RunFailed, res.Status)

	run, err := e.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(run.ErrorCode, "SCHEDULE_CONFIGURATION"))
	assert.Contains(t, run.ErrorMessage, "Skill not found: missing-skill")
	assert.GreaterOrEqual(t, run.DurationMs, int64(1))

	after, err := e.svc.Get(ctx, sch.ID)
	require.NoError(t, err)
	assert.True(t, after.NextRunAt.After(sch.NextRunAt))
	assert.Equal(t, []schedule.Category{schedule.CategoryConfiguration}, e.obs.categories)
	assert.Empty(t, e.exec.Payloads())
}

func TestSkillAndToolTargetsUseFallbackProfile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	skill := agentRequest("ISOLATED")
	skill.TargetType = strp("skill")
	skill.TargetRefID = strp("daily-report")
	s1, err := e.svc.Create(ctx, skill)
	require.NoError(t, err)
	res, err := e.svc.RunNow(ctx, s1.ID)
	require.NoError(t, err)
	require.Equal(t, schedule.RunSuccess, res.Status)

	tool := agentRequest("ISOLATED")
	tool.TargetType = strp("TOOL")
	tool.TargetRefID = strp("web_search")
	s2, err := e.svc.Create(ctx, tool)
	require.NoError(t, err)
	res, err = e.svc.RunNow(ctx, s2.ID)
	require.NoError(t, err)
	require.Equal(t, schedule.RunSuccess, res.Status)

	payloads := e.exec.Payloads()
	require.Len(t, payloads, 2)
	assert.Contains(t, payloads[0], "[TARGET_CONTEXT] # Daily report")
	assert.Contains(t, payloads[1], "[TARGET_CONTEXT] web_search")
	assert.Equal(t, []string{"profile-1", "profile-1"}, e.exec.profiles)
}

func TestEnableDisableDelete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sch, err := e.svc.Create(ctx, agentRequest("ISOLATED"))
	require.NoError(t, err)
	require.True(t, e.reg.Has(sch.ID))

	_, err = e.svc.Disable(ctx, sch.ID)
	require.NoError(t, err)
	assert.False(t, e.reg.Has(sch.ID))

	_, err = e.svc.Enable(ctx, sch.ID)
	require.NoError(t, err)
	_, err = e.svc.Enable(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, e.reg.Len())

	require.NoError(t, e.svc.Delete(ctx, sch.ID))
	assert.False(t, e.reg.Has(sch.ID))
	_, err = e.svc.Get(ctx, sch.ID)
	assert.ErrorIs(t, err, schedule.ErrNotFound)
	assert.ErrorIs(t, e.svc.Delete(ctx, sch.ID), schedule.ErrNotFound)
}

func TestUpdateRejectsBeforeRegistry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sch, err := e.svc.Create(ctx, agentRequest("ISOLATED"))
	require.NoError(t, err)

	_, err = e.svc.Update(ctx, sch.ID, schedule.UpsertRequest{ScheduleType: strp("CRON")})
	require.Error(t, err)
	assert.Equal(t, schedule.CategoryValidation, schedule.Classify(err))
	assert.Equal(t, 60*time.Second, e.reg.Snapshot().Entries[0].Period)

	updated, err := e.svc.Update(ctx, sch.ID, schedule.UpsertRequest{ScheduleType: strp("CRON"), CronExpr: strp("0 */2 * * *")})
	require.NoError(t, err)
	assert.Equal(t, schedule.TypeCron, updated.ScheduleType)
	entries := e.reg.Snapshot().Entries
	require.Len(t, entries, 1)
	assert.Equal(t, "0 */2 * * *", entries[0].Spec)
}

func TestListFilters(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.Create(ctx, agentRequest("ISOLATED"))
	require.NoError(t, err)
	tool := agentRequest("ISOLATED")
	tool.TargetType = strp("TOOL")
	tool.TargetRefID = strp("tool-1")
	toolSch, err := e.svc.Create(ctx, tool)
	require.NoError(t, err)
	other := agentRequest("ISOLATED")
	other.TenantID = strp("tenant-b")
	_, err = e.svc.Create(ctx, other)
	require.NoError(t, err)
	_, err = e.svc.Disable(ctx, toolSch.ID)
	require.NoError(t, err)

	all, err := e.svc.List(ctx, schedule.Filter{TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	tools, err := e.svc.List(ctx, schedule.Filter{TenantID: "tenant-a", TargetType: "tool"})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, toolSch.ID, tools[0].ID)

	on := true
	enabled, err := e.svc.List(ctx, schedule.Filter{TenantID: "tenant-a", Enabled: &on})
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, schedule.TargetAgent, enabled[0].TargetType)

	_, err = e.svc.List(ctx, schedule.Filter{})
	assert.Equal(t, schedule.CategoryValidation, schedule.Classify(err))
}

func TestRunInProgressRejectsOverlap(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sch, err := e.svc.Create(ctx, agentRequest("ISOLATED"))
	require.NoError(t, err)

	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	e.exec.mu.Lock()
	e.exec.gate, e.exec.started = gate, started
	e.exec.mu.Unlock()

	require.NoError(t, e.svc.Trigger(ctx, sch.ID, "webhook"))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("triggered run never reached the executor")
	}

	_, err = e.svc.RunNow(ctx, sch.ID)
	assert.ErrorIs(t, err, schedule.ErrRunInProgress)

	close(gate)
	require.Eventually(t, func() bool {
		runs, err := e.svc.ListRuns(ctx, sch.ID, 0)
		return err == nil && len(runs) == 1 && runs[0].Status == schedule.RunSuccess
	}, 2*time.Second, 10*time.Millisecond)

	runs, err := e.svc.ListRuns(ctx, sch.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, schedule.ReasonWebhook, runs[0].TriggerType)
}

func TestTimerSignalSkipsDisabledSchedule(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sch, err := e.svc.Create(ctx, agentRequest("ISOLATED"))
	require.NoError(t, err)

	require.NoError(t, e.svc.HandleSignal(scheduler.Signal{ScheduleID: sch.ID, Reason: scheduler.ReasonSchedule}))
	require.Eventually(t, func() bool {
		runs, _ := e.svc.ListRuns(ctx, sch.ID, 0)
		return len(runs) == 1 && runs[0].Status.Terminal() && e.eng.InFlight(sch.ID) == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err = e.svc.Disable(ctx, sch.ID)
	require.NoError(t, err)
	require.NoError(t, e.svc.HandleSignal(scheduler.Signal{ScheduleID: sch.ID, Reason: scheduler.ReasonSchedule}))
	require.Eventually(t, func() bool { return e.eng.InFlight(sch.ID) == 0 }, 2*time.Second, 10*time.Millisecond)

	runs, err := e.svc.ListRuns(ctx, sch.ID, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Equal(t, schedule.ReasonSchedule, runs[0].TriggerType)
}

func TestExecutorErrorClassified(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sch, err := e.svc.Create(ctx, agentRequest("ISOLATED"))
	require.NoError(t, err)

	e.exec.mu.Lock()
	e.exec.err = errors.New("model gateway timed out")
	e.exec.mu.Unlock()

	res, err := e.svc.RunNow(ctx, sch.ID)
	require.NoError(t, err)
	run, err := e.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schedule.RunFailed, run.Status)
	assert.Equal(t, "SCHEDULE_TIMEOUT", run.ErrorCode)
	assert.Equal(t, "Run failed. errorCategory=TIMEOUT", run.ResultSummary)

	stats := e.svc.Observability()
	assert.Equal(t, int64(1), stats.TriggeredCount)
	assert.Equal(t, int64(1), stats.FailedCount)
}

func TestFrozenClockStillReportsDuration(t *testing.T) {
	frozen := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	e := newEnv(t, func(d *schedule.Deps) {
		d.Now = func() time.Time { return frozen }
	})
	ctx := context.Background()
	sch, err := e.svc.Create(ctx, agentRequest("ISOLATED"))
	require.NoError(t, err)

	res, err := e.svc.RunNow(ctx, sch.ID)
	require.NoError(t, err)
	run, err := e.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.DurationMs)
	assert.True(t, run.StartedAt.Equal(frozen))
}

func TestNotifierSeesEveryOutcome(t *testing.T) {
	n := &recordingNotifier{}
	e := newEnv(t, func(d *schedule.Deps) { d.Notifier = n })
	ctx := context.Background()
	sch, err := e.svc.Create(ctx, agentRequest("ISOLATED"))
	require.NoError(t, err)

	ok, err := e.svc.RunNow(ctx, sch.ID)
	require.NoError(t, err)
	require.Equal(t, schedule.RunSuccess, ok.Status)

	e.exec.mu.Lock()
	e.exec.err = errors.New("model gateway unreachable")
	e.exec.mu.Unlock()
	failed, err := e.svc.RunNow(ctx, sch.ID)
	require.NoError(t, err)
	require.Equal(t, schedule.RunFailed, failed.Status)

	runs := n.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, ok.RunID, runs[0].ID)
	assert.Equal(t, schedule.RunSuccess, runs[0].Status)
	assert.Equal(t, failed.RunID, runs[1].ID)
	assert.Equal(t, schedule.RunFailed, runs[1].Status)
	assert.Equal(t, "model gateway unreachable", runs[1].ErrorMessage)
}

func TestLoaderFeedsRegistry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, err := e.svc.Create(ctx, agentRequest("ISOLATED"))
	require.NoError(t, err)
	b, err := e.svc.Create(ctx, agentRequest("ISOLATED"))
	require.NoError(t, err)
	_, err = e.svc.Disable(ctx, b.ID)
	require.NoError(t, err)

	fresh := scheduler.New(scheduler.Config{}, logx.Nop(), nil)
	require.NoError(t, fresh.ReloadAll(ctx, e.svc.Loader()))
	assert.True(t, fresh.Has(a.ID))
	assert.False(t, fresh.Has(b.ID))
}
