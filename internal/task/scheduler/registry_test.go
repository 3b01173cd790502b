package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedgate/internal/eventbus"
	logx "schedgate/pkg/logx"
)

func newStarted(t *testing.T) *Registry {
	t.Helper()
	r := New(Config{}, logx.Nop(), eventbus.New())
	r.Start(context.Background())
	t.Cleanup(func() { r.Stop(context.Background()) })
	return r
}

func TestReconcileTwiceKeepsOneTimer(t *testing.T) {
	t.Parallel()
	r := newStarted(t)
	d := Definition{ID: "s1", Enabled: true, Kind: KindInterval, IntervalSeconds: 120}

	require.NoError(t, r.Reconcile(d))
	require.NoError(t, r.Reconcile(d))

	snap := r.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, 120*time.Second, snap.Entries[0].Period)
	assert.Equal(t, 1, len(r.c.Entries()))
}

func TestReconcileDisabledDropsTimer(t *testing.T) {
	t.Parallel()
	r := newStarted(t)
	d := Definition{ID: "s1", Enabled: true, Kind: KindCron, CronExpr: "*/5 * * * *"}
	require.NoError(t, r.Reconcile(d))
	assert.True(t, r.Has("s1"))

	d.Enabled = false
	require.NoError(t, r.Reconcile(d))
	assert.False(t, r.Has("s1"))
	assert.Empty(t, r.c.Entries())
}

func TestConcurrentReconcileSameID(t *testing.T) {
	t.Parallel()
	r := newStarted(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Reconcile(Definition{ID: "same", Enabled: true, Kind: KindInterval, IntervalSeconds: 60 + i})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, r.Len())
	assert.Len(t, r.c.Entries(), 1)
}

func TestReconcileInvalidCronLeavesNoTimer(t *testing.T) {
	t.Parallel()
	r := newStarted(t)
	require.NoError(t, r.Reconcile(Definition{ID: "s1", Enabled: true, Kind: KindInterval, IntervalSeconds: 60}))

	err := r.Reconcile(Definition{ID: "s1", Enabled: true, Kind: KindCron, CronExpr: "not a cron"})
	require.Error(t, err)
	assert.False(t, r.Has("s1"))

	err = r.Reconcile(Definition{ID: "s2", Enabled: true, Kind: KindCron})
	require.Error(t, err)
	assert.False(t, r.Has("s2"))
}

func TestInvalidTimezoneFallsBack(t *testing.T) {
	t.Parallel()
	r := newStarted(t)
	err := r.Reconcile(Definition{ID: "s1", Enabled: true, Kind: KindCron, CronExpr: "0 9 * * *", Timezone: "Mars/Olympus"})
	require.NoError(t, err)
	require.True(t, r.Has("s1"))
	assert.Equal(t, "0 9 * * *", r.Snapshot().Entries[0].Spec)

	require.NoError(t, r.Reconcile(Definition{ID: "s2", Enabled: true, Kind: KindCron, CronExpr: "0 9 * * *", Timezone: "Asia/Jakarta"}))
	for _, e := range r.Snapshot().Entries {
		if e.ID == "s2" {
			assert.Equal(t, "CRON_TZ=Asia/Jakarta 0 9 * * *", e.Spec)
		}
	}
}

func TestPeriodDefaults(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 60*time.Second, Period(Definition{}))
	assert.Equal(t, time.Second, Period(Definition{IntervalSeconds: -5}))
	assert.Equal(t, 120*time.Second, Period(Definition{IntervalSeconds: 120}))
}

func TestIntervalFirstFireIsDeferred(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s := makeIntervalSchedule(2*time.Minute, now)
	first := s.Next(now)
	assert.Equal(t, now.Add(2*time.Minute), first)
	assert.Equal(t, first.Add(2*time.Minute), s.Next(first))
}

func TestRemove(t *testing.T) {
	t.Parallel()
	r := newStarted(t)
	require.NoError(t, r.Reconcile(Definition{ID: "s1", Enabled: true, Kind: KindInterval, IntervalSeconds: 60}))
	assert.True(t, r.Remove("s1"))
	assert.False(t, r.Remove("s1"))
	assert.Equal(t, 0, r.Len())
}

func TestReloadAllRebuildsFromLoader(t *testing.T) {
	t.Parallel()
	r := newStarted(t)
	require.NoError(t, r.Reconcile(Definition{ID: "gone", Enabled: true, Kind: KindInterval, IntervalSeconds: 60}))

	load := func(ctx context.Context) ([]Definition, error) {
		return []Definition{
			{ID: "a", Enabled: true, Kind: KindInterval, IntervalSeconds: 30},
			{ID: "b", Enabled: true, Kind: KindCron, CronExpr: "@hourly"},
			{ID: "bad", Enabled: true, Kind: KindCron, CronExpr: "??"},
		}, nil
	}
	require.NoError(t, r.ReloadAll(context.Background(), load))
	assert.True(t, r.Has("a"))
	assert.True(t, r.Has("b"))
	assert.False(t, r.Has("bad"))
	assert.False(t, r.Has("gone"))

	err := r.ReloadAll(context.Background(), func(context.Context) ([]Definition, error) { return nil, errors.New("db down") })
	require.Error(t, err)
	assert.Equal(t, 2, r.Len())
}

func TestFireHandsSignalToTrigger(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	r := New(Config{}, logx.Nop(), bus)
	got := make(chan Signal, 1)
	r.SetTrigger(func(sig Signal) error {
		got <- sig
		return nil
	})
	r.fire("s1")

	sig := <-got
	assert.Equal(t, "s1", sig.ScheduleID)
	assert.Equal(t, ReasonSchedule, sig.Reason)
	ev := <-events
	assert.Equal(t, eventbus.TypeScheduleFired, ev.Type)
}

func TestFireDoesNotWaitForRegistryLock(t *testing.T) {
	t.Parallel()
	r := New(Config{}, logx.Nop(), nil)
	got := make(chan Signal, 1)
	r.SetTrigger(func(sig Signal) error {
		got <- sig
		return nil
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	done := make(chan struct{})
	go func() {
		r.fire("s1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fire blocked on the registry lock")
	}
	assert.Equal(t, "s1", (<-got).ScheduleID)
}

func TestApplyTimezoneWhileFireInFlight(t *testing.T) {
	t.Parallel()
	r := newStarted(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	r.SetTrigger(func(Signal) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})
	defer close(release)

	r.mu.Lock()
	c := r.c
	r.mu.Unlock()
	_, err := c.AddFunc("@every 1s", func() { r.fire("s1") })
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timer never fired")
	}

	applied := make(chan struct{})
	go func() {
		r.Apply(Config{Timezone: "UTC"})
		close(applied)
	}()
	select {
	case <-applied:
	case <-time.After(2 * time.Second):
		t.Fatal("Apply blocked on a running fire")
	}
	assert.Equal(t, "UTC", r.Snapshot().Timezone)
}

func TestEntriesRegisteredBeforeStart(t *testing.T) {
	t.Parallel()
	r := New(Config{Timezone: "UTC"}, logx.Nop(), nil)
	require.NoError(t, r.Reconcile(Definition{ID: "s1", Enabled: true, Kind: KindInterval, IntervalSeconds: 60}))
	assert.False(t, r.Snapshot().Running)

	r.Start(context.Background())
	defer r.Stop(context.Background())
	snap := r.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.True(t, snap.Running)
	assert.Equal(t, "UTC", snap.Timezone)
	assert.False(t, snap.Entries[0].Next.IsZero())
}
