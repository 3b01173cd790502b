package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedgate/internal/dispatch"
	"schedgate/internal/schedule"
	"schedgate/internal/storage"
)

type execFunc func(ctx context.Context, taskID, profileID, payload string) error

func (f execFunc) Execute(ctx context.Context, taskID, profileID, payload string) error {
	return f(ctx, taskID, profileID, payload)
}

type noSkills struct{}

func (noSkills) Read(_ context.Context, name string) (string, error) {
	return "", schedule.Configuration("Skill not found: %s", name)
}

type call struct{ taskID, profileID, payload string }

func newRouter(t *testing.T, st storage.Store, cfg dispatch.Config, fn execFunc) (*dispatch.Router, *[]call) {
	t.Helper()
	calls := &[]call{}
	exec := execFunc(func(ctx context.Context, taskID, profileID, payload string) error {
		*calls = append(*calls, call{taskID, profileID, payload})
		if fn != nil {
			return fn(ctx, taskID, profileID, payload)
		}
		return nil
	})
	return dispatch.New(cfg, dispatch.Deps{Profiles: st, Tools: st, Skills: noSkills{}, Tasks: st, Executor: exec}), calls
}

func TestAgentDispatchPersistsPendingTask(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, st.PutProfile(ctx, dispatch.Profile{ID: "profile-1"}))
	r, calls := newRouter(t, st, dispatch.Config{}, nil)

	s := schedule.Schedule{TargetType: schedule.TargetAgent, TargetRefID: "profile-1", PayloadJSON: "{}"}
	res, err := r.Dispatch(ctx, s, nil)
	require.NoError(t, err)
	assert.Equal(t, "profileId=profile-1", res.TargetSummary)
	assert.Equal(t, schedule.TargetAgent, res.TargetType)

	require.Len(t, *calls, 1)
	assert.Equal(t, res.TaskID, (*calls)[0].taskID)
	task, err := st.GetTask(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.TaskPending, task.Status)
	assert.Equal(t, "profile-1", task.ProfileID)
	assert.Equal(t, (*calls)[0].payload, task.InputPayload)
}

func TestAgentDispatchUnknownProfile(t *testing.T) {
	r, calls := newRouter(t, storage.NewMemory(), dispatch.Config{}, nil)
	_, err := r.Dispatch(context.Background(), schedule.Schedule{TargetType: schedule.TargetAgent, TargetRefID: "ghost"}, nil)
	require.Error(t, err)
	assert.Equal(t, schedule.CategoryConfiguration, schedule.Classify(err))
	assert.Equal(t, "Agent profile not found: ghost", err.Error())
	assert.Empty(t, *calls)
}

func TestToolResolvedByIDThenName(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, st.PutTool(ctx, dispatch.Tool{ID: "t-1", Name: "web_search"}))
	r, calls := newRouter(t, st, dispatch.Config{}, nil)

	for _, ref := range []string{"t-1", "web_search"} {
		res, err := r.Dispatch(ctx, schedule.Schedule{TargetType: schedule.TargetTool, TargetRefID: ref}, nil)
		require.NoError(t, err, ref)
		assert.Equal(t, "toolName=web_search", res.TargetSummary)
		assert.Equal(t, "Dispatched to TOOL flow via fallback profile", res.ResultSummary)
	}
	// No profiles: the placeholder identity is used.
	require.Len(t, *calls, 2)
	assert.Equal(t, dispatch.FallbackProfileID, (*calls)[0].profileID)

	_, err := r.Dispatch(ctx, schedule.Schedule{TargetType: schedule.TargetTool, TargetRefID: "nope"}, nil)
	assert.Equal(t, schedule.CategoryConfiguration, schedule.Classify(err))
}

func TestUnsupportedTargetKind(t *testing.T) {
	r, _ := newRouter(t, storage.NewMemory(), dispatch.Config{}, nil)
	_, err := r.Dispatch(context.Background(), schedule.Schedule{TargetType: "WORKFLOW", TargetRefID: "x"}, nil)
	require.Error(t, err)
	assert.Equal(t, schedule.CategoryConfiguration, schedule.Classify(err))
	assert.Contains(t, err.Error(), "unsupported target type")
}

func TestMissingSkillIsConfiguration(t *testing.T) {
	r, calls := newRouter(t, storage.NewMemory(), dispatch.Config{}, nil)
	_, err := r.Dispatch(context.Background(), schedule.Schedule{TargetType: schedule.TargetSkill, TargetRefID: "missing-skill"}, nil)
	assert.Equal(t, schedule.CategoryConfiguration, schedule.Classify(err))
	assert.Empty(t, *calls)
}

func TestExecutorDeadlineIsTimeout(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, st.PutProfile(ctx, dispatch.Profile{ID: "p"}))
	r, _ := newRouter(t, st, dispatch.Config{ExecutorTimeout: 20 * time.Millisecond}, func(ctx context.Context, _, _, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})

	_, err := r.Dispatch(ctx, schedule.Schedule{TargetType: schedule.TargetAgent, TargetRefID: "p"}, nil)
	require.Error(t, err)
	assert.Equal(t, schedule.CategoryTimeout, schedule.Classify(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestExecutorErrorPropagates(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, st.PutProfile(ctx, dispatch.Profile{ID: "p"}))
	crashed := errors.New("executor crashed")
	r, _ := newRouter(t, st, dispatch.Config{}, func(context.Context, string, string, string) error {
		return crashed
	})
	_, err := r.Dispatch(ctx, schedule.Schedule{TargetType: schedule.TargetAgent, TargetRefID: "p"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, crashed)
	assert.Equal(t, "executor crashed", err.Error())
	assert.Equal(t, schedule.CategoryRuntime, schedule.Classify(err))
}

func TestComposePayload(t *testing.T) {
	s := schedule.Schedule{TargetRefID: "web_search", PayloadJSON: `{"q":"go"}`}
	got := dispatch.ComposePayload(s, &schedule.Snapshot{ContextSummary: "earlier"}, schedule.TargetTool, "web_search")
	assert.Equal(t, "[SCHEDULE_TARGET] type=TOOL targetRefId=web_search\n"+
		"[SHARED_CONTEXT] earlier\n"+
		"[TARGET_CONTEXT] web_search\n"+
		`[PAYLOAD] {"q":"go"}`, got)

	bare := dispatch.ComposePayload(s, nil, schedule.TargetAgent, "")
	assert.Equal(t, "[SCHEDULE_TARGET] type=AGENT targetRefId=web_search\n"+`[PAYLOAD] {"q":"go"}`, bare)
}
