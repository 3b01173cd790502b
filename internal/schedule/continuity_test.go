package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentKey(t *testing.T) {
	assert.Equal(t, "AGENT:profile-1", SegmentKey(Schedule{TargetType: "agent", TargetRefID: "profile-1"}))
	assert.Equal(t, "UNKNOWN:UNKNOWN", SegmentKey(Schedule{}))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens("   "))
	assert.Equal(t, 1, EstimateTokens("a"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 1, EstimateTokens("日本"))
}

func TestBudgetAndRetentionFloors(t *testing.T) {
	assert.Equal(t, 8000, TokenBudget(Schedule{}))
	assert.Equal(t, 200, TokenBudget(Schedule{ContextMaxTokens: 10}))
	assert.Equal(t, 500, TokenBudget(Schedule{ContextMaxTokens: 500}))

	assert.Equal(t, 20, RetentionLimit(Schedule{}))
	assert.Equal(t, 1, RetentionLimit(Schedule{ContextRetentionRuns: -3}))
	assert.Equal(t, 3, RetentionLimit(Schedule{ContextRetentionRuns: 3}))
}

func TestCompress(t *testing.T) {
	assert.Equal(t, "", Compress("  ", 200))
	assert.Equal(t, "short", Compress("short", 200))

	long := strings.Repeat("a", 500) + strings.Repeat("z", 500)
	out := Compress(long, 200)
	require.True(t, strings.HasPrefix(out, "[COMPRESSED] "))
	assert.Less(t, len(out), len(long))
	assert.Contains(t, out, strings.Repeat("a", 400)+" ... ")
	assert.True(t, strings.HasSuffix(out, strings.Repeat("z", 266)))
}

func TestContextSummary(t *testing.T) {
	assert.Equal(t, "[SCHEDULE_CONTEXT] payload={}", ContextSummary("", "{}"))
	assert.Equal(t, "[SCHEDULE_CONTEXT] previous=old | payload={}", ContextSummary("old", "{}"))

	preview := ContextSummary("", strings.Repeat("x", 300))
	assert.Equal(t, "[SCHEDULE_CONTEXT] payload="+strings.Repeat("x", 120), preview)
}

func TestBuildSnapshotCompressesOverBudget(t *testing.T) {
	s := Schedule{ID: "s1", TenantID: "t1", TargetType: TargetAgent, TargetRefID: "p", ContextMaxTokens: 200, PayloadJSON: "{}"}
	prior := strings.Repeat("context ", 400)
	raw := ContextSummary(prior, s.PayloadJSON)
	require.Greater(t, EstimateTokens(raw), 200)

	snap := BuildSnapshot(s, Run{ID: "r1"}, "AGENT:p", prior, DispatchResult{TaskID: "task", ResultSummary: "done"}, time.Now())
	assert.True(t, strings.HasPrefix(snap.ContextSummary, "[COMPRESSED] "))
	assert.Less(t, len(snap.ContextSummary), len(raw))
	assert.Equal(t, EstimateTokens(snap.ContextSummary)+EstimateTokens("done"), snap.EstimatedTokens)
	assert.Equal(t, "task", snap.TaskID)
	assert.Equal(t, 1, snap.MessageCount)
}

func TestExpired(t *testing.T) {
	snaps := []Snapshot{{ID: "3"}, {ID: "2"}, {ID: "1"}}
	assert.Nil(t, Expired(snaps, 3))
	assert.Equal(t, []Snapshot{{ID: "1"}}, Expired(snaps, 2))
	assert.Len(t, Expired(snaps, 0), 2)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Category
	}{
		{Validation("bad"), CategoryValidation},
		{fmt.Errorf("wrapped: %w", Configuration("Skill not found: x")), CategoryConfiguration},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), CategoryTimeout},
		{errors.New("upstream Timed Out"), CategoryTimeout},
		{errors.New("read tcp: connection reset"), CategoryRuntime},
		{Internal(errors.New("panic: x")), CategoryInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), tt.err.Error())
	}
	assert.Equal(t, Category(""), Classify(nil))
	assert.Equal(t, "SCHEDULE_CONFIGURATION", ErrorCode(CategoryConfiguration))
}
