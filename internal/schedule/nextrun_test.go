package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedgate/internal/task/scheduler"
)

func TestNextRunAtInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(120*time.Second), NextRunAt(Schedule{ScheduleType: TypeInterval, IntervalSeconds: 120}, now, false))
	assert.Equal(t, now.Add(60*time.Second), NextRunAt(Schedule{ScheduleType: TypeInterval, IntervalSeconds: 5}, now, false))
}

func TestNextRunAtCron(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	s := Schedule{ScheduleType: TypeCron, CronExpr: "0 9 * * *", Timezone: "UTC"}
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), NextRunAt(s, now, false).UTC())

	assert.Equal(t, now.Add(time.Minute), NextRunAt(s, now, true))

	s.CronExpr = "garbage"
	assert.Equal(t, now.Add(time.Minute), NextRunAt(s, now, false))
}

func TestNextRunAtCronZone(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := Schedule{ScheduleType: TypeCron, CronExpr: "0 9 * * *", Timezone: "Asia/Jakarta"}
	// 09:00 WIB is 02:00 UTC.
	assert.Equal(t, time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC), NextRunAt(s, now, false).UTC())
}

func TestDefinition(t *testing.T) {
	s := Schedule{ID: "s1", Enabled: true, ScheduleType: "interval", IntervalSeconds: 90, Timezone: "UTC"}
	d := s.Definition()
	assert.Equal(t, scheduler.Definition{ID: "s1", Enabled: true, Kind: scheduler.KindInterval, IntervalSeconds: 90, Timezone: "UTC"}, d)
	assert.Equal(t, 90*time.Second, scheduler.Period(d))
}

func strp(v string) *string { return &v }
func intp(v int) *int       { return &v }

func TestUpsertValidate(t *testing.T) {
	err := UpsertRequest{ScheduleType: strp("weekly")}.Validate()
	require.Error(t, err)
	assert.Equal(t, CategoryValidation, Classify(err))
	assert.Contains(t, err.Error(), "scheduleType")

	err = UpsertRequest{TargetType: strp("workflow")}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "targetType")

	err = UpsertRequest{Priority: intp(-1)}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "priority")

	assert.NoError(t, UpsertRequest{ScheduleType: strp("cron"), TargetType: strp("skill"), ContextMode: strp("shared")}.Validate())
}

func TestValidateCreateRequiresFields(t *testing.T) {
	err := UpsertRequest{Name: strp("n")}.validateCreate()
	require.Error(t, err)
	assert.Equal(t, "tenantId is required", err.Error())

	err = UpsertRequest{TenantID: strp("t"), Name: strp("n"), ScheduleType: strp("CRON"), TargetType: strp("AGENT")}.validateCreate()
	require.Error(t, err)
	assert.Equal(t, "targetRefId is required", err.Error())
}

func TestValidateSchedule(t *testing.T) {
	base := Schedule{ScheduleType: TypeCron, CronExpr: "*/5 * * * *", TargetType: TargetAgent, TargetRefID: "p"}
	assert.NoError(t, validateSchedule(base))

	noCron := base
	noCron.CronExpr = ""
	err := validateSchedule(noCron)
	require.Error(t, err)
	assert.Equal(t, CategoryValidation, Classify(err))
	assert.Equal(t, "cronExpr is required for CRON schedules", err.Error())

	badCron := base
	badCron.CronExpr = "every day"
	assert.Error(t, validateSchedule(badCron))

	interval := base
	interval.ScheduleType = TypeInterval
	assert.Error(t, validateSchedule(interval))
	interval.IntervalSeconds = 30
	assert.NoError(t, validateSchedule(interval))

	noRef := base
	noRef.TargetRefID = ""
	assert.Error(t, validateSchedule(noRef))
}

func TestApplyNormalizes(t *testing.T) {
	var s Schedule
	UpsertRequest{
		TenantID:     strp("  t1 "),
		ScheduleType: strp("interval"),
		TargetType:   strp(" tool "),
		ContextMode:  strp("shared"),
		TargetRefID:  strp("web_search"),
	}.apply(&s)
	assert.Equal(t, "t1", s.TenantID)
	assert.Equal(t, TypeInterval, s.ScheduleType)
	assert.Equal(t, TargetTool, s.TargetType)
	assert.True(t, s.Shared())
	assert.Equal(t, DefaultCreatedBy, s.CreatedBy)

	UpsertRequest{Name: strp("   ")}.apply(&s)
	assert.Equal(t, "", s.Name)
}
