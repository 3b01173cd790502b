package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"schedgate/internal/task/scheduler"
)

const (
	minIntervalAdvance = 60 * time.Second
	legacyCronAdvance  = time.Minute
)

// Same dialect as the trigger registry.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextRunAt estimates the next fire of s after now. INTERVAL schedules
// advance by max(60s, interval). CRON schedules use the expression and
// zone, or now+1m when legacy is set or the expression does not parse.
func NextRunAt(s Schedule, now time.Time, legacy bool) time.Time {
	switch ScheduleType(strings.ToUpper(string(s.ScheduleType))) {
	case TypeInterval:
		if s.IntervalSeconds <= 0 {
			return now.Add(legacyCronAdvance)
		}
		d := time.Duration(s.IntervalSeconds) * time.Second
		if d < minIntervalAdvance {
			d = minIntervalAdvance
		}
		return now.Add(d)
	case TypeCron:
		if legacy {
			return now.Add(legacyCronAdvance)
		}
		sched, err := parseCron(s.CronExpr, s.Timezone)
		if err != nil {
			return now.Add(legacyCronAdvance)
		}
		if next := sched.Next(now); !next.IsZero() {
			return next
		}
	}
	return now.Add(legacyCronAdvance)
}

func parseCron(expr, tz string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if tz = strings.TrimSpace(tz); tz != "" && !strings.HasPrefix(expr, "TZ=") && !strings.HasPrefix(expr, "CRON_TZ=") {
		if _, err := time.LoadLocation(tz); err == nil {
			expr = "CRON_TZ=" + tz + " " + expr
		}
	}
	return cronParser.Parse(expr)
}

// Definition is the registry view of s.
func (s Schedule) Definition() scheduler.Definition {
	return scheduler.Definition{
		ID:              s.ID,
		Enabled:         s.Enabled,
		Kind:            strings.ToUpper(string(s.ScheduleType)),
		CronExpr:        s.CronExpr,
		Timezone:        s.Timezone,
		IntervalSeconds: s.IntervalSeconds,
	}
}
