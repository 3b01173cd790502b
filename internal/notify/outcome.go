package notify

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"schedgate/internal/schedule"
	logx "schedgate/pkg/logx"
)

// NotifyRunOutcome queues one delivery per channel of the schedule's policy.
// It never blocks on delivery.
func (s *Service) NotifyRunOutcome(ctx context.Context, run schedule.Run, sch schedule.Schedule) {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	policyID := strings.TrimSpace(sch.NotificationPolicyID)
	if policyID == "" {
		policyID = s.cfg.DefaultPolicy
	}
	policy, ok := s.policies[policyID]
	s.mu.Unlock()

	if !enabled || policyID == "" {
		return
	}
	if !ok {
		s.log.Debug("notification policy not found", logx.String("policy", policyID), logx.String("schedule", sch.ID))
		return
	}

	event := EventFailed
	if run.Status == schedule.RunSuccess {
		event = EventSuccess
	}
	if (event == EventSuccess && !policy.OnSuccess) || (event == EventFailed && !policy.OnFailed) {
		return
	}

	msg := Render(policy.Template, run, event)
	for _, ch := range policy.Channels {
		d := Delivery{
			ID:         uuid.NewString(),
			RunID:      run.ID,
			ScheduleID: sch.ID,
			EventType:  event,
			ChannelID:  ch,
			Message:    msg,
		}
		if err := s.Notify(ctx, d); err != nil {
			s.log.Warn("notification not queued", logx.String("channel", ch), logx.String("run", run.ID), logx.Err(err))
		}
	}
}

// Render fills ${...} placeholders of tpl. An empty template means
// DefaultTemplate.
func Render(tpl string, run schedule.Run, event string) string {
	if strings.TrimSpace(tpl) == "" {
		tpl = DefaultTemplate
	}
	r := strings.NewReplacer(
		"${eventType}", event,
		"${runId}", run.ID,
		"${scheduleId}", run.ScheduleID,
		"${tenantId}", run.TenantID,
		"${status}", string(run.Status),
		"${errorCode}", run.ErrorCode,
		"${errorMessage}", run.ErrorMessage,
		"${durationMs}", strconv.FormatInt(run.DurationMs, 10),
		"${triggerType}", run.TriggerType,
	)
	return r.Replace(tpl)
}
