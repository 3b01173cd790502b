package schedule

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	validate.RegisterValidation("scheduletype", func(fl validator.FieldLevel) bool {
		switch ScheduleType(strings.ToUpper(strings.TrimSpace(fl.Field().String()))) {
		case TypeCron, TypeInterval:
			return true
		}
		return false
	})
	validate.RegisterValidation("targetkind", func(fl validator.FieldLevel) bool {
		_, ok := ParseTargetKind(fl.Field().String())
		return ok
	})
	validate.RegisterValidation("contextmode", func(fl validator.FieldLevel) bool {
		switch ContextMode(strings.ToUpper(strings.TrimSpace(fl.Field().String()))) {
		case ContextIsolated, ContextShared:
			return true
		}
		return false
	})
}

// UpsertRequest creates or partially updates a schedule. Nil fields are left
// unchanged on update.
type UpsertRequest struct {
	TenantID             *string `json:"tenantId" validate:"omitempty,max=128"`
	Name                 *string `json:"name" validate:"omitempty,max=255"`
	Enabled              *bool   `json:"enabled"`
	ScheduleType         *string `json:"scheduleType" validate:"omitempty,scheduletype"`
	CronExpr             *string `json:"cronExpr"`
	IntervalSeconds      *int    `json:"intervalSeconds" validate:"omitempty,gt=0"`
	Timezone             *string `json:"timezone" validate:"omitempty,max=64"`
	TargetType           *string `json:"targetType" validate:"omitempty,targetkind"`
	TargetRefID          *string `json:"targetRefId" validate:"omitempty,max=255"`
	PayloadJSON          *string `json:"payloadJson"`
	Priority             *int    `json:"priority" validate:"omitempty,min=0"`
	MaxConcurrentRuns    *int    `json:"maxConcurrentRuns" validate:"omitempty,min=1"`
	ContextMode          *string `json:"contextMode" validate:"omitempty,contextmode"`
	ContextRetentionRuns *int    `json:"contextRetentionRuns"`
	ContextMaxTokens     *int    `json:"contextMaxTokens"`
	NotificationPolicyID *string `json:"notificationPolicyId"`
}

// Validate runs the field rules.
func (r UpsertRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) && len(ves) > 0 {
			fe := ves[0]
			return Validation("invalid %s: failed %s", fe.Field(), fe.Tag())
		}
		return Validation("invalid request: %v", err)
	}
	return nil
}

func (r UpsertRequest) validateCreate() error {
	required := []struct {
		name string
		v    *string
	}{
		{"tenantId", r.TenantID},
		{"name", r.Name},
		{"scheduleType", r.ScheduleType},
		{"targetType", r.TargetType},
		{"targetRefId", r.TargetRefID},
	}
	for _, f := range required {
		if !specified(f.v) {
			return Validation("%s is required", f.name)
		}
	}
	return nil
}

// apply merges r into s. Blank strings do not clear identity fields.
func (r UpsertRequest) apply(s *Schedule) {
	if specified(r.TenantID) {
		s.TenantID = strings.TrimSpace(*r.TenantID)
	}
	if specified(r.Name) {
		s.Name = strings.TrimSpace(*r.Name)
	}
	if r.Enabled != nil {
		s.Enabled = *r.Enabled
	}
	if specified(r.ScheduleType) {
		s.ScheduleType = ScheduleType(strings.ToUpper(strings.TrimSpace(*r.ScheduleType)))
	}
	if r.CronExpr != nil {
		s.CronExpr = strings.TrimSpace(*r.CronExpr)
	}
	if r.IntervalSeconds != nil {
		s.IntervalSeconds = *r.IntervalSeconds
	}
	if r.Timezone != nil {
		s.Timezone = strings.TrimSpace(*r.Timezone)
	}
	if specified(r.TargetType) {
		s.TargetType, _ = ParseTargetKind(*r.TargetType)
	}
	if specified(r.TargetRefID) {
		s.TargetRefID = strings.TrimSpace(*r.TargetRefID)
	}
	if r.PayloadJSON != nil {
		s.PayloadJSON = *r.PayloadJSON
	}
	if r.Priority != nil {
		s.Priority = *r.Priority
	}
	if r.MaxConcurrentRuns != nil {
		s.MaxConcurrentRuns = *r.MaxConcurrentRuns
	}
	if specified(r.ContextMode) {
		s.ContextMode = ContextMode(strings.ToUpper(strings.TrimSpace(*r.ContextMode)))
	}
	if r.ContextRetentionRuns != nil {
		s.ContextRetentionRuns = *r.ContextRetentionRuns
	}
	if r.ContextMaxTokens != nil {
		s.ContextMaxTokens = *r.ContextMaxTokens
	}
	if r.NotificationPolicyID != nil {
		s.NotificationPolicyID = strings.TrimSpace(*r.NotificationPolicyID)
	}
	if s.CreatedBy == "" {
		s.CreatedBy = DefaultCreatedBy
	}
}

// validateSchedule checks the cross-field rules of a merged schedule.
func validateSchedule(s Schedule) error {
	switch s.ScheduleType {
	case TypeCron:
		if s.CronExpr == "" {
			return Validation("cronExpr is required for CRON schedules")
		}
		if _, err := parseCron(s.CronExpr, s.Timezone); err != nil {
			return Validation("invalid cronExpr %q: %v", s.CronExpr, err)
		}
	case TypeInterval:
		if s.IntervalSeconds <= 0 {
			return Validation("intervalSeconds must be positive for INTERVAL schedules")
		}
	default:
		return Validation("unsupported scheduleType %q", s.ScheduleType)
	}
	if _, ok := ParseTargetKind(string(s.TargetType)); !ok {
		return Validation("unsupported targetType %q", s.TargetType)
	}
	if s.TargetRefID == "" {
		return Validation("targetRefId is required")
	}
	return nil
}

func specified(v *string) bool { return v != nil && strings.TrimSpace(*v) != "" }
