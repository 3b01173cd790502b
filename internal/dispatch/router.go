package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"schedgate/internal/schedule"
	logx "schedgate/pkg/logx"
)

const defaultExecutorTimeout = 2 * time.Minute

type Deps struct {
	Profiles Profiles
	Tools    Tools
	Skills   Skills
	Tasks    Tasks
	Executor Executor
	Log      logx.Logger
	Now      func() time.Time
}

// Router resolves a schedule's target and hands one unit of work to the
// executor.
type Router struct {
	cfg Config
	d   Deps
	log logx.Logger
}

func New(cfg Config, d Deps) *Router {
	if cfg.ExecutorTimeout <= 0 {
		cfg.ExecutorTimeout = defaultExecutorTimeout
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{cfg: cfg, d: d, log: log}
}

func (r *Router) Dispatch(ctx context.Context, s schedule.Schedule, prior *schedule.Snapshot) (schedule.DispatchResult, error) {
	kind, ok := schedule.ParseTargetKind(string(s.TargetType))
	if !ok {
		return schedule.DispatchResult{}, schedule.Configuration("unsupported target type: %s", s.TargetType)
	}
	switch kind {
	case schedule.TargetAgent:
		return r.dispatchAgent(ctx, s, prior)
	case schedule.TargetTool:
		return r.dispatchTool(ctx, s, prior)
	default:
		return r.dispatchSkill(ctx, s, prior)
	}
}

func (r *Router) dispatchAgent(ctx context.Context, s schedule.Schedule, prior *schedule.Snapshot) (schedule.DispatchResult, error) {
	profileID := strings.TrimSpace(s.TargetRefID)
	if profileID == "" {
		return schedule.DispatchResult{}, schedule.Configuration("Agent profile not found: %s", s.TargetRefID)
	}
	exists, err := r.d.Profiles.ProfileExists(ctx, profileID)
	if err != nil {
		return schedule.DispatchResult{}, fmt.Errorf("lookup agent profile: %w", err)
	}
	if !exists {
		return schedule.DispatchResult{}, schedule.Configuration("Agent profile not found: %s", profileID)
	}
	taskID, err := r.handOff(ctx, profileID, ComposePayload(s, prior, schedule.TargetAgent, ""))
	if err != nil {
		return schedule.DispatchResult{}, err
	}
	return schedule.DispatchResult{
		TaskID:        taskID,
		TargetType:    schedule.TargetAgent,
		TargetSummary: "profileId=" + profileID,
		ResultSummary: "Dispatched to AGENT profile",
	}, nil
}

func (r *Router) dispatchTool(ctx context.Context, s schedule.Schedule, prior *schedule.Snapshot) (schedule.DispatchResult, error) {
	tool, err := r.resolveTool(ctx, s.TargetRefID)
	if err != nil {
		return schedule.DispatchResult{}, err
	}
	profileID, err := r.fallbackProfile(ctx)
	if err != nil {
		return schedule.DispatchResult{}, err
	}
	taskID, err := r.handOff(ctx, profileID, ComposePayload(s, prior, schedule.TargetTool, tool.Name))
	if err != nil {
		return schedule.DispatchResult{}, err
	}
	return schedule.DispatchResult{
		TaskID:        taskID,
		TargetType:    schedule.TargetTool,
		TargetSummary: "toolName=" + tool.Name,
		ResultSummary: "Dispatched to TOOL flow via fallback profile",
	}, nil
}

func (r *Router) dispatchSkill(ctx context.Context, s schedule.Schedule, prior *schedule.Snapshot) (schedule.DispatchResult, error) {
	name := strings.TrimSpace(s.TargetRefID)
	if name == "" {
		return schedule.DispatchResult{}, schedule.Validation("skillName is required")
	}
	content, err := r.d.Skills.Read(ctx, name)
	if err != nil {
		return schedule.DispatchResult{}, err
	}
	profileID, err := r.fallbackProfile(ctx)
	if err != nil {
		return schedule.DispatchResult{}, err
	}
	taskID, err := r.handOff(ctx, profileID, ComposePayload(s, prior, schedule.TargetSkill, content))
	if err != nil {
		return schedule.DispatchResult{}, err
	}
	return schedule.DispatchResult{
		TaskID:        taskID,
		TargetType:    schedule.TargetSkill,
		TargetSummary: "skillName=" + name,
		ResultSummary: "Dispatched to SKILL flow via fallback profile",
	}, nil
}

// resolveTool looks ref up by id, then by name.
func (r *Router) resolveTool(ctx context.Context, ref string) (Tool, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Tool{}, schedule.Configuration("Tool not found: %s", ref)
	}
	t, ok, err := r.d.Tools.FindToolByID(ctx, ref)
	if err != nil {
		return Tool{}, fmt.Errorf("lookup tool: %w", err)
	}
	if ok {
		return t, nil
	}
	t, ok, err = r.d.Tools.FindToolByName(ctx, ref)
	if err != nil {
		return Tool{}, fmt.Errorf("lookup tool: %w", err)
	}
	if !ok {
		return Tool{}, schedule.Configuration("Tool not found: %s", ref)
	}
	return t, nil
}

func (r *Router) fallbackProfile(ctx context.Context) (string, error) {
	profiles, err := r.d.Profiles.ListProfiles(ctx)
	if err != nil {
		return "", fmt.Errorf("list agent profiles: %w", err)
	}
	if len(profiles) > 0 {
		return profiles[0].ID, nil
	}
	return FallbackProfileID, nil
}

// handOff persists a pending task and calls the executor under a deadline.
func (r *Router) handOff(ctx context.Context, profileID, payload string) (string, error) {
	now := r.d.Now()
	t := &Task{
		ID:           uuid.NewString(),
		ProfileID:    profileID,
		Status:       TaskPending,
		InputPayload: payload,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.d.Tasks.CreateTask(ctx, t); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, r.cfg.ExecutorTimeout)
	defer cancel()
	if err := r.d.Executor.Execute(cctx, t.ID, profileID, payload); err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return "", &schedule.Error{Category: schedule.CategoryTimeout, Msg: fmt.Sprintf("executor timeout after %s", r.cfg.ExecutorTimeout), Err: err}
		}
		// The executor's message is the run's error message as is.
		r.log.Warn("task execution failed", logx.String("task", t.ID), logx.String("profile", profileID), logx.Err(err))
		return "", err
	}
	r.log.Debug("task dispatched", logx.String("task", t.ID), logx.String("profile", profileID))
	return t.ID, nil
}

// ComposePayload builds the executor input: a target header, the carried
// context, target-specific context and the raw payload.
func ComposePayload(s schedule.Schedule, prior *schedule.Snapshot, kind schedule.TargetKind, extra string) string {
	var b strings.Builder
	b.WriteString("[SCHEDULE_TARGET] type=")
	b.WriteString(string(kind))
	b.WriteString(" targetRefId=")
	b.WriteString(s.TargetRefID)
	b.WriteString("\n")
	if prior != nil && strings.TrimSpace(prior.ContextSummary) != "" {
		b.WriteString("[SHARED_CONTEXT] ")
		b.WriteString(prior.ContextSummary)
		b.WriteString("\n")
	}
	if strings.TrimSpace(extra) != "" {
		b.WriteString("[TARGET_CONTEXT] ")
		b.WriteString(extra)
		b.WriteString("\n")
	}
	b.WriteString("[PAYLOAD] ")
	b.WriteString(s.PayloadJSON)
	return b.String()
}
