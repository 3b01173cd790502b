package schedule

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	payloadPreviewChars = 120
	minContextTokens    = 200
	minCompressedChars  = 80
)

// SegmentKey scopes continuity to a schedule's concrete target.
func SegmentKey(s Schedule) string {
	kind := strings.ToUpper(string(s.TargetType))
	if kind == "" {
		kind = "UNKNOWN"
	}
	ref := s.TargetRefID
	if ref == "" {
		ref = "UNKNOWN"
	}
	return kind + ":" + ref
}

// EstimateTokens is the chars/4 heuristic: 0 for blank text, at least 1
// otherwise.
func EstimateTokens(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	n := (utf8.RuneCountInString(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// TokenBudget is the effective context budget of s.
func TokenBudget(s Schedule) int {
	if s.ContextMaxTokens == 0 {
		return DefaultContextMaxTokens
	}
	if s.ContextMaxTokens < minContextTokens {
		return minContextTokens
	}
	return s.ContextMaxTokens
}

// RetentionLimit is the effective number of snapshots kept per segment.
func RetentionLimit(s Schedule) int {
	if s.ContextRetentionRuns == 0 {
		return DefaultRetentionRuns
	}
	if s.ContextRetentionRuns < 1 {
		return 1
	}
	return s.ContextRetentionRuns
}

// Compress keeps the head (half the char allowance) and tail (a third) of
// summary when it exceeds budget*4 characters.
func Compress(summary string, budget int) string {
	if strings.TrimSpace(summary) == "" {
		return ""
	}
	maxChars := budget * 4
	if maxChars < minCompressedChars {
		maxChars = minCompressedChars
	}
	r := []rune(summary)
	if len(r) <= maxChars {
		return summary
	}
	head := min(maxChars/2, len(r))
	tail := min(maxChars/3, len(r)-head)
	tailStart := max(head, len(r)-tail)
	return "[COMPRESSED] " + string(r[:head]) + " ... " + string(r[tailStart:])
}

// ContextSummary chains the prior summary with a preview of the payload.
func ContextSummary(prior, payload string) string {
	preview := payload
	if utf8.RuneCountInString(preview) > payloadPreviewChars {
		preview = string([]rune(preview)[:payloadPreviewChars])
	}
	if strings.TrimSpace(prior) == "" {
		return "[SCHEDULE_CONTEXT] payload=" + preview
	}
	return "[SCHEDULE_CONTEXT] previous=" + prior + " | payload=" + preview
}

// BuildSnapshot derives the next snapshot of a segment, compressing the
// summary when the estimate exceeds the schedule's budget.
func BuildSnapshot(s Schedule, run Run, segment, prior string, d DispatchResult, now time.Time) Snapshot {
	snap := Snapshot{
		ScheduleID:        s.ID,
		RunID:             run.ID,
		TaskID:            d.TaskID,
		SegmentKey:        segment,
		TenantID:          s.TenantID,
		MessageCount:      1,
		ContextSummary:    ContextSummary(prior, s.PayloadJSON),
		ToolResultSummary: d.ResultSummary,
		CreatedAt:         now,
	}
	tokens := EstimateTokens(snap.ContextSummary) + EstimateTokens(snap.ToolResultSummary)
	if budget := TokenBudget(s); tokens > budget {
		snap.ContextSummary = Compress(snap.ContextSummary, budget)
		tokens = EstimateTokens(snap.ContextSummary) + EstimateTokens(snap.ToolResultSummary)
	}
	snap.EstimatedTokens = tokens
	return snap
}

// Expired returns the snapshots beyond limit in a newest-first list.
func Expired(newestFirst []Snapshot, limit int) []Snapshot {
	if limit < 1 {
		limit = 1
	}
	if len(newestFirst) <= limit {
		return nil
	}
	return newestFirst[limit:]
}
