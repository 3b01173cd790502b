package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"schedgate/internal/dispatch"
	"schedgate/internal/schedule"
)

// memStore keeps everything in maps guarded by one mutex.
type memStore struct {
	mu sync.Mutex

	schedules map[string]schedule.Schedule
	runs      map[string]memRow[schedule.Run]
	snapshots map[string]memRow[schedule.Snapshot]
	profiles  map[string]memRow[dispatch.Profile]
	tools     map[string]dispatch.Tool
	tasks     map[string]dispatch.Task
	dedup     map[string]int64 // unix milli
	audit     []AuditEntry

	seq uint64
}

// memRow remembers insertion order for stable newest-first listings.
type memRow[T any] struct {
	v   T
	seq uint64
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memStore{
		schedules: map[string]schedule.Schedule{},
		runs:      map[string]memRow[schedule.Run]{},
		snapshots: map[string]memRow[schedule.Snapshot]{},
		profiles:  map[string]memRow[dispatch.Profile]{},
		tools:     map[string]dispatch.Tool{},
		tasks:     map[string]dispatch.Task{},
		dedup:     map[string]int64{},
	}
}

func (m *memStore) next() uint64 {
	m.seq++
	return m.seq
}

func (m *memStore) CreateSchedule(_ context.Context, s *schedule.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = *s
	return nil
}

func (m *memStore) UpdateSchedule(_ context.Context, s *schedule.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return ErrNotFound
	}
	m.schedules[s.ID] = *s
	return nil
}

func (m *memStore) UpdateNextRunAt(_ context.Context, id string, next, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return ErrNotFound
	}
	s.NextRunAt = next
	s.UpdatedAt = updatedAt
	m.schedules[id] = s
	return nil
}

func (m *memStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *memStore) GetSchedule(_ context.Context, id string) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return schedule.Schedule{}, ErrNotFound
	}
	return s, nil
}

func (m *memStore) ListSchedules(_ context.Context, tenantID string, enabled *bool) ([]schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []schedule.Schedule{}
	for _, s := range m.schedules {
		if s.TenantID != tenantID {
			continue
		}
		if enabled != nil && s.Enabled != *enabled {
			continue
		}
		out = append(out, s)
	}
	sortSchedules(out)
	return out, nil
}

func (m *memStore) ListEnabledSchedules(_ context.Context) ([]schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []schedule.Schedule{}
	for _, s := range m.schedules {
		if s.Enabled {
			out = append(out, s)
		}
	}
	sortSchedules(out)
	return out, nil
}

func sortSchedules(s []schedule.Schedule) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].CreatedAt.Before(s[j].CreatedAt)
		}
		return s[i].ID < s[j].ID
	})
}

func (m *memStore) CreateRun(_ context.Context, r *schedule.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = memRow[schedule.Run]{v: *r, seq: m.next()}
	return nil
}

func (m *memStore) FinishRun(_ context.Context, r *schedule.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.runs[r.ID]
	if !ok {
		return ErrNotFound
	}
	row.v.Status = r.Status
	row.v.FinishedAt = r.FinishedAt
	row.v.DurationMs = r.DurationMs
	row.v.ResultSummary = r.ResultSummary
	row.v.ErrorCode = r.ErrorCode
	row.v.ErrorMessage = r.ErrorMessage
	m.runs[r.ID] = row
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (schedule.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.runs[id]
	if !ok {
		return schedule.Run{}, ErrNotFound
	}
	return row.v, nil
}

func (m *memStore) ListRuns(_ context.Context, scheduleID string, limit int) ([]schedule.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]memRow[schedule.Run], 0)
	for _, row := range m.runs {
		if row.v.ScheduleID == scheduleID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq > rows[j].seq })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]schedule.Run, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.v)
	}
	return out, nil
}

func (m *memStore) CreateSnapshot(_ context.Context, s *schedule.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.ID] = memRow[schedule.Snapshot]{v: *s, seq: m.next()}
	return nil
}

func (m *memStore) ListSnapshots(_ context.Context, scheduleID, segmentKey string) ([]schedule.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segmentLocked(scheduleID, segmentKey), nil
}

func (m *memStore) LatestSnapshot(_ context.Context, scheduleID, segmentKey string) (schedule.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.segmentLocked(scheduleID, segmentKey)
	if len(all) == 0 {
		return schedule.Snapshot{}, false, nil
	}
	return all[0], true, nil
}

// segmentLocked lists a segment newest first: by creation time, then by
// insertion order.
func (m *memStore) segmentLocked(scheduleID, segmentKey string) []schedule.Snapshot {
	rows := make([]memRow[schedule.Snapshot], 0)
	for _, row := range m.snapshots {
		if row.v.ScheduleID == scheduleID && row.v.SegmentKey == segmentKey {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.v.CreatedAt.Equal(b.v.CreatedAt) {
			return a.v.CreatedAt.After(b.v.CreatedAt)
		}
		return a.seq > b.seq
	})
	out := make([]schedule.Snapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.v)
	}
	return out
}

func (m *memStore) DeleteSnapshots(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.snapshots, id)
	}
	return nil
}

func (m *memStore) PutProfile(_ context.Context, p dispatch.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	seq := m.next()
	if old, ok := m.profiles[p.ID]; ok {
		seq = old.seq
	}
	m.profiles[p.ID] = memRow[dispatch.Profile]{v: p, seq: seq}
	return nil
}

func (m *memStore) ProfileExists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.profiles[id]
	return ok, nil
}

func (m *memStore) ListProfiles(_ context.Context) ([]dispatch.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]memRow[dispatch.Profile], 0, len(m.profiles))
	for _, row := range m.profiles {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.v.CreatedAt.Equal(b.v.CreatedAt) {
			return a.v.CreatedAt.Before(b.v.CreatedAt)
		}
		return a.seq < b.seq
	})
	out := make([]dispatch.Profile, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.v)
	}
	return out, nil
}

func (m *memStore) PutTool(_ context.Context, t dispatch.Tool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools[t.ID] = t
	return nil
}

func (m *memStore) FindToolByID(_ context.Context, id string) (dispatch.Tool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tools[id]
	return t, ok, nil
}

func (m *memStore) FindToolByName(_ context.Context, name string) (dispatch.Tool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tools {
		if t.Name == name {
			return t, true, nil
		}
	}
	return dispatch.Tool{}, false, nil
}

func (m *memStore) CreateTask(_ context.Context, t *dispatch.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = *t
	return nil
}

func (m *memStore) GetTask(_ context.Context, id string) (dispatch.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return dispatch.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *memStore) UpdateTaskStatus(_ context.Context, id, status string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = at
	m.tasks[id] = t
	return nil
}

func (m *memStore) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	return nil
}

func (m *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedup[key] = until.UnixMilli()
	return nil
}

func (m *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (m *memStore) ClaimDedup(_ context.Context, key string, until time.Time) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UnixMilli()
	if ms, ok := m.dedup[key]; ok && ms > now {
		return false, nil
	}
	m.dedup[key] = until.UnixMilli()
	return true, nil
}

func (m *memStore) ReleaseDedup(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dedup, key)
	return nil
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) Close() error { return nil }
