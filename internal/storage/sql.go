package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"schedgate/internal/dispatch"
	"schedgate/internal/schedule"
	logx "schedgate/pkg/logx"
)

// sqlStore implements Store over database/sql for sqlite and postgres.
// Queries are written with '?' placeholders and rebound per dialect.
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	postgres bool

	lastSeq    atomic.Int64
	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(db *sql.DB, log logx.Logger, postgres bool) *sqlStore {
	return &sqlStore{db: db, log: log, postgres: postgres, pruneEvery: 500}
}

// rebind turns '?' placeholders into '$n' for postgres.
func (s *sqlStore) rebind(q string) string {
	if !s.postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

// nextSeq is a strictly increasing ordinal seeded from the clock, so rows
// written after a restart still sort after older ones.
func (s *sqlStore) nextSeq() int64 {
	for {
		now := time.Now().UnixNano()
		last := s.lastSeq.Load()
		if now <= last {
			now = last + 1
		}
		if s.lastSeq.CompareAndSwap(last, now) {
			return now
		}
	}
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func requireAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- schedules

const scheduleColumns = `id, tenant_id, name, enabled, schedule_type, cron_expr, interval_seconds, timezone,
	target_type, target_ref_id, payload_json, priority, max_concurrent_runs, context_mode,
	context_retention_runs, context_max_tokens, notification_policy_id, next_run_at, created_by,
	created_at, updated_at`

func scheduleArgs(v *schedule.Schedule) []any {
	return []any{
		v.ID, v.TenantID, v.Name, v.Enabled, string(v.ScheduleType), v.CronExpr, v.IntervalSeconds, v.Timezone,
		string(v.TargetType), v.TargetRefID, v.PayloadJSON, v.Priority, v.MaxConcurrentRuns, string(v.ContextMode),
		v.ContextRetentionRuns, v.ContextMaxTokens, v.NotificationPolicyID, toMillis(v.NextRunAt), v.CreatedBy,
		toMillis(v.CreatedAt), toMillis(v.UpdatedAt),
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(sc scanner) (schedule.Schedule, error) {
	var (
		v                         schedule.Schedule
		sType, tType, mode        string
		nextRun, created, updated int64
	)
	err := sc.Scan(&v.ID, &v.TenantID, &v.Name, &v.Enabled, &sType, &v.CronExpr, &v.IntervalSeconds, &v.Timezone,
		&tType, &v.TargetRefID, &v.PayloadJSON, &v.Priority, &v.MaxConcurrentRuns, &mode,
		&v.ContextRetentionRuns, &v.ContextMaxTokens, &v.NotificationPolicyID, &nextRun, &v.CreatedBy,
		&created, &updated)
	if err != nil {
		return v, err
	}
	v.ScheduleType = schedule.ScheduleType(sType)
	v.TargetType = schedule.TargetKind(tType)
	v.ContextMode = schedule.ContextMode(mode)
	v.NextRunAt, v.CreatedAt, v.UpdatedAt = fromMillis(nextRun), fromMillis(created), fromMillis(updated)
	return v, nil
}

func (s *sqlStore) CreateSchedule(ctx context.Context, v *schedule.Schedule) error {
	_, err := s.exec(ctx, `INSERT INTO schedules(`+scheduleColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, scheduleArgs(v)...)
	return err
}

func (s *sqlStore) UpdateSchedule(ctx context.Context, v *schedule.Schedule) error {
	args := scheduleArgs(v)
	args = append(args[1:], v.ID)
	return requireAffected(s.exec(ctx, `UPDATE schedules SET tenant_id=?, name=?, enabled=?, schedule_type=?, cron_expr=?,
		interval_seconds=?, timezone=?, target_type=?, target_ref_id=?, payload_json=?, priority=?,
		max_concurrent_runs=?, context_mode=?, context_retention_runs=?, context_max_tokens=?,
		notification_policy_id=?, next_run_at=?, created_by=?, created_at=?, updated_at=?
		WHERE id=?`, args...))
}

func (s *sqlStore) UpdateNextRunAt(ctx context.Context, id string, next, updatedAt time.Time) error {
	return requireAffected(s.exec(ctx, `UPDATE schedules SET next_run_at=?, updated_at=? WHERE id=?`,
		toMillis(next), toMillis(updatedAt), id))
}

func (s *sqlStore) DeleteSchedule(ctx context.Context, id string) error {
	return requireAffected(s.exec(ctx, `DELETE FROM schedules WHERE id=?`, id))
}

func (s *sqlStore) GetSchedule(ctx context.Context, id string) (schedule.Schedule, error) {
	v, err := scanSchedule(s.queryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	return v, err
}

func (s *sqlStore) ListSchedules(ctx context.Context, tenantID string, enabled *bool) ([]schedule.Schedule, error) {
	q := `SELECT ` + scheduleColumns + ` FROM schedules WHERE tenant_id=?`
	args := []any{tenantID}
	if enabled != nil {
		q += ` AND enabled=?`
		args = append(args, *enabled)
	}
	return s.listSchedules(ctx, q+` ORDER BY created_at, id`, args...)
}

func (s *sqlStore) ListEnabledSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	return s.listSchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE enabled=? ORDER BY created_at, id`, true)
}

func (s *sqlStore) listSchedules(ctx context.Context, q string, args ...any) ([]schedule.Schedule, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []schedule.Schedule{}
	for rows.Next() {
		v, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- runs

const runColumns = `id, schedule_id, tenant_id, trigger_type, status, started_at, finished_at, duration_ms,
	result_summary, error_code, error_message, created_at`

func scanRun(sc scanner) (schedule.Run, error) {
	var (
		v                schedule.Run
		status           string
		started, created int64
		finished         sql.NullInt64
	)
	err := sc.Scan(&v.ID, &v.ScheduleID, &v.TenantID, &v.TriggerType, &status, &started, &finished, &v.DurationMs,
		&v.ResultSummary, &v.ErrorCode, &v.ErrorMessage, &created)
	if err != nil {
		return v, err
	}
	v.Status = schedule.RunStatus(status)
	v.StartedAt, v.CreatedAt = fromMillis(started), fromMillis(created)
	if finished.Valid {
		t := fromMillis(finished.Int64)
		v.FinishedAt = &t
	}
	return v, nil
}

func (s *sqlStore) CreateRun(ctx context.Context, v *schedule.Run) error {
	_, err := s.exec(ctx, `INSERT INTO runs(`+runColumns+`, seq) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.ScheduleID, v.TenantID, v.TriggerType, string(v.Status), toMillis(v.StartedAt), nullMillis(v.FinishedAt),
		v.DurationMs, v.ResultSummary, v.ErrorCode, v.ErrorMessage, toMillis(v.CreatedAt), s.nextSeq())
	return err
}

func (s *sqlStore) FinishRun(ctx context.Context, v *schedule.Run) error {
	return requireAffected(s.exec(ctx, `UPDATE runs SET status=?, finished_at=?, duration_ms=?, result_summary=?,
		error_code=?, error_message=? WHERE id=?`,
		string(v.Status), nullMillis(v.FinishedAt), v.DurationMs, v.ResultSummary, v.ErrorCode, v.ErrorMessage, v.ID))
}

func (s *sqlStore) GetRun(ctx context.Context, id string) (schedule.Run, error) {
	v, err := scanRun(s.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	return v, err
}

func (s *sqlStore) ListRuns(ctx context.Context, scheduleID string, limit int) ([]schedule.Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs WHERE schedule_id=? ORDER BY seq DESC`
	args := []any{scheduleID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []schedule.Run{}
	for rows.Next() {
		v, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- snapshots

const snapshotColumns = `id, schedule_id, run_id, task_id, segment_key, tenant_id, message_count, estimated_tokens,
	context_summary, tool_result_summary, pending_todos, created_at`

func scanSnapshot(sc scanner) (schedule.Snapshot, error) {
	var (
		v       schedule.Snapshot
		created int64
	)
	err := sc.Scan(&v.ID, &v.ScheduleID, &v.RunID, &v.TaskID, &v.SegmentKey, &v.TenantID, &v.MessageCount,
		&v.EstimatedTokens, &v.ContextSummary, &v.ToolResultSummary, &v.PendingTodos, &created)
	v.CreatedAt = fromMillis(created)
	return v, err
}

func (s *sqlStore) CreateSnapshot(ctx context.Context, v *schedule.Snapshot) error {
	_, err := s.exec(ctx, `INSERT INTO snapshots(`+snapshotColumns+`, seq) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.ScheduleID, v.RunID, v.TaskID, v.SegmentKey, v.TenantID, v.MessageCount, v.EstimatedTokens,
		v.ContextSummary, v.ToolResultSummary, v.PendingTodos, toMillis(v.CreatedAt), s.nextSeq())
	return err
}

func (s *sqlStore) ListSnapshots(ctx context.Context, scheduleID, segmentKey string) ([]schedule.Snapshot, error) {
	rows, err := s.query(ctx, `SELECT `+snapshotColumns+` FROM snapshots
		WHERE schedule_id=? AND segment_key=? ORDER BY created_at DESC, seq DESC`, scheduleID, segmentKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []schedule.Snapshot{}
	for rows.Next() {
		v, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqlStore) LatestSnapshot(ctx context.Context, scheduleID, segmentKey string) (schedule.Snapshot, bool, error) {
	v, err := scanSnapshot(s.queryRow(ctx, `SELECT `+snapshotColumns+` FROM snapshots
		WHERE schedule_id=? AND segment_key=? ORDER BY created_at DESC, seq DESC LIMIT 1`, scheduleID, segmentKey))
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Snapshot{}, false, nil
	}
	if err != nil {
		return schedule.Snapshot{}, false, err
	}
	return v, true, nil
}

func (s *sqlStore) DeleteSnapshots(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, s.rebind(`DELETE FROM snapshots WHERE id=?`))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("delete snapshot %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// --- dispatch catalog

func (s *sqlStore) PutProfile(ctx context.Context, p dispatch.Profile) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx, `INSERT INTO agent_profiles(id, name, created_at) VALUES(?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name`, p.ID, p.Name, toMillis(p.CreatedAt))
	return err
}

func (s *sqlStore) ProfileExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM agent_profiles WHERE id=?`, id).Scan(&n)
	return n > 0, err
}

func (s *sqlStore) ListProfiles(ctx context.Context) ([]dispatch.Profile, error) {
	rows, err := s.query(ctx, `SELECT id, name, created_at FROM agent_profiles ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []dispatch.Profile{}
	for rows.Next() {
		var (
			p  dispatch.Profile
			ms int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &ms); err != nil {
			return nil, err
		}
		p.CreatedAt = fromMillis(ms)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutTool(ctx context.Context, t dispatch.Tool) error {
	_, err := s.exec(ctx, `INSERT INTO tools(id, name, description) VALUES(?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description`, t.ID, t.Name, t.Description)
	return err
}

func (s *sqlStore) FindToolByID(ctx context.Context, id string) (dispatch.Tool, bool, error) {
	return s.findTool(ctx, `SELECT id, name, description FROM tools WHERE id=?`, id)
}

func (s *sqlStore) FindToolByName(ctx context.Context, name string) (dispatch.Tool, bool, error) {
	return s.findTool(ctx, `SELECT id, name, description FROM tools WHERE name=? ORDER BY id LIMIT 1`, name)
}

func (s *sqlStore) findTool(ctx context.Context, q, arg string) (dispatch.Tool, bool, error) {
	var t dispatch.Tool
	err := s.queryRow(ctx, q, arg).Scan(&t.ID, &t.Name, &t.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.Tool{}, false, nil
	}
	if err != nil {
		return dispatch.Tool{}, false, err
	}
	return t, true, nil
}

func (s *sqlStore) CreateTask(ctx context.Context, t *dispatch.Task) error {
	_, err := s.exec(ctx, `INSERT INTO tasks(id, profile_id, parent_task_id, status, input_payload, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?)`, t.ID, t.ProfileID, t.ParentTaskID, t.Status, t.InputPayload, toMillis(t.CreatedAt), toMillis(t.UpdatedAt))
	return err
}

func (s *sqlStore) GetTask(ctx context.Context, id string) (dispatch.Task, error) {
	var (
		t                dispatch.Task
		created, updated int64
	)
	err := s.queryRow(ctx, `SELECT id, profile_id, parent_task_id, status, input_payload, created_at, updated_at
		FROM tasks WHERE id=?`, id).Scan(&t.ID, &t.ProfileID, &t.ParentTaskID, &t.Status, &t.InputPayload, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	t.CreatedAt, t.UpdatedAt = fromMillis(created), fromMillis(updated)
	return t, err
}

func (s *sqlStore) UpdateTaskStatus(ctx context.Context, id, status string, at time.Time) error {
	return requireAffected(s.exec(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, status, toMillis(at), id))
}

// --- audit and dedup

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.exec(ctx, `INSERT INTO audit(at, actor, action, target, ok, err, took_ms, meta) VALUES(?,?,?,?,?,?,?,?)`,
		toMillis(e.At), e.Actor, e.Action, e.Target, e.OK, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON))
	return err
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.exec(ctx, `INSERT INTO dedup(key, until) VALUES(?,?)
		ON CONFLICT(key) DO UPDATE SET until=excluded.until`, key, until.UnixMilli())
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.queryRow(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// ClaimDedup inserts key, or takes over an expired entry, in one statement.
func (s *sqlStore) ClaimDedup(ctx context.Context, key string, until time.Time) (bool, error) {
	if key == "" {
		return true, nil
	}
	res, err := s.exec(ctx, `INSERT INTO dedup(key, until) VALUES(?,?)
		ON CONFLICT(key) DO UPDATE SET until=excluded.until WHERE dedup.until <= ?`,
		key, until.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) ReleaseDedup(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	_, err := s.exec(ctx, `DELETE FROM dedup WHERE key = ?`, key)
	return err
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	_, err := s.exec(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
