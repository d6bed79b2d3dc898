package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type TaskModel struct {
	DB DBTX
}

// InsertIgnore inserts a task row, leaving any existing row for the
// same (date, index, rtsp_url) untouched so reruns keep their status.
// Returns true when a new row was created.
func (m TaskModel) InsertIgnore(ctx context.Context, t *Task) (bool, error) {
	query := `
		INSERT INTO tasks (date, index, start_ts, end_ts, rtsp_url, ip, channel, status, operation_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (date, index, rtsp_url) DO NOTHING
		RETURNING id, operation_time`

	err := m.DB.QueryRowContext(ctx, query,
		t.Date, t.Index, t.StartTS, t.EndTS, t.RTSPURL, t.IP, t.Channel, TaskStatusPending,
	).Scan(&t.ID, &t.OperationTime)

	if err == sql.ErrNoRows {
		return false, nil // conflict, pre-existing row kept
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetByID fetches one task.
func (m TaskModel) GetByID(ctx context.Context, id int64) (*Task, error) {
	query := `
		SELECT id, date, index, start_ts, end_ts, rtsp_url, ip, channel, status, screenshot_path, error, operation_time
		FROM tasks WHERE id = $1`

	var t Task
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.Date, &t.Index, &t.StartTS, &t.EndTS, &t.RTSPURL,
		&t.IP, &t.Channel, &t.Status, &t.ScreenshotPath, &t.Error, &t.OperationTime,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ClaimPlaying performs the conditional pending -> playing transition.
// Zero rows affected means another worker owns the task; callers skip
// silently in that case.
func (m TaskModel) ClaimPlaying(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE tasks SET status = $1, error = NULL, operation_time = NOW()
		WHERE id = $2 AND status IN ($3, $4, $5)`
	res, err := m.DB.ExecContext(ctx, query, TaskStatusPlaying, id,
		TaskStatusPending, TaskStatusFailed, TaskStatusScreenshotTaken)
	if err != nil {
		return false, err
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// MarkFailed transitions playing -> failed with a human-readable error.
func (m TaskModel) MarkFailed(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE tasks SET status = $1, error = $2, operation_time = NOW()
		WHERE id = $3 AND status = $4`
	res, err := m.DB.ExecContext(ctx, query, TaskStatusFailed, reason, id, TaskStatusPlaying)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// MarkScreenshotTaken transitions playing -> screenshot_taken and sets
// the blob path. Runs on the tx that also writes the snapshot.
func (m TaskModel) MarkScreenshotTaken(ctx context.Context, id int64, screenshotPath string) error {
	query := `
		UPDATE tasks SET status = $1, screenshot_path = $2, error = NULL, operation_time = NOW()
		WHERE id = $3 AND status = $4`
	res, err := m.DB.ExecContext(ctx, query, TaskStatusScreenshotTaken, screenshotPath, id, TaskStatusPlaying)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ResetToPending re-arms terminal tasks for a rerun. Tasks currently
// playing are left alone. Returns ids of the reset rows.
func (m TaskModel) ResetToPending(ctx context.Context, date, ip, channel string, taskID *int64) ([]int64, error) {
	where := `WHERE status <> $1`
	args := []any{TaskStatusPlaying}
	n := 2

	if taskID != nil {
		where += fmt.Sprintf(" AND id = $%d", n)
		args = append(args, *taskID)
		n++
	}
	if date != "" {
		where += fmt.Sprintf(" AND date = $%d", n)
		args = append(args, date)
		n++
	}
	if ip != "" {
		where += fmt.Sprintf(" AND ip = $%d", n)
		args = append(args, ip)
		n++
	}
	if channel != "" {
		where += fmt.Sprintf(" AND channel = $%d", n)
		args = append(args, channel)
		n++
	}

	query := `UPDATE tasks SET status = '` + TaskStatusPending + `', error = NULL, operation_time = NOW() ` +
		where + ` RETURNING id`
	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SweepStalePlaying recovers tasks whose executor died: anything
// playing longer than 6x its window plus a minute goes back to failed
// and becomes eligible for rerun.
func (m TaskModel) SweepStalePlaying(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE tasks SET status = $1, error = 'stale playing swept', operation_time = NOW()
		WHERE status = $2
		  AND operation_time < $3::timestamptz - make_interval(secs => 6 * (end_ts - start_ts) + 60)`
	res, err := m.DB.ExecContext(ctx, query, TaskStatusFailed, TaskStatusPlaying, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReconcileStatus corrects tasks that have a screenshot recorded but a
// non-terminal status. Runs before paged reads.
func (m TaskModel) ReconcileStatus(ctx context.Context) (int64, error) {
	query := `
		UPDATE tasks SET status = $1, operation_time = NOW()
		WHERE screenshot_path IS NOT NULL AND status IN ($2, $3)`
	res, err := m.DB.ExecContext(ctx, query, TaskStatusScreenshotTaken, TaskStatusPending, TaskStatusPlaying)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountPlaying returns how many tasks are currently playing, optionally
// scoped to one combo. The engine tests assert the concurrency caps
// through this.
func (m TaskModel) CountPlaying(ctx context.Context, ip, channel string) (int, error) {
	query := `SELECT count(*) FROM tasks WHERE status = $1`
	args := []any{TaskStatusPlaying}
	if ip != "" {
		query += ` AND ip = $2 AND channel = $3`
		args = append(args, ip, channel)
	}
	var n int
	err := m.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func buildTaskWhere(filter TaskFilter) (string, []any) {
	where := "WHERE 1=1"
	var args []any
	n := 1

	add := func(cond string, v any) {
		where += fmt.Sprintf(" AND "+cond, n)
		args = append(args, v)
		n++
	}

	if filter.Date != "" {
		add("date = $%d", filter.Date)
	}
	if filter.TaskID != nil {
		add("id = $%d", *filter.TaskID)
	}
	if filter.IP != "" {
		add("ip = $%d", filter.IP)
	}
	if filter.IPPrefix != "" {
		add("ip LIKE $%d || '%%'", filter.IPPrefix)
	}
	if filter.Channel != "" {
		add("channel = $%d", filter.Channel)
	}
	if len(filter.StatusIn) > 0 {
		normalized := make([]string, 0, len(filter.StatusIn))
		for _, s := range filter.StatusIn {
			normalized = append(normalized, NormalizeStatus(s))
		}
		add("status = ANY($%d)", pq.Array(normalized))
	}
	if filter.RTSPLike != "" {
		add("rtsp_url ILIKE '%%' || $%d || '%%'", filter.RTSPLike)
	}
	if filter.StartTSGte != nil {
		add("start_ts >= $%d", *filter.StartTSGte)
	}
	if filter.StartTSLte != nil {
		add("start_ts <= $%d", *filter.StartTSLte)
	}
	if filter.EndTSGte != nil {
		add("end_ts >= $%d", *filter.EndTSGte)
	}
	if filter.EndTSLte != nil {
		add("end_ts <= $%d", *filter.EndTSLte)
	}
	if filter.OpTimeAfter != nil {
		add("operation_time >= $%d", *filter.OpTimeAfter)
	}
	if filter.OpTimeUntil != nil {
		add("operation_time <= $%d", *filter.OpTimeUntil)
	}
	return where, args
}

// List retrieves paginated tasks newest-window-first.
func (m TaskModel) List(ctx context.Context, filter TaskFilter, limit, offset int) ([]*Task, int, error) {
	where, args := buildTaskWhere(filter)

	var total int
	if err := m.DB.QueryRowContext(ctx, "SELECT count(*) FROM tasks "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT id, date, index, start_ts, end_ts, rtsp_url, ip, channel, status, screenshot_path, error, operation_time
		FROM tasks %s
		ORDER BY date DESC, index DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Date, &t.Index, &t.StartTS, &t.EndTS, &t.RTSPURL,
			&t.IP, &t.Channel, &t.Status, &t.ScreenshotPath, &t.Error, &t.OperationTime); err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, &t)
	}
	return tasks, total, rows.Err()
}

// ListIDsByStatus returns task ids for a date/combo in the given
// states, ordered by window index. The scheduler submits these.
func (m TaskModel) ListIDsByStatus(ctx context.Context, date, ip, channel string, statuses []string) ([]int64, error) {
	where := `WHERE date = $1 AND status = ANY($2)`
	args := []any{date, pq.Array(statuses)}
	n := 3
	if ip != "" {
		where += fmt.Sprintf(" AND ip = $%d", n)
		args = append(args, ip)
		n++
	}
	if channel != "" {
		where += fmt.Sprintf(" AND channel = $%d", n)
		args = append(args, channel)
		n++
	}
	rows, err := m.DB.QueryContext(ctx, `SELECT id FROM tasks `+where+` ORDER BY index ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes one task; snapshots and change rows cascade.
func (m TaskModel) Delete(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// DeleteByCombo removes all tasks for (date, ip, channel).
func (m TaskModel) DeleteByCombo(ctx context.Context, date, ip, channel string) (int64, error) {
	res, err := m.DB.ExecContext(ctx,
		`DELETE FROM tasks WHERE date = $1 AND ip = $2 AND channel = $3`, date, ip, channel)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// distinctColumn guards the identifier interpolation below.
func (m TaskModel) distinct(ctx context.Context, column string) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT %s FROM tasks WHERE %s IS NOT NULL ORDER BY %s DESC`, column, column, column)
	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// AvailableDates lists every date that has tasks, for the UI pickers.
func (m TaskModel) AvailableDates(ctx context.Context) ([]string, error) {
	return m.distinct(ctx, "date")
}

func (m TaskModel) AvailableIPs(ctx context.Context) ([]string, error) {
	return m.distinct(ctx, "ip")
}

func (m TaskModel) AvailableChannels(ctx context.Context) ([]string, error) {
	return m.distinct(ctx, "channel")
}

// TaskConfigModel persists per-day capture plans.
type TaskConfigModel struct {
	DB DBTX
}

// Upsert inserts the plan or refreshes its aggregates when it already
// exists. Idempotent under concurrent writers via the unique key.
func (m TaskConfigModel) Upsert(ctx context.Context, c *TaskConfig) error {
	query := `
		INSERT INTO task_configs (date, rtsp_base, ip, channel, interval_minutes, day_start_ts, day_end_ts, task_count, operation_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (date, rtsp_base, channel, interval_minutes)
		DO UPDATE SET task_count = EXCLUDED.task_count, operation_time = NOW()
		RETURNING id, operation_time`
	return m.DB.QueryRowContext(ctx, query,
		c.Date, c.RTSPBase, c.IP, c.Channel, c.IntervalMinutes, c.DayStartTS, c.DayEndTS, c.TaskCount,
	).Scan(&c.ID, &c.OperationTime)
}

// List returns plans matching the filter, newest day first.
func (m TaskConfigModel) List(ctx context.Context, filter TaskConfigFilter, limit, offset int) ([]*TaskConfig, int, error) {
	where := "WHERE 1=1"
	var args []any
	n := 1
	if filter.Date != "" {
		where += fmt.Sprintf(" AND date = $%d", n)
		args = append(args, filter.Date)
		n++
	}
	if filter.IP != "" {
		where += fmt.Sprintf(" AND ip = $%d", n)
		args = append(args, filter.IP)
		n++
	}
	if filter.Channel != "" {
		where += fmt.Sprintf(" AND channel = $%d", n)
		args = append(args, filter.Channel)
		n++
	}

	var total int
	if err := m.DB.QueryRowContext(ctx, "SELECT count(*) FROM task_configs "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT id, date, rtsp_base, ip, channel, interval_minutes, day_start_ts, day_end_ts, task_count, operation_time
		FROM task_configs %s
		ORDER BY date DESC, id DESC
		LIMIT $%d OFFSET $%d`, where, n, n+1)
	args = append(args, limit, offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var configs []*TaskConfig
	for rows.Next() {
		var c TaskConfig
		if err := rows.Scan(&c.ID, &c.Date, &c.RTSPBase, &c.IP, &c.Channel, &c.IntervalMinutes,
			&c.DayStartTS, &c.DayEndTS, &c.TaskCount, &c.OperationTime); err != nil {
			return nil, 0, err
		}
		configs = append(configs, &c)
	}
	return configs, total, rows.Err()
}
