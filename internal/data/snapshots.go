package data

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

type SnapshotModel struct {
	DB DBTX
}

// Create inserts the snapshot row. One per task: a rerun replaces the
// previous artifact for the same task.
func (m SnapshotModel) Create(ctx context.Context, s *Snapshot) error {
	query := `
		INSERT INTO snapshots (task_id, ip, channel, image_path, detected_image_path, change_count, detected_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		ON CONFLICT (task_id) DO UPDATE SET
			image_path = EXCLUDED.image_path,
			detected_image_path = EXCLUDED.detected_image_path,
			change_count = 0,
			detected_at = EXCLUDED.detected_at
		RETURNING id`
	return m.DB.QueryRowContext(ctx, query,
		s.TaskID, s.IP, s.Channel, s.ImagePath, s.DetectedImagePath, s.DetectedAt,
	).Scan(&s.ID)
}

// CreateSpaceStates inserts the per-space detector outputs. The rerun
// path above relies on ON DELETE CASCADE having cleared prior states.
func (m SnapshotModel) CreateSpaceStates(ctx context.Context, snapshotID int64, states []SpaceState) error {
	if _, err := m.DB.ExecContext(ctx, `DELETE FROM space_states WHERE snapshot_id = $1`, snapshotID); err != nil {
		return err
	}
	for i := range states {
		states[i].SnapshotID = snapshotID
		err := m.DB.QueryRowContext(ctx, `
			INSERT INTO space_states (snapshot_id, space_id, occupied, confidence)
			VALUES ($1, $2, $3, $4) RETURNING id`,
			snapshotID, states[i].SpaceID, states[i].Occupied, states[i].Confidence,
		).Scan(&states[i].ID)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetByID fetches one snapshot.
func (m SnapshotModel) GetByID(ctx context.Context, id int64) (*Snapshot, error) {
	var s Snapshot
	err := m.DB.QueryRowContext(ctx, `
		SELECT id, task_id, ip, channel, image_path, detected_image_path, change_count, detected_at
		FROM snapshots WHERE id = $1`, id).Scan(
		&s.ID, &s.TaskID, &s.IP, &s.Channel, &s.ImagePath, &s.DetectedImagePath, &s.ChangeCount, &s.DetectedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetByTaskID fetches the snapshot for a task, if any.
func (m SnapshotModel) GetByTaskID(ctx context.Context, taskID int64) (*Snapshot, error) {
	var s Snapshot
	err := m.DB.QueryRowContext(ctx, `
		SELECT id, task_id, ip, channel, image_path, detected_image_path, change_count, detected_at
		FROM snapshots WHERE task_id = $1`, taskID).Scan(
		&s.ID, &s.TaskID, &s.IP, &s.Channel, &s.ImagePath, &s.DetectedImagePath, &s.ChangeCount, &s.DetectedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ByTaskIDs bulk-loads snapshots keyed by task id for list merging.
func (m SnapshotModel) ByTaskIDs(ctx context.Context, taskIDs []int64) (map[int64]*Snapshot, error) {
	if len(taskIDs) == 0 {
		return map[int64]*Snapshot{}, nil
	}
	rows, err := m.DB.QueryContext(ctx, `
		SELECT id, task_id, ip, channel, image_path, detected_image_path, change_count, detected_at
		FROM snapshots WHERE task_id = ANY($1)`, pq.Array(taskIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]*Snapshot, len(taskIDs))
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.ID, &s.TaskID, &s.IP, &s.Channel, &s.ImagePath,
			&s.DetectedImagePath, &s.ChangeCount, &s.DetectedAt); err != nil {
			return nil, err
		}
		out[s.TaskID] = &s
	}
	return out, rows.Err()
}

// Previous returns the most recent snapshot of the same combo strictly
// before the given one. Ties on detected_at break by id: the larger id
// is the later snapshot.
func (m SnapshotModel) Previous(ctx context.Context, cur *Snapshot) (*Snapshot, error) {
	query := `
		SELECT id, task_id, ip, channel, image_path, detected_image_path, change_count, detected_at
		FROM snapshots
		WHERE ip = $1 AND channel = $2 AND id <> $3
		  AND (detected_at < $4 OR (detected_at = $4 AND id < $3))
		ORDER BY detected_at DESC, id DESC
		LIMIT 1`
	var s Snapshot
	err := m.DB.QueryRowContext(ctx, query, cur.IP, cur.Channel, cur.ID, cur.DetectedAt).Scan(
		&s.ID, &s.TaskID, &s.IP, &s.Channel, &s.ImagePath, &s.DetectedImagePath, &s.ChangeCount, &s.DetectedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// States returns the space states of a snapshot in insert order.
func (m SnapshotModel) States(ctx context.Context, snapshotID int64) ([]SpaceState, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT id, snapshot_id, space_id, occupied, confidence
		FROM space_states WHERE snapshot_id = $1 ORDER BY id ASC`, snapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []SpaceState
	for rows.Next() {
		var s SpaceState
		if err := rows.Scan(&s.ID, &s.SnapshotID, &s.SpaceID, &s.Occupied, &s.Confidence); err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

// List pages snapshots joined-free; the query facade joins task info
// itself where needed.
func (m SnapshotModel) List(ctx context.Context, filter SnapshotFilter, limit, offset int) ([]*Snapshot, int, error) {
	where := "WHERE 1=1"
	var args []any
	n := 1
	if filter.Date != "" {
		where += fmt.Sprintf(" AND task_id IN (SELECT id FROM tasks WHERE date = $%d)", n)
		args = append(args, filter.Date)
		n++
	}
	if filter.IP != "" {
		where += fmt.Sprintf(" AND ip = $%d", n)
		args = append(args, filter.IP)
		n++
	}
	if filter.IPPrefix != "" {
		where += fmt.Sprintf(" AND ip LIKE $%d || '%%'", n)
		args = append(args, filter.IPPrefix)
		n++
	}
	if filter.Channel != "" {
		where += fmt.Sprintf(" AND channel = $%d", n)
		args = append(args, filter.Channel)
		n++
	}

	var total int
	if err := m.DB.QueryRowContext(ctx, "SELECT count(*) FROM snapshots "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT id, task_id, ip, channel, image_path, detected_image_path, change_count, detected_at
		FROM snapshots %s
		ORDER BY detected_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, where, n, n+1)
	args = append(args, limit, offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.ID, &s.TaskID, &s.IP, &s.Channel, &s.ImagePath,
			&s.DetectedImagePath, &s.ChangeCount, &s.DetectedAt); err != nil {
			return nil, 0, err
		}
		snaps = append(snaps, &s)
	}
	return snaps, total, rows.Err()
}

type ChangeModel struct {
	DB DBTX
}

// InsertAll writes the change rows of one snapshot and bumps its
// change_count in the same statement set. Callers run this on a tx.
func (m ChangeModel) InsertAll(ctx context.Context, snapshotID int64, records []ChangeRecord, changeCount int) error {
	if _, err := m.DB.ExecContext(ctx, `DELETE FROM change_records WHERE snapshot_id = $1`, snapshotID); err != nil {
		return err
	}
	for i := range records {
		records[i].SnapshotID = snapshotID
		err := m.DB.QueryRowContext(ctx, `
			INSERT INTO change_records (snapshot_id, prev_snapshot_id, space_id, prev_occupied, curr_occupied, change_type, detection_confidence, detected_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			snapshotID, records[i].PrevSnapshotID, records[i].SpaceID,
			records[i].PrevOccupied, records[i].CurrOccupied, records[i].ChangeType,
			records[i].Confidence, records[i].DetectedAt,
		).Scan(&records[i].ID)
		if err != nil {
			return err
		}
	}
	res, err := m.DB.ExecContext(ctx,
		`UPDATE snapshots SET change_count = $1 WHERE id = $2`, changeCount, snapshotID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// BySnapshot returns the change rows of one snapshot.
func (m ChangeModel) BySnapshot(ctx context.Context, snapshotID int64) ([]ChangeRecord, error) {
	return m.query(ctx, `WHERE snapshot_id = $1 ORDER BY id ASC`, snapshotID)
}

func (m ChangeModel) query(ctx context.Context, tail string, args ...any) ([]ChangeRecord, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT id, snapshot_id, prev_snapshot_id, space_id, prev_occupied, curr_occupied, change_type, detection_confidence, detected_at
		FROM change_records `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ChangeRecord
	for rows.Next() {
		var r ChangeRecord
		if err := rows.Scan(&r.ID, &r.SnapshotID, &r.PrevSnapshotID, &r.SpaceID,
			&r.PrevOccupied, &r.CurrOccupied, &r.ChangeType, &r.Confidence, &r.DetectedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// List pages change records, newest first, joined against snapshots
// for combo filtering.
func (m ChangeModel) List(ctx context.Context, filter ChangeFilter, limit, offset int) ([]ChangeRecord, int, error) {
	where := "WHERE 1=1"
	var args []any
	n := 1

	add := func(cond string, v any) {
		where += fmt.Sprintf(" AND "+cond, n)
		args = append(args, v)
		n++
	}

	if filter.Date != "" {
		add("c.snapshot_id IN (SELECT s.id FROM snapshots s JOIN tasks t ON t.id = s.task_id WHERE t.date = $%d)", filter.Date)
	}
	if filter.IP != "" {
		add("c.snapshot_id IN (SELECT id FROM snapshots WHERE ip = $%d)", filter.IP)
	}
	if filter.Channel != "" {
		add("c.snapshot_id IN (SELECT id FROM snapshots WHERE channel = $%d)", filter.Channel)
	}
	if filter.SpaceID != "" {
		add("c.space_id = $%d", filter.SpaceID)
	}
	if filter.ChangeType != "" {
		add("c.change_type = $%d", filter.ChangeType)
	}
	if filter.RealOnly {
		where += " AND c.change_type IN ('arrive', 'leave')"
	}
	if filter.After != nil {
		add("c.detected_at >= $%d", *filter.After)
	}
	if filter.Until != nil {
		add("c.detected_at <= $%d", *filter.Until)
	}

	var total int
	if err := m.DB.QueryRowContext(ctx, "SELECT count(*) FROM change_records c "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT c.id, c.snapshot_id, c.prev_snapshot_id, c.space_id, c.prev_occupied, c.curr_occupied, c.change_type, c.detection_confidence, c.detected_at
		FROM change_records c %s
		ORDER BY c.detected_at DESC, c.id DESC
		LIMIT $%d OFFSET $%d`, where, n, n+1)
	args = append(args, limit, offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []ChangeRecord
	for rows.Next() {
		var r ChangeRecord
		if err := rows.Scan(&r.ID, &r.SnapshotID, &r.PrevSnapshotID, &r.SpaceID,
			&r.PrevOccupied, &r.CurrOccupied, &r.ChangeType, &r.Confidence, &r.DetectedAt); err != nil {
			return nil, 0, err
		}
		records = append(records, r)
	}
	return records, total, rows.Err()
}

// SpaceTimeline returns the ascending change history of one space on
// one combo. The analysis endpoints iterate this.
func (m ChangeModel) SpaceTimeline(ctx context.Context, ip, channel, spaceID string) ([]ChangeRecord, error) {
	return m.query(ctx, `
		WHERE space_id = $3 AND snapshot_id IN (SELECT id FROM snapshots WHERE ip = $1 AND channel = $2)
		ORDER BY detected_at ASC, id ASC`, ip, channel, spaceID)
}
