package data

import (
	"context"
	"database/sql"
	"time"
)

// Rule execution status values.
const (
	RuleExecNone    = "none"
	RuleExecRunning = "running"
	RuleExecSuccess = "success"
	RuleExecFailed  = "failed"
)

// AutoRule is a recurring or one-shot scheduling rule. Either
// use_today is set or custom_date carries a fixed day.
type AutoRule struct {
	ID                  int64      `json:"id"`
	Name                string     `json:"name"`
	UseToday            bool       `json:"use_today"`
	CustomDate          *string    `json:"custom_date,omitempty"`
	BaseRTSP            string     `json:"base_rtsp"`
	Channel             string     `json:"channel"`
	IntervalMinutes     int        `json:"interval_minutes"`
	TriggerTime         string     `json:"trigger_time"` // HH:MM wall time
	IsEnabled           bool       `json:"is_enabled"`
	ExecutionCount      int        `json:"execution_count"`
	LastExecutedAt      *time.Time `json:"last_executed_at,omitempty"`
	LastExecutionStatus string     `json:"last_execution_status"`
	LastExecutionError  *string    `json:"last_execution_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

type RuleModel struct {
	DB DBTX
}

func (m RuleModel) Create(ctx context.Context, r *AutoRule) error {
	query := `
		INSERT INTO auto_rules (name, use_today, custom_date, base_rtsp, channel, interval_minutes, trigger_time, is_enabled, last_execution_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`
	return m.DB.QueryRowContext(ctx, query,
		r.Name, r.UseToday, r.CustomDate, r.BaseRTSP, r.Channel,
		r.IntervalMinutes, r.TriggerTime, r.IsEnabled, RuleExecNone,
	).Scan(&r.ID, &r.CreatedAt)
}

func (m RuleModel) GetByID(ctx context.Context, id int64) (*AutoRule, error) {
	var r AutoRule
	err := m.DB.QueryRowContext(ctx, `
		SELECT id, name, use_today, custom_date, base_rtsp, channel, interval_minutes, trigger_time,
		       is_enabled, execution_count, last_executed_at, last_execution_status, last_execution_error, created_at
		FROM auto_rules WHERE id = $1`, id).Scan(
		&r.ID, &r.Name, &r.UseToday, &r.CustomDate, &r.BaseRTSP, &r.Channel, &r.IntervalMinutes,
		&r.TriggerTime, &r.IsEnabled, &r.ExecutionCount, &r.LastExecutedAt,
		&r.LastExecutionStatus, &r.LastExecutionError, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (m RuleModel) list(ctx context.Context, where string, args ...any) ([]*AutoRule, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT id, name, use_today, custom_date, base_rtsp, channel, interval_minutes, trigger_time,
		       is_enabled, execution_count, last_executed_at, last_execution_status, last_execution_error, created_at
		FROM auto_rules `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*AutoRule
	for rows.Next() {
		var r AutoRule
		if err := rows.Scan(&r.ID, &r.Name, &r.UseToday, &r.CustomDate, &r.BaseRTSP, &r.Channel,
			&r.IntervalMinutes, &r.TriggerTime, &r.IsEnabled, &r.ExecutionCount,
			&r.LastExecutedAt, &r.LastExecutionStatus, &r.LastExecutionError, &r.CreatedAt); err != nil {
			return nil, err
		}
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

func (m RuleModel) ListAll(ctx context.Context) ([]*AutoRule, error) {
	return m.list(ctx, "")
}

func (m RuleModel) ListEnabled(ctx context.Context) ([]*AutoRule, error) {
	return m.list(ctx, "WHERE is_enabled")
}

// SetEnabled flips the rule on or off.
func (m RuleModel) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := m.DB.ExecContext(ctx, `UPDATE auto_rules SET is_enabled = $1 WHERE id = $2`, enabled, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m RuleModel) Delete(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM auto_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// MarkRunning stamps the trigger moment and bumps execution_count.
// The stamp is what the duplicate-fire check compares against.
func (m RuleModel) MarkRunning(ctx context.Context, id int64, firedAt time.Time) error {
	_, err := m.DB.ExecContext(ctx, `
		UPDATE auto_rules
		SET last_executed_at = $1, last_execution_status = $2, last_execution_error = NULL,
		    execution_count = execution_count + 1
		WHERE id = $3`, firedAt, RuleExecRunning, id)
	return err
}

// MarkOutcome records the final status of one rule firing.
func (m RuleModel) MarkOutcome(ctx context.Context, id int64, status string, execErr error) error {
	var msg *string
	if execErr != nil {
		s := execErr.Error()
		msg = &s
	}
	_, err := m.DB.ExecContext(ctx, `
		UPDATE auto_rules SET last_execution_status = $1, last_execution_error = $2 WHERE id = $3`,
		status, msg, id)
	return err
}
