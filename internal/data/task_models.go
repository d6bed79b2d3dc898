package data

import "time"

// Task status wire values. "completed" is accepted as an alias of
// screenshot_taken and normalized on write.
const (
	TaskStatusPending         = "pending"
	TaskStatusPlaying         = "playing"
	TaskStatusScreenshotTaken = "screenshot_taken"
	TaskStatusCompleted       = "completed"
	TaskStatusFailed          = "failed"
)

// NormalizeStatus maps the completed alias onto its canonical value.
func NormalizeStatus(s string) string {
	if s == TaskStatusCompleted {
		return TaskStatusScreenshotTaken
	}
	return s
}

// TaskConfig is a per-day, per-camera capture plan. Unique on
// (date, rtsp_base, channel, interval_minutes); the executor never
// rewrites it, only status aggregates change.
type TaskConfig struct {
	ID              int64     `json:"id"`
	Date            string    `json:"date"`
	RTSPBase        string    `json:"rtsp_base"`
	IP              string    `json:"ip"`
	Channel         string    `json:"channel"`
	IntervalMinutes int       `json:"interval_minutes"`
	DayStartTS      int64     `json:"day_start_ts"`
	DayEndTS        int64     `json:"day_end_ts"`
	TaskCount       int       `json:"task_count"`
	OperationTime   time.Time `json:"operation_time"`
}

// Task is one capture window. Unique on (date, index, rtsp_url).
type Task struct {
	ID             int64     `json:"id"`
	Date           string    `json:"date"`
	Index          int       `json:"index"`
	StartTS        int64     `json:"start_ts"`
	EndTS          int64     `json:"end_ts"`
	RTSPURL        string    `json:"rtsp_url"`
	IP             string    `json:"ip"`
	Channel        string    `json:"channel"`
	Status         string    `json:"status"`
	ScreenshotPath *string   `json:"screenshot_path,omitempty"`
	Error          *string   `json:"error,omitempty"`
	OperationTime  time.Time `json:"operation_time"`
}

// Duration returns the capture window length.
func (t *Task) Duration() time.Duration {
	return time.Duration(t.EndTS-t.StartTS) * time.Second
}

// TaskFilter narrows paged task reads. Zero values mean "no filter".
type TaskFilter struct {
	Date        string
	TaskID      *int64
	IP          string
	IPPrefix    string
	Channel     string
	StatusIn    []string
	RTSPLike    string
	StartTSGte  *int64
	StartTSLte  *int64
	EndTSGte    *int64
	EndTSLte    *int64
	OpTimeAfter *time.Time
	OpTimeUntil *time.Time
}

// TaskConfigFilter narrows task-config reads.
type TaskConfigFilter struct {
	Date    string
	IP      string
	Channel string
}
