package data

import "time"

// Change type wire values. A null change_type means "no change".
const (
	ChangeArrive  = "arrive"
	ChangeLeave   = "leave"
	ChangeUnknown = "unknown"
)

// Snapshot is the successful artifact of one task: image on disk plus
// detector outputs. At most one per task.
type Snapshot struct {
	ID                int64     `json:"id"`
	TaskID            int64     `json:"task_id"`
	IP                string    `json:"ip"`
	Channel           string    `json:"channel"`
	ImagePath         string    `json:"image_path"`
	DetectedImagePath string    `json:"detected_image_path"`
	ChangeCount       int       `json:"change_count"`
	DetectedAt        time.Time `json:"detected_at"`
}

// SpaceState is one space's detector output within one snapshot.
// Occupied is tri-state; nil means the detector could not decide.
type SpaceState struct {
	ID         int64    `json:"id"`
	SnapshotID int64    `json:"snapshot_id"`
	SpaceID    string   `json:"space_id"`
	Occupied   *bool    `json:"occupied"`
	Confidence *float64 `json:"confidence"`
}

// ChangeRecord is one inferred transition between two consecutive
// snapshots of the same camera.
type ChangeRecord struct {
	ID             int64     `json:"id"`
	SnapshotID     int64     `json:"snapshot_id"`
	PrevSnapshotID *int64    `json:"prev_snapshot_id"`
	SpaceID        string    `json:"space_id"`
	PrevOccupied   *bool     `json:"prev_occupied"`
	CurrOccupied   *bool     `json:"curr_occupied"`
	ChangeType     *string   `json:"change_type"`
	Confidence     *float64  `json:"detection_confidence"`
	DetectedAt     time.Time `json:"detected_at"`
}

// ChangeFilter narrows change reads.
type ChangeFilter struct {
	Date       string
	IP         string
	Channel    string
	SpaceID    string
	ChangeType string
	// RealOnly keeps only arrive/leave rows.
	RealOnly bool
	After    *time.Time
	Until    *time.Time
}

// SnapshotFilter narrows image reads.
type SnapshotFilter struct {
	Date     string
	IP       string
	IPPrefix string
	Channel  string
}
