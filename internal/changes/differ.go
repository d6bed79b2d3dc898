package changes

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/technosupport/parkwatch/internal/data"
	"github.com/technosupport/parkwatch/internal/metrics"
)

// SnapshotSource is the slice of the snapshot repository the differ
// reads from.
type SnapshotSource interface {
	GetByID(ctx context.Context, id int64) (*data.Snapshot, error)
	Previous(ctx context.Context, cur *data.Snapshot) (*data.Snapshot, error)
	States(ctx context.Context, snapshotID int64) ([]data.SpaceState, error)
}

// RecordSink persists one snapshot's change set atomically, replacing
// any rows from an earlier run of the same snapshot.
type RecordSink interface {
	Replace(ctx context.Context, snapshotID int64, records []data.ChangeRecord, changeCount int) error
}

// sqlRecordSink wraps ChangeModel.InsertAll in one transaction.
type sqlRecordSink struct {
	db *sql.DB
}

func (s sqlRecordSink) Replace(ctx context.Context, snapshotID int64, records []data.ChangeRecord, changeCount int) error {
	return data.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return data.ChangeModel{DB: tx}.InsertAll(ctx, snapshotID, records, changeCount)
	})
}

// Differ infers per-space occupancy transitions between one snapshot
// and its predecessor on the same camera stream.
type Differ struct {
	Snapshots SnapshotSource
	Sink      RecordSink
	Publisher EventPublisher // optional
}

func NewDiffer(db *sql.DB, pub EventPublisher) *Differ {
	return &Differ{
		Snapshots: data.SnapshotModel{DB: db},
		Sink:      sqlRecordSink{db: db},
		Publisher: pub,
	}
}

// Run diffs one snapshot. Re-running is safe: the previous change set
// of the snapshot is replaced wholesale.
func (d *Differ) Run(ctx context.Context, snapshotID int64) error {
	snap, err := d.Snapshots.GetByID(ctx, snapshotID)
	if err != nil {
		return fmt.Errorf("load snapshot %d: %w", snapshotID, err)
	}
	curr, err := d.Snapshots.States(ctx, snapshotID)
	if err != nil {
		return fmt.Errorf("load states: %w", err)
	}

	prev, err := d.Snapshots.Previous(ctx, snap)
	if err != nil && err != data.ErrRecordNotFound {
		return fmt.Errorf("load previous snapshot: %w", err)
	}

	var prevStates map[string]data.SpaceState
	var prevID *int64
	if prev != nil {
		prevID = &prev.ID
		rows, err := d.Snapshots.States(ctx, prev.ID)
		if err != nil {
			return fmt.Errorf("load previous states: %w", err)
		}
		prevStates = make(map[string]data.SpaceState, len(rows))
		for _, s := range rows {
			prevStates[s.SpaceID] = s
		}
	}

	records := make([]data.ChangeRecord, 0, len(curr))
	changeCount := 0
	for _, cs := range curr {
		rec := data.ChangeRecord{
			SnapshotID:     snapshotID,
			PrevSnapshotID: prevID,
			SpaceID:        cs.SpaceID,
			CurrOccupied:   cs.Occupied,
			Confidence:     cs.Confidence,
			DetectedAt:     snap.DetectedAt,
		}
		if prev != nil {
			if ps, ok := prevStates[cs.SpaceID]; ok {
				rec.PrevOccupied = ps.Occupied
			}
			rec.ChangeType = classify(rec.PrevOccupied, cs.Occupied)
		}
		// First snapshot on a stream: every change_type stays null.
		if rec.ChangeType != nil {
			changeCount++
			metrics.RecordChange(*rec.ChangeType)
		}
		records = append(records, rec)
	}

	if err := d.Sink.Replace(ctx, snapshotID, records, changeCount); err != nil {
		return fmt.Errorf("persist changes: %w", err)
	}

	if d.Publisher != nil && changeCount > 0 {
		d.Publisher.PublishChanges(snap, records)
	}
	return nil
}

// classify maps one (prev, curr) pair to its transition. Identical
// values, nil pair included, mean no change.
func classify(prev, curr *bool) *string {
	if prev == nil && curr == nil {
		return nil
	}
	if prev != nil && curr != nil {
		if *prev == *curr {
			return nil
		}
		if !*prev && *curr {
			return strPtr(data.ChangeArrive)
		}
		return strPtr(data.ChangeLeave)
	}
	// One side undecided: something may have happened, the detector
	// cannot say what.
	return strPtr(data.ChangeUnknown)
}

func strPtr(s string) *string { return &s }
