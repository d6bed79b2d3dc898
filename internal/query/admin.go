package query

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/technosupport/parkwatch/internal/blob"
	"github.com/technosupport/parkwatch/internal/data"
)

// Admin owns the destructive task operations. Database rows cascade;
// blob files are removed best-effort so a cold NFS mount never blocks
// a delete.
type Admin struct {
	Tasks     data.TaskModel
	Snapshots SnapshotReader
	Blob      blob.Store
}

func NewAdmin(db *sql.DB, store blob.Store) *Admin {
	return &Admin{
		Tasks:     data.TaskModel{DB: db},
		Snapshots: data.SnapshotModel{DB: db},
		Blob:      store,
	}
}

// Delete removes one task with its snapshot rows and stored images.
func (a *Admin) Delete(ctx context.Context, id int64) error {
	snap, err := a.Snapshots.GetByTaskID(ctx, id)
	if err != nil && !errors.Is(err, data.ErrRecordNotFound) {
		return err
	}
	if err := a.Tasks.Delete(ctx, id); err != nil {
		return err
	}
	if snap != nil {
		a.removeBlobs(snap)
	}
	return nil
}

// DeleteByCombo removes a whole day's tasks for one camera stream.
func (a *Admin) DeleteByCombo(ctx context.Context, date, ip, channel string) (int64, error) {
	tasks, _, err := a.Tasks.List(ctx, data.TaskFilter{Date: date, IP: ip, Channel: channel}, 100000, 0)
	if err != nil {
		return 0, err
	}
	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	snaps, err := a.Snapshots.ByTaskIDs(ctx, ids)
	if err != nil {
		return 0, err
	}

	n, err := a.Tasks.DeleteByCombo(ctx, date, ip, channel)
	if err != nil {
		return 0, err
	}
	for _, snap := range snaps {
		a.removeBlobs(snap)
	}
	return n, nil
}

func (a *Admin) removeBlobs(snap *data.Snapshot) {
	for _, path := range []string{snap.ImagePath, snap.DetectedImagePath} {
		if path == "" {
			continue
		}
		if err := a.Blob.Delete(path); err != nil {
			log.Printf("[WARN] delete blob %s: %v", path, err)
		}
	}
}
