package query

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/parkwatch/internal/data"
)

type deleteBlob struct {
	statBlob
	deleted []string
}

func (b *deleteBlob) Delete(rel string) error {
	b.deleted = append(b.deleted, rel)
	return nil
}

func TestAdminDeleteRemovesBlobs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := &deleteBlob{}
	admin := &Admin{
		Tasks: data.TaskModel{DB: db},
		Snapshots: &fakeSnapReader{byTask: map[int64]*data.Snapshot{
			5: {ID: 1, TaskID: 5, ImagePath: "d/a.jpg", DetectedImagePath: "d/a_detected.jpg"},
		}},
		Blob: store,
	}

	mock.ExpectExec("DELETE FROM tasks WHERE id").
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, admin.Delete(context.Background(), 5))
	assert.ElementsMatch(t, []string{"d/a.jpg", "d/a_detected.jpg"}, store.deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdminDeleteWithoutSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := &deleteBlob{}
	admin := &Admin{
		Tasks:     data.TaskModel{DB: db},
		Snapshots: &fakeSnapReader{byTask: map[int64]*data.Snapshot{}},
		Blob:      store,
	}

	mock.ExpectExec("DELETE FROM tasks WHERE id").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, admin.Delete(context.Background(), 5))
	assert.Empty(t, store.deleted)
}
