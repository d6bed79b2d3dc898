package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTaskModel(t *testing.T) (TaskModel, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return TaskModel{DB: db}, mock
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, TaskStatusScreenshotTaken, NormalizeStatus(TaskStatusCompleted))
	assert.Equal(t, TaskStatusPending, NormalizeStatus(TaskStatusPending))
	assert.Equal(t, TaskStatusFailed, NormalizeStatus(TaskStatusFailed))
}

func TestInsertIgnoreCreated(t *testing.T) {
	m, mock := newTaskModel(t)
	mock.ExpectQuery("INSERT INTO tasks").
		WithArgs("2026-08-25", 0, int64(1000), int64(1599),
			"rtsp://admin:pw@10.0.0.4/c1/b1000/e1599/replay/s1", "10.0.0.4", "c1", TaskStatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id", "operation_time"}).AddRow(7, time.Now()))

	task := &Task{
		Date: "2026-08-25", Index: 0, StartTS: 1000, EndTS: 1599,
		RTSPURL: "rtsp://admin:pw@10.0.0.4/c1/b1000/e1599/replay/s1",
		IP:      "10.0.0.4", Channel: "c1",
	}
	created, err := m.InsertIgnore(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(7), task.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIgnoreConflictKeepsRow(t *testing.T) {
	m, mock := newTaskModel(t)
	mock.ExpectQuery("INSERT INTO tasks").WillReturnError(sql.ErrNoRows)

	created, err := m.InsertIgnore(context.Background(), &Task{Date: "2026-08-25"})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestClaimPlaying(t *testing.T) {
	m, mock := newTaskModel(t)
	mock.ExpectExec("UPDATE tasks SET status").
		WithArgs(TaskStatusPlaying, int64(5), TaskStatusPending, TaskStatusFailed, TaskStatusScreenshotTaken).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := m.ClaimPlaying(context.Background(), 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPlayingContested(t *testing.T) {
	m, mock := newTaskModel(t)
	mock.ExpectExec("UPDATE tasks SET status").WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := m.ClaimPlaying(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkFailedRequiresPlayingRow(t *testing.T) {
	m, mock := newTaskModel(t)
	mock.ExpectExec("UPDATE tasks SET status").
		WithArgs(TaskStatusFailed, "rtsp timeout", int64(5), TaskStatusPlaying).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := m.MarkFailed(context.Background(), 5, "rtsp timeout")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestMarkScreenshotTaken(t *testing.T) {
	m, mock := newTaskModel(t)
	mock.ExpectExec("UPDATE tasks SET status").
		WithArgs(TaskStatusScreenshotTaken, "2026-08-25/shot.jpg", int64(5), TaskStatusPlaying).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, m.MarkScreenshotTaken(context.Background(), 5, "2026-08-25/shot.jpg"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetToPendingScopesByCombo(t *testing.T) {
	m, mock := newTaskModel(t)
	mock.ExpectQuery("UPDATE tasks SET status = 'pending'").
		WithArgs(TaskStatusPlaying, "2026-08-25", "10.0.0.4", "c1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3).AddRow(4))

	ids, err := m.ResetToPending(context.Background(), "2026-08-25", "10.0.0.4", "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, ids)
}

func TestResetToPendingSingleTask(t *testing.T) {
	m, mock := newTaskModel(t)
	taskID := int64(9)
	mock.ExpectQuery("UPDATE tasks SET status = 'pending'").
		WithArgs(TaskStatusPlaying, taskID, "2026-08-25").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))

	ids, err := m.ResetToPending(context.Background(), "2026-08-25", "", "", &taskID)
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, ids)
}

func TestReconcileStatus(t *testing.T) {
	m, mock := newTaskModel(t)
	mock.ExpectExec("UPDATE tasks SET status").
		WithArgs(TaskStatusScreenshotTaken, TaskStatusPending, TaskStatusPlaying).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := m.ReconcileStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestTaskConfigUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	m := TaskConfigModel{DB: db}

	mock.ExpectQuery("INSERT INTO task_configs").
		WithArgs("2026-08-25", "rtsp://admin:pw@10.0.0.4", "10.0.0.4", "c1", 10,
			int64(1000), int64(87399), 144).
		WillReturnRows(sqlmock.NewRows([]string{"id", "operation_time"}).AddRow(2, time.Now()))

	cfg := &TaskConfig{
		Date: "2026-08-25", RTSPBase: "rtsp://admin:pw@10.0.0.4", IP: "10.0.0.4",
		Channel: "c1", IntervalMinutes: 10, DayStartTS: 1000, DayEndTS: 87399, TaskCount: 144,
	}
	require.NoError(t, m.Upsert(context.Background(), cfg))
	assert.Equal(t, int64(2), cfg.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
