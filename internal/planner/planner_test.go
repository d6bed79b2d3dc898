package planner

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/parkwatch/internal/clock"
	"github.com/technosupport/parkwatch/internal/data"
)

func newPlanner(t *testing.T) (*Planner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Planner{
		Tasks:   data.TaskModel{DB: db},
		Configs: data.TaskConfigModel{DB: db},
		Clock:   clock.MustNew("Asia/Shanghai"),
	}, mock
}

func expectInsertTask(mock sqlmock.Sqlmock, created bool, id int64) {
	q := mock.ExpectQuery("INSERT INTO tasks")
	if created {
		q.WillReturnRows(sqlmock.NewRows([]string{"id", "operation_time"}).AddRow(id, time.Now()))
	} else {
		q.WillReturnError(sql.ErrNoRows)
	}
}

func expectUpsertConfig(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("INSERT INTO task_configs").
		WillReturnRows(sqlmock.NewRows([]string{"id", "operation_time"}).AddRow(1, time.Now()))
}

func TestPlanTenMinuteIntervalYields144Windows(t *testing.T) {
	p, mock := newPlanner(t)
	for i := 0; i < 144; i++ {
		expectInsertTask(mock, true, int64(i+1))
	}
	expectUpsertConfig(mock)

	res, err := p.Plan(context.Background(), "2026-08-25", "rtsp://admin:pw@10.0.0.4:554", "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, 144, res.Total)
	assert.Equal(t, 144, res.Created)
	assert.Equal(t, 0, res.Existing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanWindowBoundaries(t *testing.T) {
	p, mock := newPlanner(t)
	ck := clock.MustNew("Asia/Shanghai")
	dayStart, dayEnd, err := ck.DayBounds("2026-08-25")
	require.NoError(t, err)

	// Two-hour interval gives 12 windows; pin the first and last URLs.
	firstURL := fmt.Sprintf("rtsp://admin:pw@10.0.0.4:554/c1/b%d/e%d/replay/s1", dayStart, dayStart+7199)
	lastURL := fmt.Sprintf("rtsp://admin:pw@10.0.0.4:554/c1/b%d/e%d/replay/s1", dayEnd-7199, dayEnd)

	for i := 0; i < 12; i++ {
		q := mock.ExpectQuery("INSERT INTO tasks")
		switch i {
		case 0:
			q.WithArgs("2026-08-25", 0, dayStart, dayStart+7199, firstURL, "10.0.0.4", "c1", data.TaskStatusPending)
		case 11:
			q.WithArgs("2026-08-25", 11, dayEnd-7199, dayEnd, lastURL, "10.0.0.4", "c1", data.TaskStatusPending)
		}
		q.WillReturnRows(sqlmock.NewRows([]string{"id", "operation_time"}).AddRow(int64(i+1), time.Now()))
	}
	expectUpsertConfig(mock)

	res, err := p.Plan(context.Background(), "2026-08-25", "rtsp://admin:pw@10.0.0.4:554", "c1", 120)
	require.NoError(t, err)
	assert.Equal(t, 12, res.Total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanIsIdempotent(t *testing.T) {
	p, mock := newPlanner(t)
	// Every insert hits the unique key; rows stay untouched.
	for i := 0; i < 12; i++ {
		expectInsertTask(mock, false, 0)
	}
	expectUpsertConfig(mock)

	res, err := p.Plan(context.Background(), "2026-08-25", "rtsp://admin:pw@10.0.0.4:554", "c1", 120)
	require.NoError(t, err)
	assert.Equal(t, 12, res.Total)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 12, res.Existing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRejectsInvalidInput(t *testing.T) {
	p, mock := newPlanner(t)

	cases := []struct {
		name     string
		base     string
		channel  string
		interval int
		date     string
	}{
		{"bad base", "http://10.0.0.4", "c1", 10, "2026-08-25"},
		{"bad channel", "rtsp://admin:pw@10.0.0.4", "cam1", 10, "2026-08-25"},
		{"interval too small", "rtsp://admin:pw@10.0.0.4", "c1", 0, "2026-08-25"},
		{"interval too large", "rtsp://admin:pw@10.0.0.4", "c1", 1441, "2026-08-25"},
		{"bad date", "rtsp://admin:pw@10.0.0.4", "c1", 10, "25.08.2026"},
	}
	for _, tc := range cases {
		_, err := p.Plan(context.Background(), tc.date, tc.base, tc.channel, tc.interval)
		assert.ErrorIs(t, err, ErrInvalidInput, tc.name)
	}
	// Rejections never touch the database.
	assert.NoError(t, mock.ExpectationsWereMet())
}

type failingProber struct{}

func (failingProber) Probe(ctx context.Context, rtspURL string) error {
	return fmt.Errorf("connection refused")
}

func TestPlanContinuesWhenProbeFails(t *testing.T) {
	p, mock := newPlanner(t)
	p.Prober = failingProber{}
	for i := 0; i < 12; i++ {
		expectInsertTask(mock, true, int64(i+1))
	}
	expectUpsertConfig(mock)

	res, err := p.Plan(context.Background(), "2026-08-25", "rtsp://admin:pw@10.0.0.4:554", "c1", 120)
	require.NoError(t, err)
	assert.Equal(t, 12, res.Created)
}
