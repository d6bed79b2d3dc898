package query

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/technosupport/parkwatch/internal/blob"
	"github.com/technosupport/parkwatch/internal/data"
)

// Pagination bounds.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
	statCacheTTL    = 10 * time.Second
	statCacheSize   = 8192
)

// Page is the envelope of every paged read.
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// Image is one task viewed through its capture artifact. StatusLabel
// folds the task status and the on-disk reality into one value.
type Image struct {
	TaskID            int64  `json:"task_id"`
	Date              string `json:"date"`
	IP                string `json:"ip"`
	Channel           string `json:"channel"`
	StartTS           int64  `json:"start_ts"`
	EndTS             int64  `json:"end_ts"`
	StatusLabel       string `json:"status_label"` // ok | missing | failed | pending | playing
	ImagePath         string `json:"image_path,omitempty"`
	DetectedImagePath string `json:"detected_image_path,omitempty"`
	ChangeCount       int    `json:"change_count"`
}

// TaskReader is the task repository surface the facade reads.
type TaskReader interface {
	GetByID(ctx context.Context, id int64) (*data.Task, error)
	List(ctx context.Context, filter data.TaskFilter, limit, offset int) ([]*data.Task, int, error)
	ReconcileStatus(ctx context.Context) (int64, error)
	AvailableDates(ctx context.Context) ([]string, error)
	AvailableIPs(ctx context.Context) ([]string, error)
	AvailableChannels(ctx context.Context) ([]string, error)
}

// ConfigReader lists stored day plans.
type ConfigReader interface {
	List(ctx context.Context, filter data.TaskConfigFilter, limit, offset int) ([]*data.TaskConfig, int, error)
}

// SnapshotReader resolves artifacts for image listings.
type SnapshotReader interface {
	ByTaskIDs(ctx context.Context, taskIDs []int64) (map[int64]*data.Snapshot, error)
	GetByTaskID(ctx context.Context, taskID int64) (*data.Snapshot, error)
	States(ctx context.Context, snapshotID int64) ([]data.SpaceState, error)
}

// ChangeReader pages inferred changes.
type ChangeReader interface {
	List(ctx context.Context, filter data.ChangeFilter, limit, offset int) ([]data.ChangeRecord, int, error)
	BySnapshot(ctx context.Context, snapshotID int64) ([]data.ChangeRecord, error)
	SpaceTimeline(ctx context.Context, ip, channel, spaceID string) ([]data.ChangeRecord, error)
}

// Service is the read facade behind the HTTP API. All listings are
// paged; image listings verify blob existence through a short-lived
// stat cache so hot dashboards do not hammer the filesystem.
type Service struct {
	Tasks     TaskReader
	Configs   ConfigReader
	Snapshots SnapshotReader
	Changes   ChangeReader
	Blob      blob.Store

	statCache *expirable.LRU[string, bool]
}

func NewService(db *sql.DB, store blob.Store) *Service {
	return &Service{
		Tasks:     data.TaskModel{DB: db},
		Configs:   data.TaskConfigModel{DB: db},
		Snapshots: data.SnapshotModel{DB: db},
		Changes:   data.ChangeModel{DB: db},
		Blob:      store,
		statCache: expirable.NewLRU[string, bool](statCacheSize, nil, statCacheTTL),
	}
}

func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// ListTasks reconciles legacy status aliases first so callers always
// see canonical values, then pages the filtered set.
func (s *Service) ListTasks(ctx context.Context, filter data.TaskFilter, page, pageSize int) (*Page[*data.Task], error) {
	page, pageSize = clampPage(page, pageSize)
	if n, err := s.Tasks.ReconcileStatus(ctx); err != nil {
		log.Printf("[WARN] status reconcile failed: %v", err)
	} else if n > 0 {
		log.Printf("[INFO] reconciled %d legacy task status rows", n)
	}
	items, total, err := s.Tasks.List(ctx, filter, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	return &Page[*data.Task]{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

func (s *Service) GetTask(ctx context.Context, id int64) (*data.Task, error) {
	return s.Tasks.GetByID(ctx, id)
}

func (s *Service) ListTaskConfigs(ctx context.Context, filter data.TaskConfigFilter, page, pageSize int) (*Page[*data.TaskConfig], error) {
	page, pageSize = clampPage(page, pageSize)
	items, total, err := s.Configs.List(ctx, filter, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	return &Page[*data.TaskConfig]{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// ImageFilter narrows an image listing. StatusLabel and Missing are
// resolved against the blob store, so they filter after the DB read.
type ImageFilter struct {
	Task        data.TaskFilter
	StatusLabel string // ok | missing | failed | pending | playing
	Missing     *bool
}

// ValidStatusLabel reports whether s is one of the image listing labels.
func ValidStatusLabel(s string) bool {
	switch s {
	case "ok", "missing", "failed", "pending", "playing":
		return true
	}
	return false
}

// ListImages pages tasks and resolves each one's artifact state.
// When a stat-dependent filter is set, Total counts the matches on
// the returned page only; the DB cannot see the filesystem.
func (s *Service) ListImages(ctx context.Context, filter ImageFilter, page, pageSize int) (*Page[Image], error) {
	page, pageSize = clampPage(page, pageSize)

	tf := filter.Task
	switch filter.StatusLabel {
	case "ok", "missing":
		// Both labels live inside screenshot_taken; the split happens
		// against the blob store below.
		tf.StatusIn = []string{data.TaskStatusScreenshotTaken}
	case "failed", "pending", "playing":
		tf.StatusIn = []string{filter.StatusLabel}
	}

	tasks, total, err := s.Tasks.List(ctx, tf, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	snaps, err := s.Snapshots.ByTaskIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	images := make([]Image, 0, len(tasks))
	for _, t := range tasks {
		img := Image{
			TaskID: t.ID, Date: t.Date, IP: t.IP, Channel: t.Channel,
			StartTS: t.StartTS, EndTS: t.EndTS,
		}
		snap := snaps[t.ID]
		switch data.NormalizeStatus(t.Status) {
		case data.TaskStatusScreenshotTaken:
			img.StatusLabel = "missing"
			if snap != nil {
				img.ImagePath = snap.ImagePath
				img.DetectedImagePath = snap.DetectedImagePath
				img.ChangeCount = snap.ChangeCount
				if s.exists(snap.ImagePath) {
					img.StatusLabel = "ok"
				}
			}
		default:
			img.StatusLabel = data.NormalizeStatus(t.Status)
		}
		if filter.StatusLabel != "" && img.StatusLabel != filter.StatusLabel {
			continue
		}
		if filter.Missing != nil && (img.StatusLabel == "missing") != *filter.Missing {
			continue
		}
		images = append(images, img)
	}
	if filter.StatusLabel == "ok" || filter.StatusLabel == "missing" || filter.Missing != nil {
		total = len(images)
	}
	return &Page[Image]{Items: images, Total: total, Page: page, PageSize: pageSize}, nil
}

// ImageData streams one stored screenshot (raw or annotated).
func (s *Service) ImageData(ctx context.Context, taskID int64, detected bool) ([]byte, error) {
	snap, err := s.Snapshots.GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	path := snap.ImagePath
	if detected {
		path = snap.DetectedImagePath
	}
	raw, err := s.Blob.Get(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", data.ErrRecordNotFound, path)
	}
	return raw, nil
}

// SnapshotDetail is one snapshot with its states and change rows.
type SnapshotDetail struct {
	Snapshot *data.Snapshot      `json:"snapshot"`
	States   []data.SpaceState   `json:"states"`
	Changes  []data.ChangeRecord `json:"changes"`
}

func (s *Service) SnapshotByTask(ctx context.Context, taskID int64) (*SnapshotDetail, error) {
	snap, err := s.Snapshots.GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	states, err := s.Snapshots.States(ctx, snap.ID)
	if err != nil {
		return nil, err
	}
	changes, err := s.Changes.BySnapshot(ctx, snap.ID)
	if err != nil {
		return nil, err
	}
	return &SnapshotDetail{Snapshot: snap, States: states, Changes: changes}, nil
}

func (s *Service) ListChanges(ctx context.Context, filter data.ChangeFilter, page, pageSize int) (*Page[data.ChangeRecord], error) {
	page, pageSize = clampPage(page, pageSize)
	items, total, err := s.Changes.List(ctx, filter, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	return &Page[data.ChangeRecord]{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

func (s *Service) SpaceTimeline(ctx context.Context, ip, channel, spaceID string) ([]data.ChangeRecord, error) {
	return s.Changes.SpaceTimeline(ctx, ip, channel, spaceID)
}

// Available* feed the filter dropdowns.
func (s *Service) AvailableDates(ctx context.Context) ([]string, error) {
	return s.Tasks.AvailableDates(ctx)
}

func (s *Service) AvailableIPs(ctx context.Context) ([]string, error) {
	return s.Tasks.AvailableIPs(ctx)
}

func (s *Service) AvailableChannels(ctx context.Context) ([]string, error) {
	return s.Tasks.AvailableChannels(ctx)
}

// exists consults the blob store through a TTL cache. A hit may be up
// to ten seconds stale, which the image listing tolerates.
func (s *Service) exists(path string) bool {
	if s.statCache != nil {
		if v, ok := s.statCache.Get(path); ok {
			return v
		}
	}
	ok, err := s.Blob.Stat(path)
	if err != nil {
		return false
	}
	if s.statCache != nil {
		s.statCache.Add(path, ok)
	}
	return ok
}
