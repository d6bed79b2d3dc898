package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/technosupport/parkwatch/internal/blob"
	"github.com/technosupport/parkwatch/internal/capture"
	"github.com/technosupport/parkwatch/internal/clock"
	"github.com/technosupport/parkwatch/internal/data"
	"github.com/technosupport/parkwatch/internal/detect"
	"github.com/technosupport/parkwatch/internal/metrics"
)

// ErrDraining is returned by Submit once shutdown has begun.
var ErrDraining = errors.New("engine draining")

// ChangeQueue receives the snapshot id of every successful capture so
// occupancy diffing can run out of band.
type ChangeQueue interface {
	Enqueue(snapshotID int64)
}

// Defaults for the two concurrency layers and the retry policy.
const (
	DefaultGlobalLimit    = 4
	DefaultPerComboLimit  = 2
	DefaultRetryCount     = 2
	DefaultRetryBackoff   = 2 * time.Second
	DefaultDeadlineFactor = 2
	DefaultMinDeadline    = 30 * time.Second
	DefaultDrainTimeout   = 15 * time.Second
	sweepInterval         = 60 * time.Second
)

// Config bundles the engine knobs so main can build one from the
// environment.
type Config struct {
	GlobalLimit    int
	PerComboLimit  int
	RetryCount     int
	RetryBackoff   time.Duration
	DeadlineFactor int
	MinDeadline    time.Duration
	DrainTimeout   time.Duration
}

func (c *Config) fill() {
	if c.GlobalLimit <= 0 {
		c.GlobalLimit = DefaultGlobalLimit
	}
	if c.PerComboLimit <= 0 {
		c.PerComboLimit = DefaultPerComboLimit
	}
	if c.RetryCount < 0 {
		c.RetryCount = DefaultRetryCount
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.DeadlineFactor <= 0 {
		c.DeadlineFactor = DefaultDeadlineFactor
	}
	if c.MinDeadline <= 0 {
		c.MinDeadline = DefaultMinDeadline
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
}

// TaskStore is the slice of the task repository the engine needs.
type TaskStore interface {
	GetByID(ctx context.Context, id int64) (*data.Task, error)
	ClaimPlaying(ctx context.Context, id int64) (bool, error)
	MarkFailed(ctx context.Context, id int64, reason string) error
	SweepStalePlaying(ctx context.Context, now time.Time) (int64, error)
}

// SpaceSource resolves the configured parking spaces of one combo.
type SpaceSource interface {
	SpacesForCombo(ctx context.Context, cameraIP, channelCode string) ([]data.ParkingSpace, error)
}

// SnapshotWriter persists a successful capture atomically: snapshot
// row, per-space states, and the task status flip move together.
type SnapshotWriter interface {
	Persist(ctx context.Context, snap *data.Snapshot, states []data.SpaceState, shotPath string) error
}

// sqlSnapshotWriter is the production SnapshotWriter on one postgres
// transaction.
type sqlSnapshotWriter struct {
	db *sql.DB
}

func (w sqlSnapshotWriter) Persist(ctx context.Context, snap *data.Snapshot, states []data.SpaceState, shotPath string) error {
	return data.WithTx(ctx, w.db, func(tx *sql.Tx) error {
		snaps := data.SnapshotModel{DB: tx}
		if err := snaps.Create(ctx, snap); err != nil {
			return fmt.Errorf("create snapshot: %w", err)
		}
		if err := snaps.CreateSpaceStates(ctx, snap.ID, states); err != nil {
			return fmt.Errorf("create space states: %w", err)
		}
		return data.TaskModel{DB: tx}.MarkScreenshotTaken(ctx, snap.TaskID, shotPath)
	})
}

// Engine runs capture pipelines under two nested concurrency caps: a
// global weighted semaphore across all cameras plus a counted permit
// set per (ip, channel) combo. Submissions queue rather than drop.
type Engine struct {
	cfg Config

	Tasks    TaskStore
	Sites    SpaceSource
	Writer   SnapshotWriter
	Blob     blob.Store
	Grabber  capture.Grabber
	Detector detect.Detector
	Changes  ChangeQueue // optional
	Clock    *clock.Clock

	global *semaphore.Weighted

	comboMu sync.Mutex
	combos  map[string]chan struct{}

	wg      sync.WaitGroup
	quit    chan struct{}
	rootCtx context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

func New(cfg Config, db *sql.DB, store blob.Store, grabber capture.Grabber, detector detect.Detector, ck *clock.Clock) *Engine {
	cfg.fill()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		Tasks:    data.TaskModel{DB: db},
		Sites:    data.SiteModel{DB: db},
		Writer:   sqlSnapshotWriter{db: db},
		Blob:     store,
		Grabber:  grabber,
		Detector: detector,
		Clock:    ck,
		global:   semaphore.NewWeighted(int64(cfg.GlobalLimit)),
		combos:   make(map[string]chan struct{}),
		quit:     make(chan struct{}),
		rootCtx:  ctx,
		cancel:   cancel,
	}
}

// ComboKey names one camera stream for permit accounting and metrics.
func ComboKey(ip, channel string) string { return ip + ":" + channel }

// Start launches the stale-playing sweeper. Submit works without
// Start; the sweeper only covers rows orphaned by crashes.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.quit:
				return
			case <-ticker.C:
				n, err := e.Tasks.SweepStalePlaying(e.rootCtx, e.Clock.Now())
				if err != nil {
					log.Printf("[ERROR] stale playing sweep: %v", err)
				} else if n > 0 {
					log.Printf("[WARN] swept %d stale playing tasks back to failed", n)
				}
			}
		}
	}()
}

// Stop drains cooperatively: no new submissions, in-flight pipelines
// get DrainTimeout to finish, then their contexts are cancelled.
func (e *Engine) Stop() {
	e.once.Do(func() {
		close(e.quit)
		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(e.cfg.DrainTimeout):
			log.Printf("[WARN] drain timeout after %s, aborting in-flight captures", e.cfg.DrainTimeout)
			e.cancel()
			<-done
		}
		e.cancel()
	})
}

// Submit queues one task for execution and returns immediately. The
// pipeline claims the row itself; a task already claimed elsewhere is
// skipped silently.
func (e *Engine) Submit(taskID int64) error {
	select {
	case <-e.quit:
		return ErrDraining
	default:
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(taskID)
	}()
	return nil
}

// SubmitMany queues a batch, stopping at the first drain rejection.
func (e *Engine) SubmitMany(ids []int64) (int, error) {
	for i, id := range ids {
		if err := e.Submit(id); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

func (e *Engine) comboSlot(key string) chan struct{} {
	e.comboMu.Lock()
	defer e.comboMu.Unlock()
	slot, ok := e.combos[key]
	if !ok {
		slot = make(chan struct{}, e.cfg.PerComboLimit)
		e.combos[key] = slot
	}
	return slot
}

func (e *Engine) run(taskID int64) {
	task, err := e.Tasks.GetByID(e.rootCtx, taskID)
	if err != nil {
		if !errors.Is(err, data.ErrRecordNotFound) {
			log.Printf("[ERROR] load task %d: %v", taskID, err)
		}
		return
	}
	key := ComboKey(task.IP, task.Channel)

	// Layer 1: global cap across all cameras.
	if err := e.global.Acquire(e.rootCtx, 1); err != nil {
		return
	}
	defer e.global.Release(1)

	// Layer 2: per-combo cap so one NVR never sees more than
	// PerComboLimit concurrent replay sessions.
	slot := e.comboSlot(key)
	select {
	case slot <- struct{}{}:
	case <-e.rootCtx.Done():
		return
	}
	defer func() { <-slot }()

	claimed, err := e.Tasks.ClaimPlaying(e.rootCtx, taskID)
	if err != nil {
		log.Printf("[ERROR] claim task %d: %v", taskID, err)
		return
	}
	if !claimed {
		log.Printf("[INFO] task %d not claimable, skipping", taskID)
		return
	}

	metrics.PlayingGauge.Inc()
	metrics.ComboPlayingGauge.WithLabelValues(key).Inc()
	started := time.Now()
	outcome := e.pipeline(task)
	metrics.RecordCapture(outcome, time.Since(started).Seconds())
	metrics.PlayingGauge.Dec()
	metrics.ComboPlayingGauge.WithLabelValues(key).Dec()
}

// pipeline executes one claimed task end to end and returns the
// metrics outcome label.
func (e *Engine) pipeline(task *data.Task) string {
	window := windowFor(task)
	ctx, cancel := context.WithTimeout(e.rootCtx, e.deadlineFor(task))
	defer cancel()

	frame, err := e.grabWithRetry(ctx, task.RTSPURL, window)
	if err != nil {
		// The wall deadline trumps the error taxonomy: a task that ran
		// out of budget is recorded as such, whatever tripped first.
		if ctx.Err() == context.DeadlineExceeded {
			e.fail(task.ID, "deadline")
			return "deadline"
		}
		outcome := failureOutcome(err)
		e.fail(task.ID, fmt.Sprintf("%s: %v", outcome, trimErr(err)))
		return outcome
	}

	shotPath := blob.ScreenshotPath(task.Date, task.IP, task.StartTS, task.EndTS, task.Channel)
	detectedPath := blob.DetectedPath(shotPath)

	if err := e.Blob.Put(shotPath, frame.JPEG); err != nil {
		e.fail(task.ID, fmt.Sprintf("storage: %v", err))
		return "storage"
	}

	spaces, err := e.spacesFor(ctx, task.IP, task.Channel)
	if err != nil {
		e.fail(task.ID, fmt.Sprintf("detector: load spaces: %v", err))
		return "detector"
	}

	obs, err := e.Detector.Detect(ctx, frame, spaces)
	if err != nil {
		e.fail(task.ID, fmt.Sprintf("detector: %v", err))
		return "detector"
	}
	annotated, err := e.Detector.Annotate(frame, spaces, obs)
	if err != nil {
		e.fail(task.ID, fmt.Sprintf("detector: annotate: %v", err))
		return "detector"
	}
	if err := e.Blob.Put(detectedPath, annotated); err != nil {
		e.fail(task.ID, fmt.Sprintf("storage: %v", err))
		return "storage"
	}

	snap := &data.Snapshot{
		TaskID:            task.ID,
		IP:                task.IP,
		Channel:           task.Channel,
		ImagePath:         shotPath,
		DetectedImagePath: detectedPath,
		DetectedAt:        e.Clock.Now(),
	}
	states := make([]data.SpaceState, 0, len(obs))
	for _, o := range obs {
		states = append(states, data.SpaceState{SpaceID: o.SpaceID, Occupied: o.Occupied, Confidence: o.Confidence})
	}

	if err := e.Writer.Persist(ctx, snap, states, shotPath); err != nil {
		e.fail(task.ID, fmt.Sprintf("storage: %v", err))
		return "storage"
	}

	if e.Changes != nil {
		e.Changes.Enqueue(snap.ID)
	}
	log.Printf("[INFO] task %d captured %s spaces=%d", task.ID, shotPath, len(states))
	return "ok"
}

func windowFor(task *data.Task) time.Duration {
	return time.Duration(task.EndTS-task.StartTS+1) * time.Second
}

// deadlineFor bounds one pipeline at DeadlineFactor times the window
// length, floored at MinDeadline.
func (e *Engine) deadlineFor(task *data.Task) time.Duration {
	d := time.Duration(e.cfg.DeadlineFactor) * windowFor(task)
	if d < e.cfg.MinDeadline {
		d = e.cfg.MinDeadline
	}
	return d
}

// grabWithRetry retries transport-level failures only. Decode errors
// and timeouts are final on the first occurrence.
func (e *Engine) grabWithRetry(ctx context.Context, url string, window time.Duration) (*capture.Frame, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.cfg.RetryBackoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", capture.ErrTimeout, ctx.Err())
			}
			log.Printf("[WARN] rtsp retry %d/%d: %v", attempt, e.cfg.RetryCount, trimErr(lastErr))
		}
		frame, err := e.Grabber.Grab(ctx, url, window)
		if err == nil {
			return frame, nil
		}
		lastErr = err
		if !errors.Is(err, capture.ErrTransport) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (e *Engine) spacesFor(ctx context.Context, ip, channel string) ([]detect.SpaceBox, error) {
	rows, err := e.Sites.SpacesForCombo(ctx, ip, channel)
	if err != nil {
		return nil, err
	}
	boxes := make([]detect.SpaceBox, 0, len(rows))
	for _, r := range rows {
		box := detect.SpaceBox{
			SpaceID: r.SpaceID, SpaceName: r.SpaceName,
			X1: r.X1, Y1: r.Y1, X2: r.X2, Y2: r.Y2,
		}
		if !box.Valid() {
			log.Printf("[WARN] space %s has invalid bbox, skipped", r.SpaceID)
			continue
		}
		boxes = append(boxes, box)
	}
	return boxes, nil
}

func (e *Engine) fail(taskID int64, reason string) {
	// Use a fresh context: the pipeline context may already be dead
	// and the failure must still be recorded.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Tasks.MarkFailed(ctx, taskID, reason); err != nil && !errors.Is(err, data.ErrRecordNotFound) {
		log.Printf("[ERROR] mark task %d failed: %v", taskID, err)
	}
	log.Printf("[WARN] task %d failed: %s", taskID, reason)
}

func failureOutcome(err error) string {
	switch {
	case errors.Is(err, capture.ErrTimeout):
		return "timeout"
	case errors.Is(err, capture.ErrTransport):
		return "transport"
	default:
		return "decode"
	}
}

func trimErr(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
