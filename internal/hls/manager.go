package hls

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/technosupport/parkwatch/internal/metrics"
)

var (
	// ErrRateLimited is returned when a stream is respawned faster
	// than the cooldown allows.
	ErrRateLimited = errors.New("hls respawn rate limited")
	// ErrStopped is returned once the manager is shut down.
	ErrStopped = errors.New("hls manager stopped")
)

// Defaults for the stream lifecycle.
const (
	DefaultIdleTimeout  = 60 * time.Second
	DefaultReapInterval = 15 * time.Second
	DefaultRemoveDelay  = 30 * time.Second
	DefaultRespawnMin   = 2 * time.Second
	// deadOnArrival marks transcoders that exit almost immediately,
	// usually a bad URL or an NVR refusing the session.
	deadOnArrival = 2 * time.Second
)

// Process is one running transcoder.
type Process interface {
	Done() <-chan struct{}
	Kill() error
}

// Spawner launches a transcoder writing HLS output into dir.
type Spawner interface {
	Spawn(ctx context.Context, rtspURL, dir string) (Process, error)
}

// Fingerprint names one stream by its full RTSP URL, credentials
// included, so the same camera with different replay windows gets
// distinct playlists.
func Fingerprint(rtspURL string) string {
	sum := sha1.Sum([]byte(rtspURL))
	return hex.EncodeToString(sum[:])[:16]
}

type stream struct {
	fp  string
	url string
	dir string

	// spawnMu serializes spawn attempts for this fingerprint only, so
	// a slow ffmpeg start on one camera never stalls the others.
	spawnMu sync.Mutex

	proc       Process
	running    bool
	lastAccess time.Time
	lastSpawn  time.Time
}

// Manager owns the registry of live transcoders: spawn on demand,
// share by fingerprint, reap on idle.
type Manager struct {
	Root         string
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	RemoveDelay  time.Duration
	RespawnMin   time.Duration
	Spawner      Spawner

	mu      sync.Mutex
	streams map[string]*stream
	stopped bool

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	now func() time.Time
}

func NewManager(root string, spawner Spawner) *Manager {
	return &Manager{
		Root:         root,
		IdleTimeout:  DefaultIdleTimeout,
		ReapInterval: DefaultReapInterval,
		RemoveDelay:  DefaultRemoveDelay,
		RespawnMin:   DefaultRespawnMin,
		Spawner:      spawner,
		streams:      make(map[string]*stream),
		quit:         make(chan struct{}),
		now:          time.Now,
	}
}

// Start launches the idle reaper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.quit:
				return
			case <-ticker.C:
				m.reap()
			}
		}
	}()
}

// Stop kills every transcoder and waits for the reaper.
func (m *Manager) Stop() {
	m.once.Do(func() {
		close(m.quit)
		m.mu.Lock()
		m.stopped = true
		for _, s := range m.streams {
			if s.running {
				s.proc.Kill()
			}
		}
		m.streams = make(map[string]*stream)
		m.mu.Unlock()
	})
	m.wg.Wait()
}

// Ensure returns the fingerprint of a running transcoder for the URL,
// spawning one if needed. A live stream is reused as-is. The registry
// lock is never held across the spawn itself; concurrent requests for
// the same fingerprint queue on the stream's own mutex.
func (m *Manager) Ensure(ctx context.Context, rtspURL string) (string, error) {
	fp := Fingerprint(rtspURL)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return "", ErrStopped
	}
	s, ok := m.streams[fp]
	if !ok {
		s = &stream{fp: fp, url: rtspURL, dir: filepath.Join(m.Root, fp), lastAccess: m.now()}
		m.streams[fp] = s
	}
	m.mu.Unlock()

	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return "", ErrStopped
	}
	now := m.now()
	if s.running {
		s.lastAccess = now
		m.mu.Unlock()
		metrics.HLSStartsTotal.WithLabelValues("reused").Inc()
		return fp, nil
	}
	if !s.lastSpawn.IsZero() && now.Sub(s.lastSpawn) < m.RespawnMin {
		m.mu.Unlock()
		metrics.HLSStartsTotal.WithLabelValues("rate_limited").Inc()
		return "", fmt.Errorf("%w: stream %s died %s ago", ErrRateLimited, fp, now.Sub(s.lastSpawn))
	}
	s.lastSpawn = now
	m.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create hls dir: %w", err)
	}
	proc, err := m.Spawner.Spawn(ctx, rtspURL, s.dir)
	if err != nil {
		metrics.HLSStartsTotal.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("spawn transcoder: %w", err)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		proc.Kill()
		return "", ErrStopped
	}
	s.proc = proc
	s.running = true
	s.lastAccess = m.now()
	m.wg.Add(1)
	go m.watch(s)
	m.mu.Unlock()

	metrics.HLSStartsTotal.WithLabelValues("started").Inc()
	metrics.HLSProcesses.Inc()
	log.Printf("[INFO] hls transcoder started fp=%s", fp)
	return fp, nil
}

// Touch refreshes the idle clock of a stream on segment delivery.
func (m *Manager) Touch(fp string) {
	m.mu.Lock()
	if s, ok := m.streams[fp]; ok {
		s.lastAccess = m.now()
	}
	m.mu.Unlock()
}

// Dir maps a fingerprint to its output directory, empty if unknown.
func (m *Manager) Dir(fp string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[fp]; ok {
		return s.dir
	}
	return ""
}

// watch notices transcoder exit, flagging near-instant deaths so the
// caller-facing rate limit has something to lean on.
func (m *Manager) watch(s *stream) {
	defer m.wg.Done()
	<-s.proc.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	metrics.HLSProcesses.Dec()
	if m.now().Sub(s.lastSpawn) < deadOnArrival {
		log.Printf("[WARN] hls transcoder fp=%s died within %s of spawn", s.fp, deadOnArrival)
	} else {
		log.Printf("[INFO] hls transcoder fp=%s exited", s.fp)
	}
}

// reap kills idle transcoders and schedules their directories for
// deferred removal, giving in-flight segment requests time to finish.
func (m *Manager) reap() {
	now := m.now()
	m.mu.Lock()
	var doomed []*stream
	for fp, s := range m.streams {
		if now.Sub(s.lastAccess) < m.IdleTimeout {
			continue
		}
		if !s.spawnMu.TryLock() {
			continue // spawn in flight, not idle
		}
		if s.running {
			s.proc.Kill()
			s.running = false
			metrics.HLSProcesses.Dec()
		}
		delete(m.streams, fp)
		doomed = append(doomed, s)
		s.spawnMu.Unlock()
	}
	m.mu.Unlock()

	for _, s := range doomed {
		log.Printf("[INFO] hls stream fp=%s reaped after %s idle", s.fp, m.IdleTimeout)
		dir := s.dir
		time.AfterFunc(m.RemoveDelay, func() {
			if err := os.RemoveAll(dir); err != nil {
				log.Printf("[WARN] remove hls dir %s: %v", dir, err)
			}
		})
	}
}
