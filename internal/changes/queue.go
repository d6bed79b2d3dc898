package changes

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/technosupport/parkwatch/internal/metrics"
)

// Retry schedule for one failed diff job. After the last delay the
// job is abandoned; a rerun of the task regenerates it.
var retryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 9 * time.Second}

// Queue runs diff jobs off the capture path on a single worker, so
// snapshot writes never wait on change inference.
type Queue struct {
	differ *Differ
	jobs   chan int64
	quit   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	delays []time.Duration
}

func NewQueue(differ *Differ, depth int) *Queue {
	if depth <= 0 {
		depth = 256
	}
	return &Queue{
		differ: differ,
		jobs:   make(chan int64, depth),
		quit:   make(chan struct{}),
		delays: retryDelays,
	}
}

func (q *Queue) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-q.quit:
				// Drain what is already queued before exiting.
				for {
					select {
					case id := <-q.jobs:
						q.process(id)
					default:
						return
					}
				}
			case id := <-q.jobs:
				q.process(id)
			}
		}
	}()
}

// Stop waits for queued jobs to finish.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.quit) })
	q.wg.Wait()
}

// Enqueue never blocks the caller. A full queue drops the job with a
// log line; the snapshot row itself is already durable and a rerun
// will diff it again.
func (q *Queue) Enqueue(snapshotID int64) {
	select {
	case q.jobs <- snapshotID:
	default:
		log.Printf("[ERROR] change queue full, dropping snapshot %d", snapshotID)
	}
}

func (q *Queue) process(snapshotID int64) {
	ctx := context.Background()
	err := q.differ.Run(ctx, snapshotID)
	if err == nil {
		return
	}
	for i, delay := range q.delays {
		log.Printf("[WARN] change inference for snapshot %d failed (attempt %d): %v", snapshotID, i+1, err)
		metrics.ChangeJobRetries.Inc()
		select {
		case <-time.After(delay):
		case <-q.quit:
			// Shutdown: one last immediate try below.
		}
		if err = q.differ.Run(ctx, snapshotID); err == nil {
			return
		}
	}
	log.Printf("[ERROR] change inference for snapshot %d abandoned: %v", snapshotID, err)
}
