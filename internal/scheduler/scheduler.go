package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/parkwatch/internal/clock"
	"github.com/technosupport/parkwatch/internal/data"
	"github.com/technosupport/parkwatch/internal/metrics"
	"github.com/technosupport/parkwatch/internal/planner"
	"github.com/technosupport/parkwatch/internal/rtsp"
)

const tickInterval = 30 * time.Second

// RuleStore is the slice of the rule repository the scheduler needs.
type RuleStore interface {
	GetByID(ctx context.Context, id int64) (*data.AutoRule, error)
	ListEnabled(ctx context.Context) ([]*data.AutoRule, error)
	MarkRunning(ctx context.Context, id int64, firedAt time.Time) error
	MarkOutcome(ctx context.Context, id int64, status string, execErr error) error
}

// TaskSource resolves which task ids a firing should submit.
type TaskSource interface {
	ListIDsByStatus(ctx context.Context, date, ip, channel string, statuses []string) ([]int64, error)
	ResetToPending(ctx context.Context, date, ip, channel string, taskID *int64) ([]int64, error)
}

// PlanRunner materializes the day plan before submission.
type PlanRunner interface {
	Plan(ctx context.Context, date, baseRTSP, channel string, intervalMinutes int) (*planner.Result, error)
}

// Submitter queues task ids on the capture engine.
type Submitter interface {
	SubmitMany(ids []int64) (int, error)
}

// Scheduler fires enabled rules at their wall-clock trigger minute.
// The DB stamp plus an in-process LRU guard against double fires when
// two ticks land inside the same minute.
type Scheduler struct {
	Rules   RuleStore
	Tasks   TaskSource
	Planner PlanRunner
	Engine  Submitter
	Clock   *clock.Clock

	dedup *lru.Cache[string, time.Time]

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	now func() time.Time
}

func New(rules RuleStore, tasks TaskSource, pl PlanRunner, engine Submitter, ck *clock.Clock) *Scheduler {
	cache, _ := lru.New[string, time.Time](1024)
	return &Scheduler{
		Rules:   rules,
		Tasks:   tasks,
		Planner: pl,
		Engine:  engine,
		Clock:   ck,
		dedup:   cache,
		quit:    make(chan struct{}),
		now:     ck.Now,
	}
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.quit:
				return
			case <-ticker.C:
				s.tick(context.Background())
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.quit) })
	s.wg.Wait()
}

// tick checks every enabled rule against the current wall minute.
func (s *Scheduler) tick(ctx context.Context) {
	rules, err := s.Rules.ListEnabled(ctx)
	if err != nil {
		log.Printf("[ERROR] scheduler: list rules: %v", err)
		return
	}
	now := s.now()
	minute := s.Clock.WallMinute(now)

	for _, rule := range rules {
		if rule.TriggerTime != minute {
			continue
		}
		if rule.LastExecutedAt != nil && s.Clock.SameWallMinute(*rule.LastExecutedAt, now) {
			continue
		}
		key := fmt.Sprintf("%d|%s|%s", rule.ID, now.Format("2006-01-02"), minute)
		if _, seen := s.dedup.Get(key); seen {
			metrics.RuleFiringsTotal.WithLabelValues("deduped").Inc()
			continue
		}
		s.dedup.Add(key, now)
		s.fire(ctx, rule, now)
	}
}

// fire runs one rule synchronously within the tick. Rule counts are
// small and planning is cheap next to capture itself.
func (s *Scheduler) fire(ctx context.Context, rule *data.AutoRule, now time.Time) {
	if err := s.Rules.MarkRunning(ctx, rule.ID, now); err != nil {
		log.Printf("[ERROR] scheduler: mark rule %d running: %v", rule.ID, err)
		return
	}
	submitted, err := s.Execute(ctx, rule)
	if err != nil {
		log.Printf("[ERROR] scheduler: rule %d (%s) failed: %v", rule.ID, rule.Name, err)
		metrics.RuleFiringsTotal.WithLabelValues("failed").Inc()
		if err := s.Rules.MarkOutcome(ctx, rule.ID, data.RuleExecFailed, err); err != nil {
			log.Printf("[ERROR] scheduler: mark rule %d outcome: %v", rule.ID, err)
		}
		return
	}
	metrics.RuleFiringsTotal.WithLabelValues("success").Inc()
	if err := s.Rules.MarkOutcome(ctx, rule.ID, data.RuleExecSuccess, nil); err != nil {
		log.Printf("[ERROR] scheduler: mark rule %d outcome: %v", rule.ID, err)
	}
	log.Printf("[INFO] rule %d (%s) fired: %d tasks submitted", rule.ID, rule.Name, submitted)
}

// Execute plans the rule's day and submits every task that still
// needs a capture. Already-successful tasks are left alone; Rerun is
// the explicit path for redoing those.
func (s *Scheduler) Execute(ctx context.Context, rule *data.AutoRule) (int, error) {
	date := s.ruleDate(rule)
	if _, err := s.Planner.Plan(ctx, date, rule.BaseRTSP, rule.Channel, rule.IntervalMinutes); err != nil {
		return 0, fmt.Errorf("plan: %w", err)
	}
	ip := rtsp.HostIP(rule.BaseRTSP)
	ids, err := s.Tasks.ListIDsByStatus(ctx, date, ip, rule.Channel,
		[]string{data.TaskStatusPending, data.TaskStatusFailed})
	if err != nil {
		return 0, fmt.Errorf("list tasks: %w", err)
	}
	return s.Engine.SubmitMany(ids)
}

// RunPlan plans one day on demand and submits every matching task,
// already-captured ones included. This is the capture-it-again path;
// no rule state is involved.
func (s *Scheduler) RunPlan(ctx context.Context, date, baseRTSP, channel string, intervalMinutes int) (*planner.Result, int, error) {
	res, err := s.Planner.Plan(ctx, date, baseRTSP, channel, intervalMinutes)
	if err != nil {
		return nil, 0, err
	}
	ids, err := s.Tasks.ListIDsByStatus(ctx, date, rtsp.HostIP(baseRTSP), channel,
		[]string{data.TaskStatusPending, data.TaskStatusFailed, data.TaskStatusScreenshotTaken})
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	n, err := s.Engine.SubmitMany(ids)
	return res, n, err
}

// RunNow fires one rule immediately, bypassing the trigger minute.
func (s *Scheduler) RunNow(ctx context.Context, ruleID int64) (int, error) {
	rule, err := s.Rules.GetByID(ctx, ruleID)
	if err != nil {
		return 0, err
	}
	now := s.now()
	if err := s.Rules.MarkRunning(ctx, ruleID, now); err != nil {
		return 0, err
	}
	submitted, err := s.Execute(ctx, rule)
	if err != nil {
		s.Rules.MarkOutcome(ctx, ruleID, data.RuleExecFailed, err)
		return 0, err
	}
	s.Rules.MarkOutcome(ctx, ruleID, data.RuleExecSuccess, nil)
	return submitted, nil
}

// Rerun resets matching tasks to pending and resubmits them. With a
// task id it redoes one task; without, the whole (date, ip, channel)
// combo. Playing tasks are never touched.
func (s *Scheduler) Rerun(ctx context.Context, date, ip, channel string, taskID *int64) (int, error) {
	ids, err := s.Tasks.ResetToPending(ctx, date, ip, channel, taskID)
	if err != nil {
		return 0, err
	}
	return s.Engine.SubmitMany(ids)
}

func (s *Scheduler) ruleDate(rule *data.AutoRule) string {
	if rule.UseToday || rule.CustomDate == nil {
		return s.Clock.Today()
	}
	return *rule.CustomDate
}
