package planner

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/technosupport/parkwatch/internal/clock"
	"github.com/technosupport/parkwatch/internal/data"
	"github.com/technosupport/parkwatch/internal/rtsp"
)

// ErrInvalidInput marks synchronous rejections: malformed base URL,
// out-of-range interval, bad date. API maps these to 400.
var ErrInvalidInput = errors.New("invalid input")

// Result summarizes one Plan call.
type Result struct {
	Date     string `json:"date"`
	Created  int    `json:"created_segments"`
	Existing int    `json:"existing_segments"`
	Total    int    `json:"total_segments"`
}

// Prober optionally verifies the stream before planning. Failures are
// warn-only and never block task generation.
type Prober interface {
	Probe(ctx context.Context, rtspURL string) error
}

// Planner expands a per-day capture plan into discrete window tasks.
type Planner struct {
	Tasks   data.TaskModel
	Configs data.TaskConfigModel
	Clock   *clock.Clock
	Prober  Prober // nil disables the pre-flight check
}

// Plan materializes the full task timeline of one day for one camera.
// Fully idempotent: existing rows for the same (date, index, rtsp_url)
// are left untouched, status included, and counted as existing.
func (p *Planner) Plan(ctx context.Context, date, baseRTSP, channel string, intervalMinutes int) (*Result, error) {
	if !rtsp.ValidBase(baseRTSP) {
		return nil, fmt.Errorf("%w: base_rtsp %q", ErrInvalidInput, baseRTSP)
	}
	if !rtsp.ValidChannelCode(channel) {
		return nil, fmt.Errorf("%w: channel %q", ErrInvalidInput, channel)
	}
	if intervalMinutes < 1 || intervalMinutes > 1440 {
		return nil, fmt.Errorf("%w: interval_minutes %d", ErrInvalidInput, intervalMinutes)
	}

	dayStart, dayEnd, err := p.Clock.DayBounds(date)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	ip := rtsp.HostIP(baseRTSP)
	step := int64(intervalMinutes) * 60

	// Pre-flight stream check on the first window. Warn-only.
	if p.Prober != nil {
		firstURL := rtsp.BuildReplayURL(baseRTSP, channel, dayStart, min64(dayStart+step-1, dayEnd), "")
		if err := p.Prober.Probe(ctx, firstURL); err != nil {
			log.Printf("[WARN] RTSP check failed, continue generating tasks: %v", err)
		}
	}

	res := &Result{Date: date}
	for index, start := 0, dayStart; start < dayEnd; index, start = index+1, start+step {
		end := min64(start+step-1, dayEnd)
		task := &data.Task{
			Date:    date,
			Index:   index,
			StartTS: start,
			EndTS:   end,
			RTSPURL: rtsp.BuildReplayURL(baseRTSP, channel, start, end, ""),
			IP:      ip,
			Channel: channel,
		}
		created, err := p.Tasks.InsertIgnore(ctx, task)
		if err != nil {
			return nil, fmt.Errorf("insert task index %d: %w", index, err)
		}
		if created {
			res.Created++
		} else {
			res.Existing++
		}
		res.Total++
	}

	cfg := &data.TaskConfig{
		Date:            date,
		RTSPBase:        baseRTSP,
		IP:              ip,
		Channel:         channel,
		IntervalMinutes: intervalMinutes,
		DayStartTS:      dayStart,
		DayEndTS:        dayEnd,
		TaskCount:       res.Total,
	}
	if err := p.Configs.Upsert(ctx, cfg); err != nil {
		return nil, fmt.Errorf("upsert task config: %w", err)
	}

	log.Printf("[INFO] plan %s %s %s interval=%dm: created=%d existing=%d total=%d",
		date, ip, channel, intervalMinutes, res.Created, res.Existing, res.Total)
	return res, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
