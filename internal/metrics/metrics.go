package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All metrics are low-cardinality. Combo labels carry ip:channel which
// is bounded by the NVR fleet size, not by task volume.

var (
	// CapturesTotal counts finished capture pipelines by outcome.
	CapturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkwatch_captures_total",
			Help: "Completed capture pipelines by outcome",
		},
		[]string{"outcome"}, // ok | timeout | deadline | transport | decode | storage | detector
	)

	// CaptureDuration tracks wall time of one full pipeline run.
	CaptureDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parkwatch_capture_duration_seconds",
			Help:    "Capture pipeline duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	// PlayingGauge is the number of tasks currently in playing state.
	PlayingGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parkwatch_playing_tasks",
			Help: "Tasks currently executing",
		},
	)

	// ComboPlayingGauge is per-combo in-flight work.
	ComboPlayingGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "parkwatch_combo_playing_tasks",
			Help: "Tasks currently executing per camera/channel combo",
		},
		[]string{"combo"},
	)

	// ChangesTotal counts inferred change records by type.
	ChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkwatch_changes_total",
			Help: "Inferred occupancy changes by type",
		},
		[]string{"type"}, // arrive | leave | unknown
	)

	// ChangeJobRetries counts diff jobs that needed a retry.
	ChangeJobRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parkwatch_change_job_retries_total",
			Help: "Change inference jobs retried after failure",
		},
	)

	// HLSProcesses is the number of live ffmpeg HLS transcoders.
	HLSProcesses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parkwatch_hls_processes",
			Help: "Running HLS transcoder processes",
		},
	)

	// HLSStartsTotal counts transcoder spawns by result.
	HLSStartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkwatch_hls_starts_total",
			Help: "HLS transcoder starts by result",
		},
		[]string{"result"}, // started | reused | rate_limited | failed
	)

	// RuleFiringsTotal counts scheduler rule firings by outcome.
	RuleFiringsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkwatch_rule_firings_total",
			Help: "Auto-rule firings by outcome",
		},
		[]string{"outcome"}, // success | failed | deduped
	)
)

func RecordCapture(outcome string, seconds float64) {
	CapturesTotal.WithLabelValues(outcome).Inc()
	CaptureDuration.Observe(seconds)
}

func RecordChange(changeType string) {
	ChangesTotal.WithLabelValues(changeType).Inc()
}
