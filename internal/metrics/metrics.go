package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stepsTotal counts steps by action kind and outcome
	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repairgym_steps_total",
		Help: "Total episode steps by action kind and outcome",
	}, []string{"action", "outcome"})

	stepReward = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "repairgym_step_reward",
		Help:    "Reward returned per accepted step",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	testRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "repairgym_test_run_duration_seconds",
		Help:    "Test tool wall time by run mode",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 11), // 0.5s to ~8.5min
	}, []string{"mode"})

	bugsFixed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "repairgym_bugs_fixed",
		Help: "Bugs judged fixed after the latest step",
	})

	actionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repairgym_action_rejections_total",
		Help: "Actions refused by the validator",
	}, []string{"action"})

	episodesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repairgym_episodes_total",
		Help: "Episodes started",
	})
)

// Step outcomes.
const (
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeOK       = "ok"
)

func RecordStep(action, outcome string, reward float64) {
	stepsTotal.WithLabelValues(action, outcome).Inc()
	if outcome != OutcomeRejected {
		stepReward.Observe(reward)
	}
}

func RecordRejection(action string) {
	if action == "" {
		action = "unknown"
	}
	actionRejections.WithLabelValues(action).Inc()
	stepsTotal.WithLabelValues(action, OutcomeRejected).Inc()
}

func ObserveTestRun(mode string, d time.Duration) {
	testRunDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func SetBugsFixed(n int) {
	bugsFixed.Set(float64(n))
}

func EpisodeStarted() {
	episodesTotal.Inc()
}
