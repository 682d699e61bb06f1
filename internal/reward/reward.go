package reward

import (
	"strings"

	"github.com/terminal-bench/repairgym/internal/catalog"
	"github.com/terminal-bench/repairgym/internal/testrun"
)

// Sparse reward: pass rate is mapped onto a few discrete milestones.
var (
	PassThresholds   = []float64{0.50, 0.75, 0.90, 1.0}
	ThresholdRewards = []float64{0.15, 0.35, 0.65, 1.0}
)

// Component weights.
const (
	SparseWeight     = 0.40
	CategoryWeight   = 0.25
	BugFixWeight     = 0.25
	EfficiencyWeight = 0.05
)

const (
	// CategoryStep is the bonus per complete category beyond the first.
	CategoryStep = 0.20
	// MinCompleteCategories is the floor below which no category bonus is paid.
	MinCompleteCategories = 2
	// DependencyDiscount scales a bug's score while a direct dependency is unfixed.
	DependencyDiscount = 0.5

	MaxRegressionPenalty = 0.15

	ConcurrencyBonus = 0.03
	SecurityBonus    = 0.02
)

var (
	concurrencyMarkers = []string{"deadlock", "race", "concurrent"}
	securityMarkers    = []string{"injection", "traversal", "timing"}
)

// State is the slice of episode state the reward reads and updates.
type State struct {
	StepCount        int      `json:"step_count"`
	MaxSteps         int      `json:"max_steps"`
	PreviousPassRate float64  `json:"previous_pass_rate"`
	PreviousPassing  []string `json:"previous_passing_tests"`
}

// Breakdown lists the weighted contribution of every term. Total is the
// clamped reward.
type Breakdown struct {
	PassRate           float64 `json:"pass_rate"`
	Sparse             float64 `json:"sparse"`
	Category           float64 `json:"category"`
	BugFix             float64 `json:"bug_fix"`
	Efficiency         float64 `json:"efficiency"`
	Concurrency        float64 `json:"concurrency"`
	Security           float64 `json:"security"`
	Regression         float64 `json:"regression_penalty"`
	CompleteCategories int     `json:"complete_categories"`
	Regressions        int     `json:"regressions"`
	Total              float64 `json:"total"`
}

// Engine scores test results against a bug catalog.
type Engine struct {
	catalog *catalog.Catalog
}

// NewEngine creates an Engine for c.
func NewEngine(c *catalog.Catalog) *Engine {
	return &Engine{catalog: c}
}

// Calculate computes the reward for results and records the pass rate in
// st.PreviousPassRate. An empty run scores exactly 0 and leaves st untouched.
func (e *Engine) Calculate(results testrun.TestResults, st *State) Breakdown {
	if results.Total == 0 {
		return Breakdown{}
	}

	passed := catalog.NewPassSet(results.PassedTests)
	rate := results.PassRate()

	var b Breakdown
	b.PassRate = rate
	b.Sparse = SparseWeight * SparseReward(rate)
	b.CompleteCategories = e.catalog.CompleteCategories(passed)
	b.Category = CategoryWeight * CategoryBonus(b.CompleteCategories)
	b.BugFix = BugFixWeight * e.BugFixScore(passed)
	b.Efficiency = EfficiencyWeight * EfficiencyScore(rate, st.StepCount, st.MaxSteps)
	if !anyContains(results.FailedTests, concurrencyMarkers) {
		b.Concurrency = ConcurrencyBonus
	}
	if !anyContains(results.FailedTests, securityMarkers) {
		b.Security = SecurityBonus
	}
	b.Regression, b.Regressions = RegressionPenalty(st.PreviousPassing, passed)

	total := b.Sparse + b.Category + b.BugFix + b.Efficiency + b.Concurrency + b.Security - b.Regression
	b.Total = clamp(total, 0, 1)

	st.PreviousPassRate = rate
	return b
}

// SparseReward maps a pass rate onto the threshold table.
func SparseReward(passRate float64) float64 {
	for i := len(PassThresholds) - 1; i >= 0; i-- {
		if passRate >= PassThresholds[i] {
			return ThresholdRewards[i]
		}
	}
	return 0.0
}

// CategoryBonus is 0 below MinCompleteCategories, then grows by CategoryStep
// per additional category up to 1.
func CategoryBonus(complete int) float64 {
	if complete < MinCompleteCategories {
		return 0.0
	}
	return minf(float64(complete-1)*CategoryStep, 1.0)
}

// BugFixScore averages per-bug progress over the catalog, halving the score
// of any bug whose direct dependencies are not all fixed.
func (e *Engine) BugFixScore(passed catalog.PassSet) float64 {
	bugs := e.catalog.Bugs()
	if len(bugs) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, b := range bugs {
		score := e.catalog.Progress(b.ID, passed)
		if !e.catalog.DependenciesMet(b.ID, passed) {
			score *= DependencyDiscount
		}
		sum += score
	}
	return sum / float64(len(bugs))
}

// EfficiencyScore rewards finishing early; it is 0 unless every test passes.
func EfficiencyScore(passRate float64, step, maxSteps int) float64 {
	if passRate < 1.0 || maxSteps <= 0 {
		return 0.0
	}
	return maxf(0, 1-float64(step)/float64(maxSteps))
}

// RegressionPenalty counts previously passing names no longer matched by any
// passing test and returns the capped penalty with the count.
func RegressionPenalty(previous []string, passed catalog.PassSet) (float64, int) {
	if len(previous) == 0 {
		return 0.0, 0
	}
	k := 0
	for _, name := range previous {
		if !passed.Contains(name) {
			k++
		}
	}
	penalty := float64(k) / float64(len(previous)) * MaxRegressionPenalty
	return minf(penalty, MaxRegressionPenalty), k
}

func anyContains(names, markers []string) bool {
	for _, n := range names {
		for _, m := range markers {
			if strings.Contains(n, m) {
				return true
			}
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	return minf(maxf(v, lo), hi)
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
