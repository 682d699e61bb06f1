package testrun

import (
	"encoding/json"
	"strings"
)

// Dialect selects the structured event format emitted by the test tool.
type Dialect string

const (
	// DialectLibtest is the per-line JSON of the Rust test harness:
	// {"type":"test","name":...,"event":"ok"|"failed"|"ignored"}.
	DialectLibtest Dialect = "libtest"
	// DialectGoTest is the output of go test -json.
	DialectGoTest Dialect = "gotest"
)

// Outcomes recognised on a test event.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeIgnored = "ignored"
)

// TestResults aggregates one test invocation. Names keep the order in which
// they appeared in the event stream.
type TestResults struct {
	Total       int      `json:"total"`
	Passed      int      `json:"passed"`
	Failed      int      `json:"failed"`
	Skipped     int      `json:"skipped"`
	AllPassed   bool     `json:"all_passed"`
	PassedTests []string `json:"passed_tests"`
	FailedTests []string `json:"failed_tests"`
}

// PassRate returns Passed/Total, or 0 when nothing ran.
func (r TestResults) PassRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Passed) / float64(r.Total)
}

// Empty returns a zero-valued result with non-nil name lists.
func Empty() TestResults {
	return TestResults{PassedTests: []string{}, FailedTests: []string{}}
}

// Parse reads line-delimited events. Lines that are not recognised test
// events are skipped and not counted.
func Parse(output string, dialect Dialect) TestResults {
	decode := decodeLibtest
	if dialect == DialectGoTest {
		decode = decodeGoTest
	}

	res := Empty()
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		name, outcome, ok := decode([]byte(line))
		if !ok {
			continue
		}
		switch outcome {
		case OutcomeOK:
			res.Passed++
			res.PassedTests = append(res.PassedTests, name)
		case OutcomeFailed:
			res.Failed++
			res.FailedTests = append(res.FailedTests, name)
		case OutcomeIgnored:
			res.Skipped++
		default:
			continue
		}
		res.Total++
	}
	res.AllPassed = res.Failed == 0 && res.Total > 0
	return res
}

type libtestEvent struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Result string `json:"result"`
	Event  string `json:"event"`
}

func decodeLibtest(line []byte) (string, string, bool) {
	var ev libtestEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return "", "", false
	}
	if ev.Type != "test" {
		return "", "", false
	}
	outcome := ev.Result
	if outcome == "" {
		outcome = ev.Event
	}
	return ev.Name, outcome, true
}

type goTestEvent struct {
	Action  string `json:"Action"`
	Package string `json:"Package"`
	Test    string `json:"Test"`
}

func decodeGoTest(line []byte) (string, string, bool) {
	var ev goTestEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return "", "", false
	}
	if ev.Test == "" {
		return "", "", false // package-level events
	}
	switch ev.Action {
	case "pass":
		return ev.Test, OutcomeOK, true
	case "fail":
		return ev.Test, OutcomeFailed, true
	case "skip":
		return ev.Test, OutcomeIgnored, true
	default:
		return "", "", false
	}
}
