package testrun

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/repairgym/internal/sandbox"
)

const libtestOutput = `   Compiling vaultline v0.1.0 (/work)
{ "type": "suite", "event": "started", "test_count": 4 }
{ "type": "test", "event": "started", "name": "orbital_tests::test_kepler_third_law" }
{ "type": "test", "name": "orbital_tests::test_kepler_third_law", "event": "ok" }
{ "type": "test", "name": "orbital_tests::test_orbital_period_seconds", "event": "failed", "stdout": "assertion failed" }
{ "type": "test", "name": "orbital_tests::test_slow", "event": "ignored" }
{"type":"test","name":"policy_tests::test_policy_draft_to_active","result":"ok"}
not json at all
{"type":"test","name":"broken",
{ "type": "suite", "event": "failed", "passed": 2, "failed": 1, "ignored": 1 }
`

func TestParseLibtest(t *testing.T) {
	res := Parse(libtestOutput, DialectLibtest)

	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 2, res.Passed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.False(t, res.AllPassed)
	assert.Equal(t, []string{
		"orbital_tests::test_kepler_third_law",
		"policy_tests::test_policy_draft_to_active",
	}, res.PassedTests)
	assert.Equal(t, []string{"orbital_tests::test_orbital_period_seconds"}, res.FailedTests)
	assert.InDelta(t, 0.5, res.PassRate(), 1e-9)
}

func TestParseEdgeCases(t *testing.T) {
	t.Run("should not treat an empty run as passing", func(t *testing.T) {
		res := Parse("error: no test target named `typo_tests`\n", DialectLibtest)
		assert.Equal(t, 0, res.Total)
		assert.False(t, res.AllPassed)
		assert.NotNil(t, res.PassedTests)
		assert.NotNil(t, res.FailedTests)
		assert.Zero(t, res.PassRate())
	})

	t.Run("should pass when nothing failed", func(t *testing.T) {
		res := Parse(`{"type":"test","name":"a","result":"ok"}`+"\n"+`{"type":"test","name":"b","result":"ignored"}`, DialectLibtest)
		assert.True(t, res.AllPassed)
		assert.Equal(t, 2, res.Total)
	})

	t.Run("should prefer result over event", func(t *testing.T) {
		res := Parse(`{"type":"test","name":"a","result":"failed","event":"ok"}`, DialectLibtest)
		assert.Equal(t, 1, res.Failed)
	})

	t.Run("should skip unknown outcomes", func(t *testing.T) {
		res := Parse(`{"type":"test","name":"a","event":"timeout"}`, DialectLibtest)
		assert.Equal(t, 0, res.Total)
	})
}

func TestParseGoTest(t *testing.T) {
	out := strings.Join([]string{
		`{"Action":"run","Package":"x/pkg","Test":"TestA"}`,
		`{"Action":"output","Package":"x/pkg","Test":"TestA","Output":"=== RUN TestA\n"}`,
		`{"Action":"pass","Package":"x/pkg","Test":"TestA","Elapsed":0.01}`,
		`{"Action":"fail","Package":"x/pkg","Test":"TestB/sub_case","Elapsed":0.02}`,
		`{"Action":"skip","Package":"x/pkg","Test":"TestC"}`,
		`{"Action":"fail","Package":"x/pkg","Elapsed":0.03}`,
	}, "\n")

	res := Parse(out, DialectGoTest)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, []string{"TestA"}, res.PassedTests)
	assert.Equal(t, []string{"TestB/sub_case"}, res.FailedTests)
	assert.Equal(t, 1, res.Skipped)
}

type recordingRunner struct {
	calls  []sandbox.Command
	stdout string
	err    error
}

func (r *recordingRunner) Run(_ context.Context, c sandbox.Command) (sandbox.Result, error) {
	r.calls = append(r.calls, c)
	return sandbox.Result{Stdout: []byte(r.stdout), ExitCode: 101}, r.err
}

func (r *recordingRunner) Quiesce() error { return nil }

func TestRunner(t *testing.T) {
	t.Run("should run the full command with env and timeout", func(t *testing.T) {
		proc := &recordingRunner{stdout: libtestOutput}
		r, err := NewRunner("/work", proc, Options{Env: []string{"RUSTC_BOOTSTRAP=1"}}, nil)
		require.NoError(t, err)

		res, err := r.RunFull(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 4, res.Total)

		require.Len(t, proc.calls, 1)
		c := proc.calls[0]
		assert.Equal(t, "cargo", c.Name)
		assert.Equal(t, []string{"test", "--no-fail-fast", "--", "-Z", "unstable-options", "--format", "json"}, c.Args)
		assert.Equal(t, "/work", c.Dir)
		assert.Equal(t, []string{"RUSTC_BOOTSTRAP=1"}, c.Env)
		assert.Equal(t, DefaultTimeout, c.Timeout)
	})

	t.Run("should expand suites with the suite flag", func(t *testing.T) {
		proc := &recordingRunner{}
		r, err := NewRunner("/work", proc, Options{}, nil)
		require.NoError(t, err)

		_, err = r.RunTargeted(context.Background(), []string{"security_tests", "storage_tests"})
		require.NoError(t, err)
		assert.Equal(t, []string{
			"test", "--no-fail-fast",
			"--test", "security_tests", "--test", "storage_tests",
			"--", "-Z", "unstable-options", "--format", "json",
		}, proc.calls[0].Args)
	})

	t.Run("should fall back to the full run without suites", func(t *testing.T) {
		proc := &recordingRunner{}
		r, err := NewRunner("/work", proc, Options{}, nil)
		require.NoError(t, err)

		_, err = r.RunTargeted(context.Background(), nil)
		require.NoError(t, err)
		assert.NotContains(t, proc.calls[0].Args, "--test")
	})

	t.Run("should append suites when the command has no placeholder", func(t *testing.T) {
		flag := ""
		r, err := NewRunner("/work", &recordingRunner{}, Options{
			TargetedCommand: "go test -json",
			SuiteFlag:       &flag,
			Dialect:         DialectGoTest,
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"go", "test", "-json", "./a", "./b"}, r.TargetedArgs([]string{"./a", "./b"}))
	})

	t.Run("should return parsed results alongside a tool failure", func(t *testing.T) {
		proc := &recordingRunner{
			stdout: `{"type":"test","name":"a","event":"ok"}`,
			err:    sandbox.ErrTimeout,
		}
		r, err := NewRunner("/work", proc, Options{Timeout: time.Second}, nil)
		require.NoError(t, err)

		res, err := r.RunFull(context.Background())
		assert.ErrorIs(t, err, sandbox.ErrTimeout)
		assert.Equal(t, 1, res.Passed)
		assert.Equal(t, time.Second, proc.calls[0].Timeout)
	})

	t.Run("should reject unknown dialects", func(t *testing.T) {
		_, err := NewRunner("/work", &recordingRunner{}, Options{Dialect: "junit"}, nil)
		assert.Error(t, err)
	})
}
