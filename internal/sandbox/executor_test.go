package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terminal-bench/repairgym/internal/action"
)

type fakeRunner struct {
	calls  []Command
	result Result
	err    error
}

func (f *fakeRunner) Run(_ context.Context, c Command) (Result, error) {
	f.calls = append(f.calls, c)
	return f.result, f.err
}

func (f *fakeRunner) Quiesce() error { return nil }

func newTestExecutor(t *testing.T, runner ProcessRunner) *Executor {
	t.Helper()
	e, err := NewExecutor(t.TempDir(), runner, Options{Env: []string{"RUSTC_BOOTSTRAP=1"}}, zap.NewNop())
	require.NoError(t, err)
	return e
}

func TestExecutorEdit(t *testing.T) {
	e := newTestExecutor(t, &fakeRunner{})

	t.Run("should create parent directories and write content", func(t *testing.T) {
		out, err := e.Execute(context.Background(), action.Edit{Path: "src/a/b.rs", Content: "fn x() {}"})
		require.NoError(t, err)
		assert.True(t, out.Success)

		data, err := os.ReadFile(filepath.Join(e.Root(), "src", "a", "b.rs"))
		require.NoError(t, err)
		assert.Equal(t, "fn x() {}", string(data))
	})

	t.Run("should overwrite existing files", func(t *testing.T) {
		require.NoError(t, e.Edit("src/a/b.rs", "second"))
		got, err := e.Read("src/a/b.rs")
		require.NoError(t, err)
		assert.Equal(t, "second", got)
	})

	t.Run("should reject absolute targets", func(t *testing.T) {
		out, err := e.Execute(context.Background(), action.Edit{Path: "/tmp/x", Content: "x"})
		assert.ErrorIs(t, err, ErrPathEscape)
		assert.False(t, out.Success)
		assert.Equal(t, "path escapes work directory", out.Output)
	})

	t.Run("should refuse to write through a symlink leaving the root", func(t *testing.T) {
		outside := t.TempDir()
		require.NoError(t, os.Symlink(outside, filepath.Join(e.Root(), "vendor")))

		err := e.Edit("vendor/evil.rs", "x")
		assert.ErrorIs(t, err, ErrPathEscape)
		_, statErr := os.Stat(filepath.Join(outside, "evil.rs"))
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("should refuse to write through a dangling symlink leaving the root", func(t *testing.T) {
		outside := filepath.Join(t.TempDir(), "pwned.txt")
		require.NoError(t, os.MkdirAll(filepath.Join(e.Root(), "src"), 0o755))
		require.NoError(t, os.Symlink(outside, filepath.Join(e.Root(), "src", "evil.rs")))

		out, err := e.Execute(context.Background(), action.Edit{Path: "src/evil.rs", Content: "escaped"})
		assert.ErrorIs(t, err, ErrPathEscape)
		assert.False(t, out.Success)
		_, statErr := os.Stat(outside)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("should refuse to edit the test suite through a symlink", func(t *testing.T) {
		tests := filepath.Join(e.Root(), "tests")
		require.NoError(t, os.MkdirAll(tests, 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(e.Root(), "src"), 0o755))
		require.NoError(t, os.Symlink("../tests", filepath.Join(e.Root(), "src", "t")))

		wire := "EDIT:src/t/orbital_tests.rs\nfn rigged() {}"
		a, err := action.ParseAndValidate(wire)
		require.NoError(t, err)

		out, err := e.Execute(context.Background(), a)
		assert.ErrorIs(t, err, ErrTestSuiteEdit)
		assert.Equal(t, "editing the test suite is not allowed", out.Output)
		_, statErr := os.Stat(filepath.Join(tests, "orbital_tests.rs"))
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("should refuse a file symlink into the test suite", func(t *testing.T) {
		tests := filepath.Join(e.Root(), "tests")
		require.NoError(t, os.MkdirAll(tests, 0o755))
		require.NoError(t, os.Symlink("../tests/setup_tests.rs", filepath.Join(e.Root(), "src", "setup_link.rs")))

		err := e.Edit("src/setup_link.rs", "x")
		assert.ErrorIs(t, err, ErrTestSuiteEdit)
	})
}

func TestExecutorRead(t *testing.T) {
	e := newTestExecutor(t, &fakeRunner{})
	require.NoError(t, os.WriteFile(filepath.Join(e.Root(), "Cargo.toml"), []byte("[package]\n"), 0o644))

	t.Run("should return file content", func(t *testing.T) {
		out, err := e.Execute(context.Background(), action.Read{Path: "Cargo.toml"})
		require.NoError(t, err)
		assert.Equal(t, Output{Success: true, Output: "[package]\n"}, out)
	})

	t.Run("should fail on a missing file", func(t *testing.T) {
		out, err := e.Execute(context.Background(), action.Read{Path: "missing.rs"})
		require.Error(t, err)
		assert.False(t, out.Success)
	})

	t.Run("should refuse symlinks pointing outside", func(t *testing.T) {
		outside := filepath.Join(t.TempDir(), "secret")
		require.NoError(t, os.WriteFile(outside, []byte("hunter2"), 0o600))
		require.NoError(t, os.Symlink(outside, filepath.Join(e.Root(), "secret")))

		out, err := e.Execute(context.Background(), action.Read{Path: "secret"})
		assert.ErrorIs(t, err, ErrPathEscape)
		assert.NotContains(t, out.Output, "hunter2")
	})
}

func TestExecutorRun(t *testing.T) {
	t.Run("should run allowed commands in the root", func(t *testing.T) {
		runner := &fakeRunner{result: Result{Stdout: []byte("Cargo.toml\n")}}
		e := newTestExecutor(t, runner)

		out, err := e.Execute(context.Background(), action.Run{Command: "  ls   -la src "})
		require.NoError(t, err)
		assert.Equal(t, Output{Success: true, Output: "Cargo.toml\n"}, out)

		require.Len(t, runner.calls, 1)
		assert.Equal(t, "ls", runner.calls[0].Name)
		assert.Equal(t, []string{"-la", "src"}, runner.calls[0].Args)
		assert.Equal(t, e.Root(), runner.calls[0].Dir)
		assert.Equal(t, DefaultRunTimeout, runner.calls[0].Timeout)
		assert.Equal(t, []string{"RUSTC_BOOTSTRAP=1"}, runner.calls[0].Env)
	})

	t.Run("should report a non-zero exit as unsuccessful output", func(t *testing.T) {
		runner := &fakeRunner{result: Result{Stdout: []byte("out"), Stderr: []byte("boom"), ExitCode: 101}}
		e := newTestExecutor(t, runner)

		out, err := e.Run(context.Background(), "cargo test")
		require.NoError(t, err)
		assert.False(t, out.Success)
		assert.Equal(t, "outboom", out.Output)
	})

	t.Run("should refuse commands outside the allow-list", func(t *testing.T) {
		runner := &fakeRunner{}
		e := newTestExecutor(t, runner)

		_, err := e.Run(context.Background(), "rm -rf /")
		assert.ErrorIs(t, err, ErrCommandNotAllowed)
		_, err = e.Run(context.Background(), "/bin/ls")
		assert.ErrorIs(t, err, ErrCommandNotAllowed)
		assert.Empty(t, runner.calls)
	})

	t.Run("should refuse writer flags on read-only tools", func(t *testing.T) {
		runner := &fakeRunner{}
		e := newTestExecutor(t, runner)

		_, err := e.Run(context.Background(), "find . -name *.rs -delete")
		assert.ErrorIs(t, err, ErrDangerousArgument)
		_, err = e.Run(context.Background(), "find . -exec rm {} ;")
		assert.ErrorIs(t, err, ErrDangerousArgument)
		assert.Empty(t, runner.calls)
	})

	t.Run("should reject blank commands", func(t *testing.T) {
		e := newTestExecutor(t, &fakeRunner{})
		_, err := e.Run(context.Background(), "   ")
		assert.ErrorIs(t, err, ErrEmptyCommand)
	})

	t.Run("should surface timeouts as failures", func(t *testing.T) {
		runner := &fakeRunner{result: Result{Stdout: []byte("partial"), TimedOut: true}, err: ErrTimeout}
		e := newTestExecutor(t, runner)

		out, err := e.Run(context.Background(), "cargo build")
		assert.True(t, errors.Is(err, ErrTimeout))
		assert.False(t, out.Success)
		assert.Contains(t, out.Output, "partial")
		assert.Contains(t, out.Output, "timed out")
	})

	t.Run("should honour a custom allow-list", func(t *testing.T) {
		runner := &fakeRunner{}
		e, err := NewExecutor(t.TempDir(), runner, Options{AllowedCommands: []string{"make"}}, nil)
		require.NoError(t, err)

		_, err = e.Run(context.Background(), "cargo test")
		assert.ErrorIs(t, err, ErrCommandNotAllowed)
		_, err = e.Run(context.Background(), "make check")
		assert.NoError(t, err)
	})
}
