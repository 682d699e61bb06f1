package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxCapture bounds how much of each output stream is kept in memory.
const maxCapture = 16 << 20

// waitDelay is how long Wait keeps reading pipes after the process is killed.
const waitDelay = 5 * time.Second

// Command describes one external process invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment
	Timeout time.Duration
}

// Result is the outcome of a process that ran to completion or was killed.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// ProcessRunner runs external commands. Implementations return an error only
// when the process could not be started, timed out or was cancelled; a
// non-zero exit is reported through Result.ExitCode.
type ProcessRunner interface {
	Run(ctx context.Context, cmd Command) (Result, error)

	// Quiesce kills every process group still running.
	Quiesce() error
}

// ExecRunner runs commands with os/exec. Each command gets its own process
// group which is killed when the command returns, so background children
// cannot outlive the step that spawned them.
type ExecRunner struct {
	log *zap.Logger

	mu     sync.Mutex
	groups map[int]struct{}
}

// NewExecRunner creates an ExecRunner.
func NewExecRunner(log *zap.Logger) *ExecRunner {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExecRunner{log: log, groups: make(map[int]struct{})}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	if c.Name == "" {
		return Result{}, ErrEmptyCommand
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	stdout := &cappedBuffer{limit: maxCapture}
	stderr := &cappedBuffer{limit: maxCapture}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killGroup(cmd.Process.Pid) }
	cmd.WaitDelay = waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", c.Name, err)
	}
	pid := cmd.Process.Pid
	r.track(pid)
	err := cmd.Wait()
	if kerr := killGroup(pid); kerr != nil {
		r.log.Debug("kill process group", zap.Int("pgid", pid), zap.Error(kerr))
	}
	r.untrack(pid)

	res := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		return res, fmt.Errorf("%s killed after %s: %w", c.Name, c.Timeout, ErrTimeout)
	case ctx.Err() != nil:
		return res, fmt.Errorf("%s: %w", c.Name, ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.Is(err, exec.ErrWaitDelay) {
		// a background child kept the pipes open; its group is gone now
		r.log.Debug("output pipes held after exit", zap.String("command", c.Name))
	} else if err != nil && !errors.As(err, &exitErr) {
		return res, fmt.Errorf("wait %s: %w", c.Name, err)
	}
	return res, nil
}

func (r *ExecRunner) Quiesce() error {
	r.mu.Lock()
	pids := make([]int, 0, len(r.groups))
	for pid := range r.groups {
		pids = append(pids, pid)
	}
	r.groups = make(map[int]struct{})
	r.mu.Unlock()

	var errs []error
	for _, pid := range pids {
		r.log.Info("killing leftover process group", zap.Int("pgid", pid))
		if err := killGroup(pid); err != nil {
			errs = append(errs, fmt.Errorf("kill group %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

func (r *ExecRunner) track(pid int) {
	r.mu.Lock()
	r.groups[pid] = struct{}{}
	r.mu.Unlock()
}

func (r *ExecRunner) untrack(pid int) {
	r.mu.Lock()
	delete(r.groups, pid)
	r.mu.Unlock()
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) Bytes() []byte {
	if !b.truncated {
		return b.buf.Bytes()
	}
	return append(b.buf.Bytes(), "\n[output truncated]\n"...)
}

var _ ProcessRunner = (*ExecRunner)(nil)
