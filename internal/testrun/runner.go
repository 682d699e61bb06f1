package testrun

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/repairgym/internal/metrics"
	"github.com/terminal-bench/repairgym/internal/sandbox"
)

// SuitesPlaceholder marks where suite arguments go in the targeted command.
const SuitesPlaceholder = "{suites}"

// Run modes, also used as metric labels.
const (
	ModeFull     = "full"
	ModeTargeted = "targeted"
)

const (
	DefaultFullCommand     = "cargo test --no-fail-fast -- -Z unstable-options --format json"
	DefaultTargetedCommand = "cargo test --no-fail-fast {suites} -- -Z unstable-options --format json"
	DefaultSuiteFlag       = "--test"
	DefaultTimeout         = 300 * time.Second
)

// Options configures a Runner. Empty fields take the cargo defaults.
type Options struct {
	FullCommand     string
	TargetedCommand string
	SuiteFlag       *string // nil means DefaultSuiteFlag; "" passes bare suite names
	Dialect         Dialect
	Env             []string
	Timeout         time.Duration
}

// Runner invokes the external test tool and parses its event stream.
type Runner struct {
	dir      string
	proc     sandbox.ProcessRunner
	full     []string
	targeted []string
	flag     string
	dialect  Dialect
	env      []string
	timeout  time.Duration
	log      *zap.Logger
}

// NewRunner creates a Runner that executes in dir.
func NewRunner(dir string, proc sandbox.ProcessRunner, opts Options, log *zap.Logger) (*Runner, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{
		dir:     dir,
		proc:    proc,
		flag:    DefaultSuiteFlag,
		dialect: opts.Dialect,
		env:     opts.Env,
		timeout: opts.Timeout,
		log:     log,
	}
	if opts.SuiteFlag != nil {
		r.flag = *opts.SuiteFlag
	}
	if r.dialect == "" {
		r.dialect = DialectLibtest
	}
	if r.dialect != DialectLibtest && r.dialect != DialectGoTest {
		return nil, fmt.Errorf("unknown test format %q", r.dialect)
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}

	full, targeted := opts.FullCommand, opts.TargetedCommand
	if full == "" {
		full = DefaultFullCommand
	}
	if targeted == "" {
		targeted = DefaultTargetedCommand
	}
	r.full = strings.Fields(full)
	r.targeted = strings.Fields(targeted)
	if len(r.full) == 0 || len(r.targeted) == 0 {
		return nil, fmt.Errorf("test command is empty")
	}
	return r, nil
}

// RunFull runs the whole suite. The returned error reports a tool failure
// (start error or timeout); failing tests are not an error. Results parsed
// from any output produced before the failure are still returned.
func (r *Runner) RunFull(ctx context.Context) (TestResults, error) {
	return r.run(ctx, ModeFull, r.full)
}

// RunTargeted runs only the named suites. With no suites it runs the whole
// suite.
func (r *Runner) RunTargeted(ctx context.Context, suites []string) (TestResults, error) {
	if len(suites) == 0 {
		return r.RunFull(ctx)
	}
	return r.run(ctx, ModeTargeted, r.TargetedArgs(suites))
}

// TargetedArgs expands the placeholder into one flag/suite pair per suite,
// or appends them when the command has no placeholder.
func (r *Runner) TargetedArgs(suites []string) []string {
	var expansion []string
	for _, s := range suites {
		if r.flag != "" {
			expansion = append(expansion, r.flag)
		}
		expansion = append(expansion, s)
	}

	out := make([]string, 0, len(r.targeted)+len(expansion))
	replaced := false
	for _, tok := range r.targeted {
		if tok == SuitesPlaceholder {
			out = append(out, expansion...)
			replaced = true
			continue
		}
		out = append(out, tok)
	}
	if !replaced {
		out = append(out, expansion...)
	}
	return out
}

func (r *Runner) run(ctx context.Context, mode string, argv []string) (TestResults, error) {
	start := time.Now()
	res, err := r.proc.Run(ctx, sandbox.Command{
		Name:    argv[0],
		Args:    argv[1:],
		Dir:     r.dir,
		Env:     r.env,
		Timeout: r.timeout,
	})
	metrics.ObserveTestRun(mode, time.Since(start))

	results := Parse(string(res.Stdout), r.dialect)
	r.log.Debug("test run finished",
		zap.String("mode", mode),
		zap.Strings("argv", argv),
		zap.Int("exit_code", res.ExitCode),
		zap.Int("total", results.Total),
		zap.Int("passed", results.Passed),
		zap.Int("failed", results.Failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	if err != nil {
		return results, fmt.Errorf("%s test run: %w", mode, err)
	}
	return results, nil
}
