package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/repairgym/internal/action"
	"github.com/terminal-bench/repairgym/pkg/pathutil"
)

var (
	ErrPathEscape        = pathutil.ErrPathEscape
	ErrCommandNotAllowed = errors.New("command not allowed")
	ErrEmptyCommand      = errors.New("empty command")
	ErrDangerousArgument = errors.New("dangerous argument blocked")
	ErrTimeout           = errors.New("command timed out")
	ErrTestSuiteEdit     = errors.New("editing the test suite is not allowed")
)

// DefaultAllowedCommands are the programs a Run action may start.
var DefaultAllowedCommands = []string{"cargo", "go", "cat", "ls", "grep", "find", "head", "tail", "wc"}

// DefaultRunTimeout bounds a Run action when Options leaves it unset.
const DefaultRunTimeout = 120 * time.Second

// dangerousArgs turn otherwise read-only tools into writers or launchers.
var dangerousArgs = map[string]bool{
	"-delete":   true,
	"-exec":     true,
	"-execdir":  true,
	"-ok":       true,
	"-okdir":    true,
	"-fprint":   true,
	"-fprint0":  true,
	"-fprintf":  true,
	"-fls":      true,
	"--delete":  true,
	"--output":  true,
	"--outfile": true,
}

// Output is what an executed action reports back to the agent.
type Output struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// Options configures an Executor.
type Options struct {
	AllowedCommands []string
	RunTimeout      time.Duration
	Env             []string
}

// Executor applies validated actions inside a sandbox root.
type Executor struct {
	root    string
	runner  ProcessRunner
	allowed map[string]bool
	timeout time.Duration
	env     []string
	log     *zap.Logger
}

// NewExecutor canonicalises root and returns an Executor confined to it.
func NewExecutor(root string, runner ProcessRunner, opts Options, log *zap.Logger) (*Executor, error) {
	canonical, err := pathutil.Canonical(root)
	if err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	allowed := opts.AllowedCommands
	if len(allowed) == 0 {
		allowed = DefaultAllowedCommands
	}
	timeout := opts.RunTimeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	e := &Executor{
		root:    canonical,
		runner:  runner,
		allowed: make(map[string]bool, len(allowed)),
		timeout: timeout,
		env:     opts.Env,
		log:     log,
	}
	for _, name := range allowed {
		e.allowed[strings.TrimSpace(name)] = true
	}
	return e, nil
}

// Root returns the canonical sandbox root.
func (e *Executor) Root() string { return e.root }

// Resolve maps a relative path to its canonical location inside the root.
func (e *Executor) Resolve(rel string) (string, error) {
	return pathutil.Resolve(e.root, rel)
}

// Execute performs a validated action. A non-nil error means the action had
// no effect on the tree; the error text is also carried in Output. A command
// that runs but exits non-zero is not an error.
func (e *Executor) Execute(ctx context.Context, a action.Action) (Output, error) {
	switch a := a.(type) {
	case action.Edit:
		if err := e.Edit(a.Path, a.Content); err != nil {
			return failed(err), err
		}
		return Output{Success: true, Output: fmt.Sprintf("wrote %d bytes to %s", len(a.Content), a.Path)}, nil
	case action.Read:
		content, err := e.Read(a.Path)
		if err != nil {
			return failed(err), err
		}
		return Output{Success: true, Output: content}, nil
	case action.Run:
		return e.Run(ctx, a.Command)
	default:
		err := fmt.Errorf("unsupported action %T", a)
		return failed(err), err
	}
}

// Edit writes content to rel, creating parent directories. The test-suite
// ban is applied again to the canonical target so a symlink cannot route an
// edit into tests/.
func (e *Executor) Edit(rel, content string) error {
	target, err := e.Resolve(rel)
	if err != nil {
		return err
	}
	if e.isTestTarget(target) {
		return ErrTestSuiteEdit
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", rel, err)
	}
	// re-check: MkdirAll may have followed a symlink created concurrently
	if again, err := e.Resolve(rel); err != nil || again != target {
		return ErrPathEscape
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

func (e *Executor) isTestTarget(target string) bool {
	rel, err := filepath.Rel(e.root, target)
	if err != nil {
		return true
	}
	return action.IsTestPath(filepath.ToSlash(rel))
}

// Read returns the full text of rel.
func (e *Executor) Read(rel string) (string, error) {
	target, err := e.Resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return string(data), nil
}

// Run tokenises command on whitespace and runs it in the root if the program
// is allow-listed. Success reflects the exit status.
func (e *Executor) Run(ctx context.Context, command string) (Output, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return failed(ErrEmptyCommand), ErrEmptyCommand
	}
	if !e.allowed[parts[0]] {
		err := fmt.Errorf("%w: %s", ErrCommandNotAllowed, parts[0])
		return failed(err), err
	}
	for _, arg := range parts[1:] {
		if dangerousArgs[arg] {
			err := fmt.Errorf("%w: %s", ErrDangerousArgument, arg)
			return failed(err), err
		}
	}

	res, err := e.runner.Run(ctx, Command{
		Name:    parts[0],
		Args:    parts[1:],
		Dir:     e.root,
		Env:     e.env,
		Timeout: e.timeout,
	})
	if err != nil {
		e.log.Warn("run action failed", zap.String("command", parts[0]), zap.Error(err))
		out := failed(err)
		if len(res.Stdout) > 0 {
			out.Output = string(res.Stdout) + "\n" + out.Output
		}
		return out, err
	}

	out := Output{Success: res.ExitCode == 0, Output: string(res.Stdout)}
	if !out.Success && len(res.Stderr) > 0 {
		out.Output += string(res.Stderr)
	}
	return out, nil
}

func failed(err error) Output {
	return Output{Success: false, Output: err.Error()}
}
