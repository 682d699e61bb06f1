package episode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/repairgym/internal/sandbox"
)

const gitTimeout = 60 * time.Second

// restoreWorkspace discards local modifications and untracked files.
func (e *Environment) restoreWorkspace(ctx context.Context) error {
	for _, args := range [][]string{
		{"checkout", "--", "."},
		{"clean", "-fd"},
	} {
		if err := e.runChecked(ctx, "git", args, gitTimeout, nil); err != nil {
			return fmt.Errorf("restore workspace: %w", err)
		}
	}
	return nil
}

// build runs the configured build command. The error carries the tool output
// so it can be reported to the agent.
func (e *Environment) build(ctx context.Context) error {
	argv := strings.Fields(e.cfg.BuildCommand)
	if len(argv) == 0 {
		return nil
	}
	return e.runChecked(ctx, argv[0], argv[1:], e.cfg.BuildTimeout, e.cfg.Tests.Env)
}

func (e *Environment) composePath() string {
	if e.cfg.ComposeFile == "" {
		return ""
	}
	p := e.cfg.ComposeFile
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.root, p)
	}
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

func (e *Environment) composeUp(ctx context.Context) error {
	file := e.composePath()
	if file == "" {
		return nil
	}
	if err := e.runChecked(ctx, "docker", []string{"compose", "-f", file, "up", "-d"}, e.cfg.BuildTimeout, nil); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	e.servicesUp = true
	e.log.Info("auxiliary services started", zap.String("compose_file", file))
	return nil
}

func (e *Environment) composeDown(ctx context.Context) error {
	if !e.servicesUp {
		return nil
	}
	file := e.composePath()
	e.servicesUp = false
	if file == "" {
		return nil
	}
	if err := e.runChecked(ctx, "docker", []string{"compose", "-f", file, "down", "-v"}, e.cfg.BuildTimeout, nil); err != nil {
		return fmt.Errorf("stop services: %w", err)
	}
	return nil
}

func (e *Environment) runChecked(ctx context.Context, name string, args []string, timeout time.Duration, env []string) error {
	res, err := e.proc.Run(ctx, sandbox.Command{
		Name:    name,
		Args:    args,
		Dir:     e.root,
		Env:     env,
		Timeout: timeout,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		out := strings.TrimSpace(string(res.Stderr))
		if out == "" {
			out = strings.TrimSpace(string(res.Stdout))
		}
		return fmt.Errorf("%s %s exited %d: %s", name, strings.Join(args, " "), res.ExitCode, out)
	}
	return nil
}
