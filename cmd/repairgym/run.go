package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/terminal-bench/repairgym/internal/episode"
)

var actionsFile string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Play a recorded action script as one episode",
	Long: `run resets the sandbox and applies one action per line of the script.
Each line is a JSON string holding a wire action, for example
"EDIT:src/lib.rs\nfn main() {}". Every step result is printed as a JSON line.
Playback stops when the episode is done.`,
	Args: cobra.NoArgs,
	RunE: runActions,
}

func init() {
	runCmd.Flags().StringVar(&actionsFile, "actions", "", "JSON-lines action script (- for stdin)")
	runCmd.MarkFlagRequired("actions")
}

func runActions(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	actions, err := openActions(actionsFile)
	if err != nil {
		return err
	}
	wires, err := readActions(actions)
	actions.Close()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	env, svc, err := newEnvironment(ctx, cfg, false, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn("close services", zap.Error(err))
		}
	}()

	playErr := play(ctx, env, wires, cmd.OutOrStdout())
	if err := env.Close(context.WithoutCancel(ctx)); err != nil {
		log.Warn("close environment", zap.Error(err))
	}
	return playErr
}

// stepper is the part of the environment play drives.
type stepper interface {
	Reset(ctx context.Context) (episode.State, error)
	Step(ctx context.Context, wire string) (episode.StepResult, error)
}

func play(ctx context.Context, env stepper, wires []string, out io.Writer) error {
	state, err := env.Reset(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	if err := enc.Encode(state); err != nil {
		return err
	}

	for _, wire := range wires {
		res, err := env.Step(ctx, wire)
		if err != nil {
			return err
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
		if res.Done {
			break
		}
	}
	return nil
}

func openActions(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open action script: %w", err)
	}
	return f, nil
}

// readActions decodes one JSON string per non-blank line.
func readActions(r io.Reader) ([]string, error) {
	var wires []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var wire string
		if err := json.Unmarshal([]byte(text), &wire); err != nil {
			return nil, fmt.Errorf("action script line %d: %w", line, err)
		}
		wires = append(wires, wire)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read action script: %w", err)
	}
	return wires, nil
}
