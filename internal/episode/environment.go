package episode

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/terminal-bench/repairgym/internal/action"
	"github.com/terminal-bench/repairgym/internal/catalog"
	"github.com/terminal-bench/repairgym/internal/events"
	"github.com/terminal-bench/repairgym/internal/metrics"
	"github.com/terminal-bench/repairgym/internal/reward"
	"github.com/terminal-bench/repairgym/internal/sandbox"
	"github.com/terminal-bench/repairgym/internal/testrun"
)

// ErrNotReset is returned by Step before the first Reset.
var ErrNotReset = errors.New("episode not reset")

const (
	DefaultMaxSteps     = 100
	DefaultBuildTimeout = 600 * time.Second

	// sinkTimeout bounds each call to a recorder, publisher or archiver.
	sinkTimeout = 10 * time.Second
)

// Config holds the constructor settings of an Environment.
type Config struct {
	WorkDir      string
	MaxSteps     int
	BuildCommand string
	BuildTimeout time.Duration
	ComposeFile  string
	Sandbox      sandbox.Options
	Tests        testrun.Options
}

// State is the per-episode state returned by Reset.
type State struct {
	EpisodeID string `json:"episode_id"`
	WorkDir   string `json:"work_dir"`
	reward.State
	BuildError string `json:"build_error,omitempty"`
}

// Observation is what the agent sees after a step.
type Observation struct {
	Output      sandbox.Output      `json:"output"`
	TestResults testrun.TestResults `json:"test_results"`
}

// Info carries diagnostics alongside the reward.
type Info struct {
	WorkDir            string            `json:"work_dir"`
	ElapsedTimeSeconds float64           `json:"elapsed_time_seconds"`
	TotalBugCount      int               `json:"total_bug_count"`
	StepCount          int               `json:"step_count"`
	MaxSteps           int               `json:"max_steps"`
	Truncated          bool              `json:"truncated"`
	BugsFixed          int               `json:"bugs_fixed"`
	EpisodeID          string            `json:"episode_id"`
	RewardBreakdown    *reward.Breakdown `json:"reward_breakdown,omitempty"`
	TestError          string            `json:"test_error,omitempty"`
	FilesChanged       []string          `json:"files_changed"`
}

// StepResult is the outcome of one Step.
type StepResult struct {
	Observation Observation `json:"observation"`
	Reward      float64     `json:"reward"`
	Done        bool        `json:"done"`
	Truncated   bool        `json:"truncated"`
	Info        Info        `json:"info"`
}

// Environment drives repair episodes against a sandboxed working tree. Calls
// are serialised; a Step never overlaps another Step or a Reset.
type Environment struct {
	cfg     Config
	root    string
	catalog *catalog.Catalog
	exec    *sandbox.Executor
	tests   *testrun.Runner
	engine  *reward.Engine
	proc    sandbox.ProcessRunner
	log     *zap.Logger

	recorder  Recorder
	publisher events.Publisher
	archiver  Archiver
	locker    Locker

	mu           sync.Mutex
	started      bool
	locked       bool
	servicesUp   bool
	state        State
	startTime    time.Time
	done         bool
	truncated    bool
	lastResults  testrun.TestResults
	lastReward   float64
	filesChanged []string
	transcript   []events.StepEvent
	archived     bool
}

// New builds an Environment rooted at cfg.WorkDir.
func New(cfg Config, cat *catalog.Catalog, proc sandbox.ProcessRunner, log *zap.Logger, opts ...Option) (*Environment, error) {
	if cat == nil {
		return nil, errors.New("catalog is required")
	}
	if proc == nil {
		return nil, errors.New("process runner is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = DefaultBuildTimeout
	}

	exec, err := sandbox.NewExecutor(cfg.WorkDir, proc, cfg.Sandbox, log.Named("sandbox"))
	if err != nil {
		return nil, err
	}
	tests, err := testrun.NewRunner(exec.Root(), proc, cfg.Tests, log.Named("testrun"))
	if err != nil {
		return nil, err
	}

	e := &Environment{
		cfg:         cfg,
		root:        exec.Root(),
		catalog:     cat,
		exec:        exec,
		tests:       tests,
		engine:      reward.NewEngine(cat),
		proc:        proc,
		log:         log,
		lastResults: testrun.Empty(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Catalog returns the bug catalog the environment scores against.
func (e *Environment) Catalog() *catalog.Catalog { return e.catalog }

// WorkDir returns the canonical sandbox root.
func (e *Environment) WorkDir() string { return e.root }

// Setup starts auxiliary services declared by the compose file, if any.
func (e *Environment) Setup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.composeUp(ctx)
}

// Reset ends any running episode, restores the working tree, rebuilds the
// project and starts a new episode. A failed build does not fail the reset;
// it is reported in State.BuildError.
func (e *Environment) Reset(ctx context.Context) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		e.finishEpisode(ctx)
	}
	e.started = false

	if e.locker != nil && !e.locked {
		if err := e.locker.Acquire(ctx); err != nil {
			return State{}, fmt.Errorf("acquire sandbox lock: %w", err)
		}
		e.locked = true
	}

	if err := e.proc.Quiesce(); err != nil {
		e.log.Warn("quiesce leftover processes", zap.Error(err))
	}
	if err := e.restoreWorkspace(ctx); err != nil {
		return State{}, err
	}

	var buildErr string
	if err := e.build(ctx); err != nil {
		buildErr = err.Error()
		e.log.Warn("build failed after reset", zap.Error(err))
	}

	e.state = State{
		EpisodeID:  uuid.NewString(),
		WorkDir:    e.root,
		State:      reward.State{MaxSteps: e.cfg.MaxSteps},
		BuildError: buildErr,
	}
	e.started = true
	e.startTime = time.Now()
	e.done = false
	e.truncated = false
	e.lastResults = testrun.Empty()
	e.lastReward = 0
	e.filesChanged = nil
	e.transcript = nil
	e.archived = false

	metrics.EpisodeStarted()
	metrics.SetBugsFixed(0)
	if e.recorder != nil {
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		err := e.recorder.BeginEpisode(sctx, events.EpisodeStarted{
			EpisodeID:  e.state.EpisodeID,
			WorkDir:    e.root,
			MaxSteps:   e.cfg.MaxSteps,
			BuildError: buildErr,
			StartedAt:  e.startTime,
		})
		cancel()
		if err != nil {
			e.log.Warn("record episode start", zap.Error(err))
		}
	}

	e.log.Info("episode reset",
		zap.String("episode", e.state.EpisodeID),
		zap.String("work_dir", e.root),
		zap.Int("max_steps", e.cfg.MaxSteps),
		zap.Bool("build_ok", buildErr == ""),
	)
	return e.snapshot(), nil
}

// State returns a copy of the current episode state.
func (e *Environment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot()
}

// Step applies one wire action. Rejections and execution failures are
// reported in the result, never as an error.
func (e *Environment) Step(ctx context.Context, wire string) (StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return StepResult{}, ErrNotReset
	}
	if e.done {
		return e.terminalResult(), nil
	}

	e.state.StepCount++
	ev := events.StepEvent{
		EpisodeID: e.state.EpisodeID,
		Step:      e.state.StepCount,
		Timestamp: time.Now(),
	}

	a, err := action.ParseAndValidate(wire)
	if err != nil {
		kind := ""
		if a != nil {
			kind = string(a.Kind())
		}
		ev.Action, ev.Rejected = kind, true
		metrics.RecordRejection(kind)
		e.log.Debug("action rejected",
			zap.String("episode", e.state.EpisodeID),
			zap.Int("step", e.state.StepCount),
			zap.Error(err),
		)
		return e.earlyResult(ctx, ev, sandbox.Output{Success: false, Output: err.Error()}), nil
	}
	describe(&ev, a)

	out, err := e.exec.Execute(ctx, a)
	if err != nil {
		metrics.RecordStep(ev.Action, metrics.OutcomeFailed, 0)
		e.log.Info("action failed",
			zap.String("episode", e.state.EpisodeID),
			zap.Int("step", e.state.StepCount),
			zap.String("action", ev.Action),
			zap.Error(err),
		)
		return e.earlyResult(ctx, ev, out), nil
	}

	var (
		results testrun.TestResults
		testErr error
	)
	if edit, ok := a.(action.Edit); ok {
		e.trackFile(edit.Path)
		suites := e.catalog.Router().Route(edit.Path)
		if len(suites) > 0 {
			results, testErr = e.tests.RunTargeted(ctx, suites)
		} else {
			results, testErr = e.tests.RunFull(ctx)
		}
	} else {
		results, testErr = e.tests.RunFull(ctx)
	}
	if testErr != nil {
		// a killed or unstartable run yields partial output; it is not scored
		metrics.RecordStep(ev.Action, metrics.OutcomeFailed, 0)
		e.log.Warn("test run failed",
			zap.String("episode", e.state.EpisodeID),
			zap.Int("step", e.state.StepCount),
			zap.Int("partial_passed", results.Passed),
			zap.Error(testErr),
		)
		out.Success = false
		if out.Output != "" {
			out.Output += "\n"
		}
		out.Output += "test run failed: " + testErr.Error()
		res := e.earlyResult(ctx, ev, out)
		res.Info.TestError = testErr.Error()
		return res, nil
	}

	breakdown := e.engine.Calculate(results, &e.state.State)
	done := results.AllPassed || e.state.StepCount >= e.state.MaxSteps
	truncated := e.state.StepCount >= e.state.MaxSteps && !results.AllPassed

	e.state.PreviousPassing = append([]string(nil), results.PassedTests...)
	e.lastResults = results
	e.lastReward = breakdown.Total
	e.done, e.truncated = done, truncated

	passed := catalog.NewPassSet(results.PassedTests)
	bugsFixed := e.catalog.FixedCount(passed)

	res := StepResult{
		Observation: Observation{Output: out, TestResults: results},
		Reward:      breakdown.Total,
		Done:        done,
		Truncated:   truncated,
		Info:        e.info(bugsFixed),
	}
	res.Info.RewardBreakdown = &breakdown

	ev.Success = out.Success
	ev.Reward = breakdown.Total
	ev.PassRate = breakdown.PassRate
	ev.Passed, ev.Failed, ev.Total = results.Passed, results.Failed, results.Total
	ev.BugsFixed = bugsFixed
	ev.Done, ev.Truncated = done, truncated
	e.emit(ctx, ev)

	metrics.RecordStep(ev.Action, metrics.OutcomeOK, breakdown.Total)
	metrics.SetBugsFixed(bugsFixed)
	e.log.Info("step",
		zap.String("episode", e.state.EpisodeID),
		zap.Int("step", e.state.StepCount),
		zap.String("action", ev.Action),
		zap.Float64("reward", breakdown.Total),
		zap.Int("passed", results.Passed),
		zap.Int("total", results.Total),
		zap.Int("bugs_fixed", bugsFixed),
		zap.Bool("done", done),
	)

	if done {
		e.finishEpisode(ctx)
	}
	return res, nil
}

// Close ends the episode, stops auxiliary services and releases the sandbox.
func (e *Environment) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		e.finishEpisode(ctx)
	}

	var errs []error
	if err := e.proc.Quiesce(); err != nil {
		errs = append(errs, err)
	}
	if err := e.composeDown(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.locker != nil && e.locked {
		if err := e.locker.Release(ctx); err != nil {
			errs = append(errs, fmt.Errorf("release sandbox lock: %w", err))
		}
		e.locked = false
	}
	return errors.Join(errs...)
}

// earlyResult answers a step that is not scored.
func (e *Environment) earlyResult(ctx context.Context, ev events.StepEvent, out sandbox.Output) StepResult {
	ev.Success = false
	e.emit(ctx, ev)

	passed := catalog.NewPassSet(e.lastResults.PassedTests)
	return StepResult{
		Observation: Observation{Output: out, TestResults: testrun.Empty()},
		Reward:      0.0,
		Done:        false,
		Truncated:   false,
		Info:        e.info(e.catalog.FixedCount(passed)),
	}
}

func (e *Environment) terminalResult() StepResult {
	passed := catalog.NewPassSet(e.lastResults.PassedTests)
	return StepResult{
		Observation: Observation{
			Output:      sandbox.Output{Success: false, Output: "episode has ended"},
			TestResults: e.lastResults,
		},
		Reward:    0.0,
		Done:      true,
		Truncated: e.truncated,
		Info:      e.info(e.catalog.FixedCount(passed)),
	}
}

func (e *Environment) info(bugsFixed int) Info {
	return Info{
		WorkDir:            e.root,
		ElapsedTimeSeconds: time.Since(e.startTime).Seconds(),
		TotalBugCount:      e.catalog.Total(),
		StepCount:          e.state.StepCount,
		MaxSteps:           e.state.MaxSteps,
		Truncated:          e.truncated,
		BugsFixed:          bugsFixed,
		EpisodeID:          e.state.EpisodeID,
		FilesChanged:       append([]string{}, e.filesChanged...),
	}
}

func (e *Environment) snapshot() State {
	s := e.state
	s.PreviousPassing = append([]string(nil), e.state.PreviousPassing...)
	return s
}

func (e *Environment) trackFile(path string) {
	for _, f := range e.filesChanged {
		if f == path {
			return
		}
	}
	e.filesChanged = append(e.filesChanged, path)
}

// emit appends ev to the transcript and forwards it to the sinks. Sink
// failures are logged and never fail the step.
func (e *Environment) emit(ctx context.Context, ev events.StepEvent) {
	e.transcript = append(e.transcript, ev)

	if e.recorder != nil {
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		if err := e.recorder.RecordStep(sctx, ev); err != nil {
			e.log.Warn("record step", zap.Error(err))
		}
		cancel()
	}
	if e.publisher != nil {
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		if err := e.publisher.Publish(sctx, ev); err != nil {
			e.log.Warn("publish step", zap.Error(err))
		}
		cancel()
	}
}

// finishEpisode records the end of the current episode and archives its
// transcript once. Episodes without steps are not archived.
func (e *Environment) finishEpisode(ctx context.Context) {
	if e.archived {
		return
	}
	e.archived = true

	passed := catalog.NewPassSet(e.lastResults.PassedTests)
	if e.recorder != nil {
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		err := e.recorder.EndEpisode(sctx, events.EpisodeEnded{
			EpisodeID:   e.state.EpisodeID,
			Steps:       e.state.StepCount,
			FinalReward: e.lastReward,
			BugsFixed:   e.catalog.FixedCount(passed),
			Solved:      e.lastResults.AllPassed,
			Truncated:   e.truncated,
			EndedAt:     time.Now(),
		})
		cancel()
		if err != nil {
			e.log.Warn("record episode end", zap.Error(err))
		}
	}

	if e.archiver != nil && len(e.transcript) > 0 {
		body, err := encodeTranscript(e.transcript)
		if err != nil {
			e.log.Warn("encode transcript", zap.Error(err))
			return
		}
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		err = e.archiver.Archive(sctx, e.state.EpisodeID, body)
		cancel()
		if err != nil {
			e.log.Warn("archive transcript", zap.String("episode", e.state.EpisodeID), zap.Error(err))
		}
	}
}

// Transcript returns the JSON-lines transcript of the current episode.
func (e *Environment) Transcript() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return encodeTranscript(e.transcript)
}

func encodeTranscript(lines []events.StepEvent) ([]byte, error) {
	var buf bytes.Buffer
	for _, ev := range lines {
		b, err := ev.Marshal()
		if err != nil {
			return nil, fmt.Errorf("encode step %d: %w", ev.Step, err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// describe fills the action fields of ev. Edit content is kept only as a
// digest.
func describe(ev *events.StepEvent, a action.Action) {
	ev.Action = string(a.Kind())
	switch a := a.(type) {
	case action.Edit:
		ev.Path = a.Path
		sum := blake2b.Sum256([]byte(a.Content))
		ev.ContentDigest = hex.EncodeToString(sum[:])
	case action.Read:
		ev.Path = a.Path
	case action.Run:
		ev.Command = a.Command
	}
}
