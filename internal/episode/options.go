package episode

import (
	"context"

	"github.com/terminal-bench/repairgym/internal/events"
)

// Recorder persists episode history.
type Recorder interface {
	BeginEpisode(ctx context.Context, ep events.EpisodeStarted) error
	RecordStep(ctx context.Context, ev events.StepEvent) error
	EndEpisode(ctx context.Context, ep events.EpisodeEnded) error
}

// Archiver stores a finished episode transcript.
type Archiver interface {
	Archive(ctx context.Context, episodeID string, transcript []byte) error
}

// Locker guards the sandbox against a second harness process.
type Locker interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// Option configures optional collaborators of an Environment.
type Option func(*Environment)

func WithRecorder(r Recorder) Option {
	return func(e *Environment) { e.recorder = r }
}

func WithPublisher(p events.Publisher) Option {
	return func(e *Environment) { e.publisher = p }
}

func WithArchiver(a Archiver) Option {
	return func(e *Environment) { e.archiver = a }
}

func WithLocker(l Locker) Option {
	return func(e *Environment) { e.locker = l }
}
