package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/repairgym/internal/events"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestRebindDollar(t *testing.T) {
	assert.Equal(t, "SELECT * FROM steps WHERE episode_id = $1 AND step > $2",
		rebindDollar("SELECT * FROM steps WHERE episode_id = ? AND step > ?"))
	assert.Equal(t, "SELECT 1", rebindDollar("SELECT 1"))

	sqlite := &Store{dialect: dialectSQLite}
	assert.Equal(t, "id = ?", sqlite.rebind("id = ?"))
	pg := &Store{dialect: dialectPostgres}
	assert.Equal(t, "id = $1", pg.rebind("id = ?"))
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("should record an episode and its steps", func(t *testing.T) {
		s := openTestStore(t)
		require.NoError(t, s.BeginEpisode(ctx, events.EpisodeStarted{
			EpisodeID: "ep-1",
			WorkDir:   "/work",
			MaxSteps:  10,
			StartedAt: start,
		}))

		for i, reward := range []float64{0.1234567891, 0.5} {
			require.NoError(t, s.RecordStep(ctx, events.StepEvent{
				EpisodeID: "ep-1",
				Step:      i + 1,
				Action:    "edit",
				Path:      "src/lib.rs",
				Success:   true,
				Reward:    reward,
				PassRate:  0.75,
				Passed:    3,
				Failed:    1,
				Total:     4,
				BugsFixed: 2,
				Timestamp: start.Add(time.Duration(i+1) * time.Second),
			}))
		}

		steps, err := s.ListSteps(ctx, "ep-1")
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, 1, steps[0].Step)
		assert.Equal(t, 0.123457, steps[0].Reward)
		assert.Equal(t, 0.75, steps[0].PassRate)
		assert.True(t, steps[0].Success)
		assert.False(t, steps[0].Rejected)
		assert.Equal(t, "src/lib.rs", steps[0].Path)
		assert.Equal(t, start.Add(time.Second), steps[0].Timestamp)
		assert.Equal(t, 0.5, steps[1].Reward)

		require.NoError(t, s.EndEpisode(ctx, events.EpisodeEnded{
			EpisodeID:   "ep-1",
			Steps:       2,
			FinalReward: 0.5,
			BugsFixed:   2,
			Truncated:   true,
			EndedAt:     start.Add(time.Minute),
		}))

		ep, err := s.GetEpisode(ctx, "ep-1")
		require.NoError(t, err)
		assert.Equal(t, "/work", ep.WorkDir)
		assert.Equal(t, 2, ep.Steps)
		assert.Equal(t, 0.5, ep.FinalReward)
		assert.True(t, ep.Truncated)
		assert.False(t, ep.Solved)
		assert.Equal(t, start, ep.StartedAt)
		require.NotNil(t, ep.EndedAt)
		assert.Equal(t, start.Add(time.Minute), *ep.EndedAt)
	})

	t.Run("should leave an open episode without an end", func(t *testing.T) {
		s := openTestStore(t)
		require.NoError(t, s.BeginEpisode(ctx, events.EpisodeStarted{
			EpisodeID: "ep-2", WorkDir: "/w", MaxSteps: 5, BuildError: "boom", StartedAt: start,
		}))

		ep, err := s.GetEpisode(ctx, "ep-2")
		require.NoError(t, err)
		assert.Nil(t, ep.EndedAt)
		assert.Equal(t, "boom", ep.BuildError)
		assert.Zero(t, ep.FinalReward)
	})

	t.Run("should report unknown episodes", func(t *testing.T) {
		s := openTestStore(t)
		_, err := s.GetEpisode(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.EndEpisode(ctx, events.EpisodeEnded{EpisodeID: "missing", EndedAt: start})
		assert.ErrorIs(t, err, ErrNotFound)

		steps, err := s.ListSteps(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, steps)
	})

	t.Run("should reject a duplicate step", func(t *testing.T) {
		s := openTestStore(t)
		require.NoError(t, s.BeginEpisode(ctx, events.EpisodeStarted{EpisodeID: "ep-3", WorkDir: "/w", MaxSteps: 5, StartedAt: start}))
		ev := events.StepEvent{EpisodeID: "ep-3", Step: 1, Action: "run", Timestamp: start}
		require.NoError(t, s.RecordStep(ctx, ev))
		assert.Error(t, s.RecordStep(ctx, ev))
	})

	t.Run("should migrate idempotently", func(t *testing.T) {
		s := openTestStore(t)
		assert.NoError(t, s.Migrate(ctx))
	})
}
