package events

import (
	"context"
	"encoding/json"
	"time"
)

// StepEvent is emitted once per episode step. It is also the transcript line
// format.
type StepEvent struct {
	EpisodeID     string    `json:"episode_id"`
	Step          int       `json:"step"`
	Action        string    `json:"action"`
	Path          string    `json:"path,omitempty"`
	Command       string    `json:"command,omitempty"`
	ContentDigest string    `json:"content_blake2b,omitempty"`
	Rejected      bool      `json:"rejected"`
	Success       bool      `json:"success"`
	Reward        float64   `json:"reward"`
	PassRate      float64   `json:"pass_rate"`
	Passed        int       `json:"passed"`
	Failed        int       `json:"failed"`
	Total         int       `json:"total"`
	BugsFixed     int       `json:"bugs_fixed"`
	Done          bool      `json:"done"`
	Truncated     bool      `json:"truncated"`
	Timestamp     time.Time `json:"timestamp"`
}

// Marshal encodes the event as a single JSON line without the newline.
func (e StepEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// EpisodeStarted describes a freshly reset episode.
type EpisodeStarted struct {
	EpisodeID  string
	WorkDir    string
	MaxSteps   int
	BuildError string
	StartedAt  time.Time
}

// EpisodeEnded summarises a finished or abandoned episode.
type EpisodeEnded struct {
	EpisodeID   string
	Steps       int
	FinalReward float64
	BugsFixed   int
	Solved      bool
	Truncated   bool
	EndedAt     time.Time
}

// Publisher delivers step events to an external sink.
type Publisher interface {
	Publish(ctx context.Context, ev StepEvent) error
	Close() error
}
