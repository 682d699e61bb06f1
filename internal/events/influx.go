package events

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// StepMeasurement is the InfluxDB measurement step points are written to.
const StepMeasurement = "episode_step"

// InfluxPublisher writes one point per step so reward curves can be charted.
type InfluxPublisher struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewInfluxPublisher(url, token, org, bucket string) *InfluxPublisher {
	client := influxdb2.NewClient(url, token)
	return &InfluxPublisher{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}
}

// StepPoint converts a step event to a line-protocol point.
func StepPoint(ev StepEvent) *write.Point {
	return influxdb2.NewPointWithMeasurement(StepMeasurement).
		AddTag("episode", ev.EpisodeID).
		AddTag("action", ev.Action).
		AddField("step", ev.Step).
		AddField("reward", ev.Reward).
		AddField("pass_rate", ev.PassRate).
		AddField("passed", ev.Passed).
		AddField("failed", ev.Failed).
		AddField("total", ev.Total).
		AddField("bugs_fixed", ev.BugsFixed).
		AddField("rejected", ev.Rejected).
		SetTime(ev.Timestamp)
}

func (p *InfluxPublisher) Publish(ctx context.Context, ev StepEvent) error {
	if err := p.writeAPI.WritePoint(ctx, StepPoint(ev)); err != nil {
		return fmt.Errorf("write step point: %w", err)
	}
	return nil
}

func (p *InfluxPublisher) Close() error {
	p.client.Close()
	return nil
}
