package events

import (
	"context"

	"github.com/keeperhq/cellar/pkg/log"
	"github.com/rs/zerolog"
)

// LogSink mirrors the broker's event stream into the structured log,
// giving operators one place to follow the lifecycle without attaching
// an external consumer.
type LogSink struct {
	broker *Broker
	logger zerolog.Logger
}

// NewLogSink creates a sink over the given broker
func NewLogSink(broker *Broker) *LogSink {
	return &LogSink{
		broker: broker,
		logger: log.WithComponent("events"),
	}
}

// Run forwards events until the context is cancelled
func (s *LogSink) Run(ctx context.Context) error {
	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return nil
			}
			s.record(event)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *LogSink) record(event *Event) {
	entry := s.logger.Info()
	switch event.Type {
	case EventSnapshotCreateFailed, EventJobFailed, EventPoolOffline:
		entry = s.logger.Warn()
	}
	entry = entry.Str("event", string(event.Type)).Time("at", event.Timestamp)
	if event.DatasetID != "" {
		entry = entry.Str("dataset_id", event.DatasetID)
	}
	if event.PoolID != "" {
		entry = entry.Str("pool_id", event.PoolID)
	}
	if event.JobID != "" {
		entry = entry.Str("job_id", event.JobID)
	}
	if event.Message != "" {
		entry = entry.Str("detail", event.Message)
	}
	entry.Msg("lifecycle event")
}
