package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"printerwatch/internal/config"
	"printerwatch/internal/normalize"
)

// StartKafka consumes observations from a consumer group. Offsets are
// committed only after the observation is queued, and every message is keyed
// by topic/partition/offset so a redelivery after a rebalance is recognised.
func StartKafka(ctx context.Context, cfg *config.Manager, sink Sink) {
	logger := sink.logger()
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		logger.Info("kafka ingest disabled")
		return
	}
	logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("kafka read error", "err", err)
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			obs, err := normalize.ParseObservation(m.Value)
			if err != nil {
				sink.Reject(SourceKafka, err)
			} else {
				obs.Source = SourceKafka
				obs.MessageKey = MessageKey(m)
				// offsets are unique, so any repeat of a key is a redelivery
				obs.Redelivered = true
				if !Send(ctx, sink.Out, obs) {
					return
				}
			}
			if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
				logger.Warn("kafka commit error", "err", err, "offset", m.Offset)
			}
		}
	}()
}

func MessageKey(m kafka.Message) string {
	return fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
}
