package ingest

import (
	"context"
	"strconv"

	"printerwatch/internal/config"
	"printerwatch/internal/model"
	"printerwatch/internal/mqtt"
	"printerwatch/internal/normalize"
)

// Subscriber is the part of the MQTT client ingestion needs.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, h mqtt.Handler) error
}

// StartMQTT subscribes to the inbound topic. The handler blocks while the
// queue is full; paho acknowledges QoS 1 messages once it returns.
func StartMQTT(ctx context.Context, cfg *config.Manager, sub Subscriber, sink Sink) error {
	logger := sink.logger()
	current := cfg.Get().Ingest.MQTT
	if !current.Enabled {
		logger.Info("mqtt ingest disabled")
		return nil
	}
	if err := sub.Subscribe(ctx, current.Topic, func(m mqtt.Message) {
		obs, err := FromMQTT(m)
		if err != nil {
			sink.Reject(SourceMQTT, err)
			return
		}
		Send(ctx, sink.Out, obs)
	}); err != nil {
		return err
	}
	logger.Info("mqtt ingest enabled", "topic", current.Topic)
	return nil
}

// FromMQTT validates a message. Packet ids are reused by the broker, so the
// key only marks a repeat when the broker set the duplicate flag.
func FromMQTT(m mqtt.Message) (model.Observation, error) {
	obs, err := normalize.ParseObservation(m.Payload)
	if err != nil {
		return obs, err
	}
	obs.Source = SourceMQTT
	if m.MessageID != 0 {
		obs.MessageKey = m.Topic + "/" + strconv.Itoa(int(m.MessageID))
		obs.Redelivered = m.Duplicate
	}
	return obs, nil
}
