package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"printerwatch/internal/logging"
	"printerwatch/internal/metrics"
	"printerwatch/internal/model"
	"printerwatch/internal/retry"
)

// Publisher sends one payload to a topic and returns once the transport has
// acknowledged it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// KeyedPublisher is implemented by transports that can partition by key.
type KeyedPublisher interface {
	PublishKeyed(ctx context.Context, topic string, key, payload []byte) error
}

// Recorder keeps fired events for the read side.
type Recorder interface {
	Add(model.Event)
}

type Broadcaster interface {
	Broadcast(model.Event)
}

// Payload is the outbound wire format.
type Payload struct {
	PrinterID string `json:"PrinterId"`
	Events    int    `json:"events"`
}

func FormatPayload(ev model.Event) ([]byte, error) {
	return json.Marshal(Payload{PrinterID: ev.DeviceID, Events: ev.EventCount})
}

type Options struct {
	Topic       string
	Retries     int
	MinInterval time.Duration
	MaxInterval time.Duration
	Recorder    Recorder
	Hub         Broadcaster
	Metrics     *metrics.Collectors
	Logger      *slog.Logger
	Now         func() time.Time
}

// Dispatcher turns a firing into an outbound event.
type Dispatcher struct {
	pub      Publisher
	topic    string
	backoff  retry.Backoff
	recorder Recorder
	hub      Broadcaster
	metrics  *metrics.Collectors
	logger   *slog.Logger
	now      func() time.Time
}

func New(pub Publisher, opts Options) *Dispatcher {
	if opts.Topic == "" {
		opts.Topic = "anom/pred"
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := logging.OrDiscard(opts.Logger)
	return &Dispatcher{
		pub:   pub,
		topic: opts.Topic,
		backoff: retry.Backoff{
			Attempts: opts.Retries,
			Min:      opts.MinInterval,
			Max:      opts.MaxInterval,
			Logger:   logger,
		},
		recorder: opts.Recorder,
		hub:      opts.Hub,
		metrics:  opts.Metrics,
		logger:   logger,
		now:      opts.Now,
	}
}

func (d *Dispatcher) Topic() string {
	return d.topic
}

// Dispatch publishes the event for a firing. The event is recorded locally
// whether or not the publish succeeds; a publish that still fails after the
// configured retries comes back as a model.DispatchError.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID string, eventCount int) (model.Event, error) {
	ev := model.Event{DeviceID: deviceID, EventCount: eventCount, FiredAt: d.now().UTC()}
	if d.recorder != nil {
		d.recorder.Add(ev)
	}
	if d.hub != nil {
		d.hub.Broadcast(ev)
	}
	payload, err := FormatPayload(ev)
	if err != nil {
		return ev, model.DispatchError{DeviceID: deviceID, Err: err}
	}
	err = d.backoff.Do(ctx, "publish", func(ctx context.Context) (bool, error) {
		var err error
		if kp, ok := d.pub.(KeyedPublisher); ok {
			err = kp.PublishKeyed(ctx, d.topic, []byte(deviceID), payload)
		} else {
			err = d.pub.Publish(ctx, d.topic, payload)
		}
		return err != nil && !errors.Is(err, context.Canceled), err
	})
	if err != nil {
		d.metrics.DispatchFailed()
		d.logger.Error("event publish failed", "printer_id", deviceID, "event_count", eventCount, "topic", d.topic, "err", err)
		return ev, model.DispatchError{DeviceID: deviceID, Err: err}
	}
	d.logger.Info("event published", "printer_id", deviceID, "event_count", eventCount, "topic", d.topic)
	return ev, nil
}
