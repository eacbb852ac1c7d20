package ingest

import (
	"context"
	"log/slog"
	"time"

	"printerwatch/internal/logging"
	"printerwatch/internal/metrics"
	"printerwatch/internal/model"
)

// Source names, used in logs, metrics and dedupe keys.
const (
	SourceMQTT      = "mqtt"
	SourceKafka     = "kafka"
	SourceREST      = "rest"
	SourceTCPStream = "tcp_stream"
)

// Sink is where every source delivers validated observations.
type Sink struct {
	Out     chan<- model.Observation
	Metrics *metrics.Collectors
	Logger  *slog.Logger
}

func (s Sink) logger() *slog.Logger {
	return logging.OrDiscard(s.Logger)
}

// Reject accounts for a payload that failed validation.
func (s Sink) Reject(source string, err error) {
	s.Metrics.Observe(source, metrics.ResultInvalid, 0)
	s.logger().Warn("invalid observation", "source", source, "err", err)
}

// Send blocks until the observation is queued or ctx ends. Transports that
// acknowledge after the handler returns use it so a full queue applies
// backpressure instead of losing acknowledged messages.
func Send(ctx context.Context, out chan<- model.Observation, obs model.Observation) bool {
	select {
	case out <- obs:
		return true
	case <-ctx.Done():
		return false
	}
}

func SendNonBlocking(ctx context.Context, out chan<- model.Observation, obs model.Observation, logger *slog.Logger) bool {
	select {
	case out <- obs:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("observation channel full, dropping", "printer_id", obs.DeviceID, "source", obs.Source)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
