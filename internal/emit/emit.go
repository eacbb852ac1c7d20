// Package emit replays recorded observations, or synthesises new ones, onto
// the inbound topic.
package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"printerwatch/internal/logging"
)

var ErrNoBroker = errors.New("no MQTT broker configured; pass --broker or use --dry-run")

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Options struct {
	Topic  string
	DryRun bool
	// Delay is the pause after each message.
	Delay  time.Duration
	Out    io.Writer
	Logger *slog.Logger
}

// LoadObservations reads a JSON array and returns its elements compacted.
// Elements are not validated; the detector decides what is acceptable.
func LoadObservations(path string) ([][]byte, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("JSON file not found: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON in %s: %w", path, err)
	}
	if _, ok := doc.([]any); !ok {
		return nil, fmt.Errorf("expected a JSON array (list) in %s", path)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("invalid JSON in %s: %w", path, err)
	}
	out := make([][]byte, 0, len(items))
	for _, item := range items {
		var buf bytes.Buffer
		if err := json.Compact(&buf, item); err != nil {
			return nil, fmt.Errorf("invalid JSON in %s: %w", path, err)
		}
		out = append(out, buf.Bytes())
	}
	return out, nil
}

// Replay publishes every element of the file at path in order. pub may be
// nil in dry-run mode. It returns how many messages were emitted.
func Replay(ctx context.Context, pub Publisher, path string, opts Options) (int, error) {
	items, err := LoadObservations(path)
	if err != nil {
		return 0, err
	}
	return emitAll(ctx, pub, items, opts)
}

type SimOptions struct {
	Options
	Device string
	Count  int
	Base   float64
	Spread float64
	// Rand defaults to a time-seeded source.
	Rand *rand.Rand
}

// Simulate publishes Count synthetic observations for Device with values
// drawn uniformly from Base±Spread.
func Simulate(ctx context.Context, pub Publisher, opts SimOptions) (int, error) {
	if opts.Device == "" {
		return 0, errors.New("simulation needs a device id")
	}
	if opts.Count < 1 {
		return 0, fmt.Errorf("simulation count must be >= 1, got %d", opts.Count)
	}
	rng := opts.Rand
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1))
	}
	items := make([][]byte, 0, opts.Count)
	for i := 0; i < opts.Count; i++ {
		v := opts.Base + (rng.Float64()*2-1)*opts.Spread
		v = math.Round(v*100) / 100
		payload, err := json.Marshal(simulated{PrinterID: opts.Device, Data: simulatedData{Value: v}})
		if err != nil {
			return 0, err
		}
		items = append(items, payload)
	}
	return emitAll(ctx, pub, items, opts.Options)
}

type simulated struct {
	PrinterID string        `json:"PrinterId"`
	Data      simulatedData `json:"data"`
}

type simulatedData struct {
	Value float64 `json:"value"`
}

func emitAll(ctx context.Context, pub Publisher, items [][]byte, opts Options) (int, error) {
	if !opts.DryRun && pub == nil {
		return 0, ErrNoBroker
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	logger := logging.OrDiscard(opts.Logger)
	sent := 0
	for _, item := range items {
		if opts.DryRun {
			fmt.Fprintf(out, "[dry-run] Emitted observation: %s\n", item)
		} else {
			if err := pub.Publish(ctx, opts.Topic, item); err != nil {
				return sent, fmt.Errorf("publish to %s: %w", opts.Topic, err)
			}
			fmt.Fprintf(out, "Emitted observation: %s\n", item)
			logger.Debug("observation emitted", "topic", opts.Topic, "bytes", len(item))
		}
		sent++
		if !pause(ctx, opts.Delay) {
			return sent, ctx.Err()
		}
	}
	return sent, nil
}

func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
