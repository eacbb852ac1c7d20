package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	msgs   []string
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.msgs = append(p.msgs, string(payload))
	return nil
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "observations.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const sample = `[
  {"PrinterId": "printer01", "data": {"value": 95}},
  {"PrinterId": "printer02", "data": {"value": 12}}
]`

func TestReplayDryRun(t *testing.T) {
	var out bytes.Buffer
	n, err := Replay(context.Background(), nil, writeFile(t, sample), Options{Topic: "anom/detect", DryRun: true, Out: &out})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t,
		"[dry-run] Emitted observation: {\"PrinterId\":\"printer01\",\"data\":{\"value\":95}}\n"+
			"[dry-run] Emitted observation: {\"PrinterId\":\"printer02\",\"data\":{\"value\":12}}\n",
		out.String())
}

func TestReplayPublishesInOrder(t *testing.T) {
	pub := &recordingPublisher{}
	n, err := Replay(context.Background(), pub, writeFile(t, sample), Options{Topic: "anom/detect"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"anom/detect", "anom/detect"}, pub.topics)
	assert.JSONEq(t, `{"PrinterId":"printer01","data":{"value":95}}`, pub.msgs[0])
	assert.JSONEq(t, `{"PrinterId":"printer02","data":{"value":12}}`, pub.msgs[1])
}

func TestReplayErrors(t *testing.T) {
	ctx := context.Background()

	_, err := Replay(ctx, nil, filepath.Join(t.TempDir(), "missing.json"), Options{DryRun: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JSON file not found")

	_, err = Replay(ctx, nil, writeFile(t, `[{"PrinterId":`), Options{DryRun: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")

	_, err = Replay(ctx, nil, writeFile(t, `{"PrinterId":"p"}`), Options{DryRun: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected a JSON array")

	_, err = Replay(ctx, nil, writeFile(t, sample), Options{})
	require.ErrorIs(t, err, ErrNoBroker)
}

func TestReplayStopsOnPublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("not connected")}
	n, err := Replay(context.Background(), pub, writeFile(t, sample), Options{Topic: "anom/detect"})
	require.Error(t, err)
	assert.Zero(t, n)
}

func TestReplayHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pub := &recordingPublisher{}
	n, err := Replay(ctx, pub, writeFile(t, sample), Options{Topic: "anom/detect"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
}

func TestSimulate(t *testing.T) {
	pub := &recordingPublisher{}
	n, err := Simulate(context.Background(), pub, SimOptions{
		Options: Options{Topic: "anom/detect"},
		Device:  "printer01",
		Count:   20,
		Base:    50,
		Spread:  10,
		Rand:    rand.New(rand.NewPCG(1, 2)),
	})
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	for _, msg := range pub.msgs {
		var obs struct {
			PrinterID string `json:"PrinterId"`
			Data      struct {
				Value float64 `json:"value"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(msg), &obs))
		assert.Equal(t, "printer01", obs.PrinterID)
		assert.GreaterOrEqual(t, obs.Data.Value, 40.0)
		assert.LessOrEqual(t, obs.Data.Value, 60.0)
	}
}

func TestSimulateValidates(t *testing.T) {
	_, err := Simulate(context.Background(), nil, SimOptions{Count: 1, Options: Options{DryRun: true}})
	require.Error(t, err)
	_, err = Simulate(context.Background(), nil, SimOptions{Device: "p", Options: Options{DryRun: true}})
	require.Error(t, err)

	var out bytes.Buffer
	n, err := Simulate(context.Background(), nil, SimOptions{
		Options: Options{DryRun: true, Out: &out},
		Device:  "p",
		Count:   3,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, strings.Count(out.String(), "[dry-run] Emitted observation: "))
}
