package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printerwatch/internal/config"
	"printerwatch/internal/events"
	"printerwatch/internal/metrics"
	"printerwatch/internal/model"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestDispatcher(pub Publisher, rec Recorder) *Dispatcher {
	return New(pub, Options{
		Retries:     3,
		MinInterval: time.Millisecond,
		MaxInterval: time.Millisecond,
		Recorder:    rec,
		Metrics:     metrics.New(),
		Now:         func() time.Time { return fixedNow },
	})
}

func TestFormatPayload(t *testing.T) {
	data, err := FormatPayload(model.Event{DeviceID: "Printer01", EventCount: 3, FiredAt: fixedNow})
	require.NoError(t, err)
	assert.JSONEq(t, `{"PrinterId":"Printer01","events":3}`, string(data))
}

func TestDispatchPublishesToDefaultTopic(t *testing.T) {
	pub := NewFakePublisher()
	store := events.NewStore(10)
	d := newTestDispatcher(pub, store)

	ev, err := d.Dispatch(context.Background(), "Printer01", 1)
	require.NoError(t, err)
	assert.Equal(t, fixedNow, ev.FiredAt)

	sent := pub.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "anom/pred", sent[0].Topic)
	assert.JSONEq(t, `{"PrinterId":"Printer01","events":1}`, string(sent[0].Payload))
	assert.Len(t, store.List(0), 1)
}

func TestDispatchRetriesTransientFailure(t *testing.T) {
	pub := NewFakePublisher()
	pub.FailTimes = 2
	d := newTestDispatcher(pub, nil)

	_, err := d.Dispatch(context.Background(), "Printer01", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, pub.Calls())
	assert.Len(t, pub.Sent(), 1)
}

func TestDispatchFailureIsTyped(t *testing.T) {
	boom := errors.New("broker down")
	pub := NewFakePublisher()
	pub.Err = boom
	store := events.NewStore(10)
	d := newTestDispatcher(pub, store)

	_, err := d.Dispatch(context.Background(), "Printer01", 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrDispatch)
	assert.ErrorIs(t, err, boom)

	var de model.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "Printer01", de.DeviceID)
	assert.Equal(t, 3, pub.Calls())
	assert.Len(t, store.List(0), 1, "event is recorded even when publish fails")
}

type keyed struct {
	FakePublisher
	keys []string
}

func (k *keyed) PublishKeyed(ctx context.Context, topic string, key, payload []byte) error {
	k.keys = append(k.keys, string(key))
	return k.Publish(ctx, topic, payload)
}

func TestDispatchUsesKeyWhenSupported(t *testing.T) {
	pub := &keyed{}
	d := newTestDispatcher(pub, nil)
	_, err := d.Dispatch(context.Background(), "Printer07", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Printer07"}, pub.keys)
}

func TestLogPublisher(t *testing.T) {
	require.NoError(t, NewLogPublisher(nil).Publish(context.Background(), "anom/pred", []byte(`{}`)))
}

func TestKafkaPublisherNeedsBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(config.KafkaConfig{})
	require.Error(t, err)
}
