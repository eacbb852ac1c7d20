package events

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printerwatch/internal/model"
)

func ev(id string, n int) model.Event {
	return model.Event{DeviceID: id, EventCount: n, FiredAt: time.Unix(int64(n), 0).UTC()}
}

func TestStoreRotatesAtLimit(t *testing.T) {
	s := NewStore(3)
	for i := 1; i <= 5; i++ {
		s.Add(ev("P1", i))
	}
	got := s.List(0)
	require.Len(t, got, 3)
	assert.Equal(t, 3, got[0].EventCount)
	assert.Equal(t, 5, got[2].EventCount)
	assert.Equal(t, uint64(5), s.Total())

	last := s.List(2)
	require.Len(t, last, 2)
	assert.Equal(t, 4, last[0].EventCount)
}

func TestStoreSince(t *testing.T) {
	s := NewStore(10)
	for i := 1; i <= 4; i++ {
		s.Add(ev("P1", i))
	}
	got := s.Since(time.Unix(3, 0))
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].EventCount)
}

func TestStoreListEmpty(t *testing.T) {
	got := NewStore(0).List(5)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestHubDeliversEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(ev("Printer01", 2))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    string `json:"type"`
		Payload struct {
			PrinterID string `json:"PrinterId"`
			Events    int    `json:"events"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, "Printer01", msg.Payload.PrinterID)
	assert.Equal(t, 2, msg.Payload.Events)
}

func TestHubBroadcastWithoutRunDoesNotBlock(t *testing.T) {
	hub := NewHub(nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Broadcast(ev("P1", i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked")
	}
}
