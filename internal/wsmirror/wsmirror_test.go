package wsmirror

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"herdctl/internal/eventbus"
	"herdctl/internal/logx"
	"herdctl/internal/model"
)

func TestHubMirrorsJobCreatedEventToConnectedClient(t *testing.T) {
	bus := eventbus.New(logx.New("test"))
	hub := New(bus, logx.New("test"))
	stop := hub.Subscribe()
	defer stop()

	server := httptest.NewServer(http.HandlerFunc(hub.Handler))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the connection a moment to register before publishing, since
	// registration happens in Handler's goroutine after the HTTP upgrade
	// completes.
	time.Sleep(20 * time.Millisecond)

	bus.PublishJobCreated(eventbus.JobCreatedPayload{Job: model.Job{ID: "job-1", Agent: "fleet.worker"}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, body, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(body, &frame))
	require.Equal(t, eventbus.TopicJobCreated, frame.Topic)

	var payload eventbus.JobCreatedPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	require.Equal(t, "job-1", payload.Job.ID)
}

func TestHubDropsFramesWhenClientQueueFull(t *testing.T) {
	bus := eventbus.New(logx.New("test"))
	hub := New(bus, logx.New("test"))

	server := httptest.NewServer(http.HandlerFunc(hub.Handler))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)

	// Flood well past sendQueueDepth without reading; enqueue must never
	// block the broadcaster, just drop once a client's queue is full.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < sendQueueDepth*4; i++ {
			hub.broadcast(Frame{Topic: "test:flood", Timestamp: time.Now()})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow client instead of dropping")
	}
}
