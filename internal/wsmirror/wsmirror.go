// Package wsmirror is the network-boundary adapter named in SPEC_FULL.md
// §6/§11: the in-process event bus is transport-agnostic, this package is
// the concrete WebSocket frame codec an embedder wires in to mirror §4.8's
// event table out to a dashboard.
package wsmirror

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"herdctl/internal/eventbus"
	"herdctl/internal/logx"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueDepth = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Frame is the wire shape of one mirrored event: a topic name (matching
// eventbus's Topic constants) plus its JSON-encoded payload.
type Frame struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Hub upgrades incoming HTTP connections to WebSocket and fans every bus
// event out to every connected client.
type Hub struct {
	bus *eventbus.Bus
	log *logx.Logger

	mu      sync.Mutex
	clients map[*client]bool

	stopSubs func()
}

// New constructs a Hub bound to bus. Call Subscribe to start mirroring and
// serve Handler as the WebSocket endpoint.
func New(bus *eventbus.Bus, log *logx.Logger) *Hub {
	return &Hub{
		bus:     bus,
		log:     log.With("wsmirror"),
		clients: make(map[*client]bool),
	}
}

// Subscribe starts one goroutine per bus topic, converting each payload to
// a Frame and broadcasting it to every connected client. Call the returned
// stop function during fleet shutdown.
func (h *Hub) Subscribe() (stop func()) {
	fleetStatus := h.bus.SubscribeFleetStatus()
	agentUpdated := h.bus.SubscribeAgentUpdated()
	scheduleTriggered := h.bus.SubscribeScheduleTriggered()
	jobCreated := h.bus.SubscribeJobCreated()
	jobOutput := h.bus.SubscribeJobOutput()
	jobCompleted := h.bus.SubscribeJobCompleted()
	jobFailed := h.bus.SubscribeJobFailed()
	jobCancelled := h.bus.SubscribeJobCancelled()

	go forward(h, eventbus.TopicFleetStatus, fleetStatus.Events())
	go forward(h, eventbus.TopicAgentUpdated, agentUpdated.Events())
	go forward(h, eventbus.TopicScheduleTriggered, scheduleTriggered.Events())
	go forward(h, eventbus.TopicJobCreated, jobCreated.Events())
	go forward(h, eventbus.TopicJobOutput, jobOutput.Events())
	go forward(h, eventbus.TopicJobCompleted, jobCompleted.Events())
	go forward(h, eventbus.TopicJobFailed, jobFailed.Events())
	go forward(h, eventbus.TopicJobCancelled, jobCancelled.Events())

	return func() {
		fleetStatus.Unsubscribe()
		agentUpdated.Unsubscribe()
		scheduleTriggered.Unsubscribe()
		jobCreated.Unsubscribe()
		jobOutput.Unsubscribe()
		jobCompleted.Unsubscribe()
		jobFailed.Unsubscribe()
		jobCancelled.Unsubscribe()
		h.closeAllClients()
	}
}

func forward[T any](h *Hub, topic string, events <-chan T) {
	for payload := range events {
		body, err := json.Marshal(payload)
		if err != nil {
			h.log.Error("marshal %s payload: %v", topic, err)
			continue
		}
		h.broadcast(Frame{Topic: topic, Payload: body, Timestamp: time.Now()})
	}
}

func (h *Hub) broadcast(frame Frame) {
	body, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("marshal frame: %v", err)
		return
	}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.enqueue(body)
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Handler upgrades the request to a WebSocket connection and streams every
// mirrored bus event to it until the client disconnects.
func (h *Hub) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, hub: h, send: make(chan []byte, sendQueueDepth)}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

// client wraps one upgraded connection; readPump only watches for the
// client closing the socket (the mirror is one-directional), writePump
// drains send and keeps the connection alive with pings.
type client struct {
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

func (c *client) enqueue(body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- body:
	default:
		// slow consumer: drop rather than block the broadcaster.
	}
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.hub.unregister(c)
		c.close()
	}()

	for {
		select {
		case body, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
