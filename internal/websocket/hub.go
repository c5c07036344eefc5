package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultBulkMaxEvents = 500
	defaultBulkMaxBytes  = 2 << 20
	heartbeatInterval    = 10 * time.Second
	clientSendBuffer     = 256
	writeWait            = 10 * time.Second
	pongWait             = 60 * time.Second
)

// Event is one message streamed to control-plane subscribers.
type Event struct {
	Time       string          `json:"time"`
	Event      string          `json:"event"`
	Level      string          `json:"level,omitempty"`
	Message    string          `json:"message,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	TargetPort int             `json:"target_port,omitempty"`
	Ephemeral  int             `json:"ephemeral_port,omitempty"`
	Session    string          `json:"session,omitempty"`
	InstanceID string          `json:"instance_id,omitempty"`
	Seq        int64           `json:"seq,omitempty"`
	StartedAt  string          `json:"started_at,omitempty"`
	UptimeSec  float64         `json:"uptime_sec,omitempty"`
	LastSeq    int64           `json:"last_seq,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Hub fans session events out to websocket subscribers and replays recent
// history to each new connection.
type Hub struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	register   chan *client
	unregister chan *client
	done       chan struct{}
	stopOnce   sync.Once

	ring          *EventRing
	bulkMaxEvents int
	bulkMaxBytes  int

	instanceID string
	startTime  time.Time
	seq        atomic.Int64

	upgrader websocket.Upgrader
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeMu sync.Mutex
	closed  bool
}

// NewHub builds a hub. Zero limits fall back to defaults.
func NewHub(logger zerolog.Logger, bufferSize, bulkMaxEvents, bulkMaxBytes int) *Hub {
	if bulkMaxEvents <= 0 {
		bulkMaxEvents = defaultBulkMaxEvents
	}
	if bulkMaxBytes <= 0 {
		bulkMaxBytes = defaultBulkMaxBytes
	}
	return &Hub{
		logger:        logger.With().Str("component", "hub").Logger(),
		clients:       make(map[*client]struct{}),
		register:      make(chan *client),
		unregister:    make(chan *client),
		done:          make(chan struct{}),
		ring:          NewEventRing(bufferSize),
		bulkMaxEvents: bulkMaxEvents,
		bulkMaxBytes:  bulkMaxBytes,
		instanceID:    uuid.NewString(),
		startTime:     time.Now().UTC(),
		upgrader: websocket.Upgrader{
			CheckOrigin: allowLocalOrigin,
		},
	}
}

// Run services registrations and heartbeats until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	h.emitHello()

	for {
		select {
		case <-ctx.Done():
			h.stopOnce.Do(func() { close(h.done) })
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				c.close()
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug().Str("client", c.id).Int("clients", n).Msg("websocket client connected")
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug().Str("client", c.id).Int("clients", n).Msg("websocket client disconnected")
		case <-ticker.C:
			h.emitHeartbeat()
		}
	}
}

// EmitJSON publishes a structured event. Event metadata fields found in
// payload are lifted onto the envelope.
func (h *Hub) EmitJSON(event string, payload any) {
	e := Event{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			h.logger.Warn().Err(err).Str("event", event).Msg("drop unencodable event payload")
			return
		}
		e.Payload = data
		liftFields(&e, data)
	}
	h.emit(e)
}

// BroadcastLog publishes one zerolog JSON line as a "log" event carrying the
// raw line as payload. Non-JSON lines become plain messages.
func (h *Hub) BroadcastLog(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		h.emit(Event{Event: "log", Level: "info", Message: line})
		return
	}
	e := Event{Event: "log", Payload: json.RawMessage(line)}
	if v, ok := fields[zerolog.LevelFieldName].(string); ok {
		e.Level = v
	}
	if v, ok := fields[zerolog.MessageFieldName].(string); ok {
		e.Message = v
	}
	if v, ok := fields[zerolog.TimestampFieldName].(string); ok {
		e.Time = v
	}
	liftFields(&e, []byte(line))
	h.emit(e)
}

func liftFields(e *Event, data []byte) {
	var meta struct {
		Kind       string `json:"kind"`
		TargetPort int    `json:"target_port"`
		Ephemeral  int    `json:"ephemeral_port"`
		Session    string `json:"session"`
		SessionID  string `json:"session_id"`
	}
	if json.Unmarshal(data, &meta) != nil {
		return
	}
	if e.Kind == "" {
		e.Kind = meta.Kind
	}
	if e.TargetPort == 0 {
		e.TargetPort = meta.TargetPort
	}
	if e.Ephemeral == 0 {
		e.Ephemeral = meta.Ephemeral
	}
	if e.Session == "" {
		e.Session = meta.Session
	}
	if e.Session == "" {
		e.Session = meta.SessionID
	}
}

func (h *Hub) emit(e Event) {
	if e.Time == "" {
		e.Time = time.Now().UTC().Format(time.RFC3339Nano)
	}
	e.InstanceID = h.instanceID
	e.Seq = h.seq.Add(1)
	h.ring.Add(e)

	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueue(data)
	}
}

// RecentEvents returns up to n buffered events, oldest first.
func (h *Hub) RecentEvents(n int) []Event {
	return h.ring.Tail(n)
}

// ClientCount reports connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) emitHello() {
	h.emit(Event{
		Event:     "hitch.hello",
		StartedAt: h.startTime.Format(time.RFC3339Nano),
	})
}

func (h *Hub) emitHeartbeat() {
	h.emit(Event{
		Event:     "hitch.heartbeat",
		StartedAt: h.startTime.Format(time.RFC3339Nano),
		UptimeSec: time.Since(h.startTime).Seconds(),
		LastSeq:   h.seq.Load(),
	})
}

// HandleWebSocket upgrades the request, sends buffered history as a single
// NDJSON text frame, then streams live events.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}

	bulk, n := encodeNDJSON(h.ring.Tail(h.bulkMaxEvents), h.bulkMaxBytes)
	if n > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, bulk); err != nil {
			h.logger.Debug().Err(err).Str("client", c.id).Msg("websocket history send failed")
			_ = conn.Close()
			return
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	case <-r.Context().Done():
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump(h)
}

func allowLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, prefix := range []string{"http://127.0.0.1", "http://localhost", "http://[::1]"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// enqueue queues data for the client, dropping the oldest queued message
// when the buffer is full. Sends after close are ignored.
func (c *client) enqueue(data []byte) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.send <- data:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

func (c *client) close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
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
	ping := time.NewTicker(pongWait * 9 / 10)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
