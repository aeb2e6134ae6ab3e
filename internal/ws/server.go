package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	ua "go.uber.org/atomic"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/steprun/orchestrator/internal/orchestrator"
)

const (
	defaultBuffer = 64
	writeTimeout  = 5 * time.Second
)

type client struct {
	id     string
	send   chan any
	jobID  *ua.String
	ctx    context.Context
	cancel context.CancelFunc
}

// Hub fans job events out to websocket clients. It implements
// orchestrator.Observer; a client that cannot keep up is disconnected
// instead of blocking the publisher.
type Hub struct {
	logger hclog.Logger
	buffer int

	clientsMu sync.RWMutex
	clients   map[string]*client
}

func NewHub(logger hclog.Logger) *Hub {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Hub{
		logger:  logger.Named("ws"),
		buffer:  defaultBuffer,
		clients: make(map[string]*client),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) JobEvent(ev orchestrator.Event) {
	if ev.Type == orchestrator.EventRejected {
		return
	}
	msg := JobMessage{
		Type:      string(ev.Type),
		JobID:     ev.JobID,
		Job:       ev.Job,
		Step:      ev.Step,
		Error:     ev.Err,
		Timestamp: ev.Time,
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for _, c := range h.clients {
		if f := c.jobID.Load(); f != "" && f != msg.JobID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("client too slow, disconnecting", "client_id", c.id)
			c.cancel()
		}
	}
}

func (h *Hub) HandleJobs(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept error", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "goodbye")

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{
		id:     uuid.NewString(),
		send:   make(chan any, h.buffer),
		jobID:  ua.NewString(r.URL.Query().Get("job_id")),
		ctx:    ctx,
		cancel: cancel,
	}
	h.add(c)
	defer h.remove(c)

	ack := AckMessage{
		Type:     "ack",
		ClientID: c.id,
		Message:  "subscribed to job updates",
	}
	if err := wsjson.Write(ctx, conn, ack); err != nil {
		h.logger.Debug("failed to send ack", "client_id", c.id, "error", err)
		return
	}

	go h.readLoop(c, conn)
	h.writeLoop(c, conn)
}

func (h *Hub) writeLoop(c *client, conn *websocket.Conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, msg)
			cancel()
			if err != nil {
				h.logger.Debug("write failed", "client_id", c.id, "error", err)
				c.cancel()
				return
			}
		}
	}
}

func (h *Hub) readLoop(c *client, conn *websocket.Conn) {
	defer c.cancel()
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && c.ctx.Err() == nil {
				h.logger.Debug("websocket read error", "client_id", c.id, "error", err)
			}
			return
		}

		var msg BaseMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("invalid message format", "client_id", c.id, "error", err)
			continue
		}

		switch msg.Type {
		case "subscribe":
			var sub SubscribeMessage
			if err := json.Unmarshal(data, &sub); err != nil {
				continue
			}
			c.jobID.Store(sub.JobID)
		case "heartbeat":
			select {
			case c.send <- HeartbeatMessage{Type: "heartbeat_ack", Timestamp: time.Now()}:
			default:
			}
		default:
			h.logger.Debug("unknown message type", "client_id", c.id, "type", msg.Type)
		}
	}
}

func (h *Hub) add(c *client) {
	h.clientsMu.Lock()
	h.clients[c.id] = c
	h.clientsMu.Unlock()
	h.logger.Debug("client connected", "client_id", c.id)
}

func (h *Hub) remove(c *client) {
	c.cancel()
	h.clientsMu.Lock()
	delete(h.clients, c.id)
	h.clientsMu.Unlock()
	h.logger.Debug("client disconnected", "client_id", c.id)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for _, c := range h.clients {
		c.cancel()
	}
}
