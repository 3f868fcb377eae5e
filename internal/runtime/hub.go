package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-deck/internal/eventbus"
	"github.com/loqalabs/loqa-deck/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 4096
	clientBuffer   = 64
	commandTimeout = 10 * time.Second
)

// Frame types exchanged with browser clients.
const (
	frameEvent   = "event"
	frameControl = "control"
	frameReply   = "reply"
)

type wsFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Command   string `json:"command,omitempty"`
	Index     int    `json:"index,omitempty"`
}

type replyFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	protocol.ControlReply
}

type commander interface {
	command(ctx context.Context, name string, index int) error
	currentIndex() int
}

// hub fans course events out to websocket clients and accepts control frames
// from them. Events arrive on the engine goroutine, so broadcast never blocks:
// a client whose buffer is full is dropped.
type hub struct {
	ctl      commander
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	unsub   func()
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub(ctl commander, log *slog.Logger) *hub {
	return &hub{
		ctl:     ctl,
		log:     log.With(slog.String("component", "hub")),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *hub) attach(bus *eventbus.Bus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsub = bus.SubscribeAll(h.broadcast)
}

func (h *hub) broadcast(evt eventbus.Event) error {
	data, err := json.Marshal(wsFrame{Type: frameEvent, Name: evt.Name, Payload: evt.Payload})
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("dropping slow websocket client", slog.String("remote", c.conn.RemoteAddr().String()))
			h.removeLocked(c)
		}
	}
	return nil
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unsub != nil {
		h.unsub()
		h.unsub = nil
	}
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *hub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

func (h *hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame wsFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		if frame.Type != frameControl {
			h.reply(c, frame.RequestID, errUnsupportedFrame)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		err := h.ctl.command(ctx, frame.Command, frame.Index)
		cancel()
		h.reply(c, frame.RequestID, err)
	}
}

func (h *hub) reply(c *wsClient, requestID string, err error) {
	out := replyFrame{
		Type:         frameReply,
		RequestID:    requestID,
		ControlReply: protocol.ControlReply{OK: err == nil, Index: h.ctl.currentIndex()},
	}
	if err != nil {
		out.Error = err.Error()
	}
	data, mErr := json.Marshal(out)
	if mErr != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		h.removeLocked(c)
	}
}

func (h *hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
