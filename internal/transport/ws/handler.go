package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleet-monitor/safety/internal/hub"
)

const maxClientMessageBytes = 4096

// Options holds the connection timing. Zero fields take the defaults.
type Options struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	CheckOrigin  func(r *http.Request) bool
}

func DefaultOptions() Options {
	return Options{
		PingInterval: 30 * time.Second,
		PongWait:     20 * time.Second,
		WriteWait:    10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
	return o
}

type clientMessage struct {
	Type string `json:"type"`
}

type pingMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler upgrades dashboard connections and streams hub messages to them.
type Handler struct {
	hub      *hub.Hub
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandler(h *hub.Hub, opts Options, logger *slog.Logger) *Handler {
	opts = opts.withDefaults()
	return &Handler{
		hub:  h,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn:   conn,
		obs:    h.hub.Subscribe(),
		opts:   h.opts,
		logger: h.logger,
	}
	defer h.hub.Unsubscribe(c.obs)
	defer conn.Close()

	c.serve(r.Context())
}

// client owns one connection. Writes from the stream and the pinger are
// serialized by wmu.
type client struct {
	conn   *websocket.Conn
	obs    *hub.Observer
	opts   Options
	logger *slog.Logger

	wmu sync.Mutex
}

func (c *client) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	go func() {
		defer cancel()
		c.readLoop()
	}()
	go c.pingLoop(ctx, cancel)

	c.writeLoop(ctx)
}

func (c *client) extendDeadline() error {
	return c.conn.SetReadDeadline(time.Now().Add(c.opts.PingInterval + c.opts.PongWait))
}

func (c *client) readLoop() {
	c.conn.SetReadLimit(maxClientMessageBytes)
	_ = c.extendDeadline()
	c.conn.SetPongHandler(func(string) error { return c.extendDeadline() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("observer connection lost", "observer_id", c.obs.ID, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("ignoring malformed observer message", "observer_id", c.obs.ID)
			continue
		}
		switch msg.Type {
		case "resync":
			c.obs.RequestResync()
		case "pong":
			_ = c.extendDeadline()
		}
	}
}

func (c *client) pingLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.logger.Info("observer ping failed", "observer_id", c.obs.ID, "error", err)
				cancel()
				return
			}
		}
	}
}

// ping sends both a protocol ping and a JSON ping, since browser clients
// cannot observe control frames.
func (c *client) ping() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline := time.Now().Add(c.opts.WriteWait)
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(pingMessage{Type: "ping", Timestamp: time.Now()})
}

func (c *client) write(v interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return c.conn.WriteJSON(v)
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		msg, err := c.obs.Next(ctx)
		if err != nil {
			if errors.Is(err, hub.ErrObserverClosed) {
				c.wmu.Lock()
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(c.opts.WriteWait))
				c.wmu.Unlock()
			}
			return
		}
		if err := c.write(msg); err != nil {
			c.logger.Info("observer write failed", "observer_id", c.obs.ID, "error", err)
			return
		}
	}
}
