package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/corralhq/corral/internal/events"
)

// Subscription control messages accepted on the websocket.
const (
	msgSubscribeMetrics         = "subscribe_metrics"
	msgUnsubscribeMetrics       = "unsubscribe_metrics"
	msgSubscribeRecordings      = "subscribe_recordings"
	msgUnsubscribeRecordings    = "unsubscribe_recordings"
	msgSubscribeScalingAlerts   = "subscribe_scaling_alerts"
	msgUnsubscribeScalingAlerts = "unsubscribe_scaling_alerts"
)

// classForType maps subscribe/unsubscribe message types to bus classes.
var classForType = map[string]events.Class{
	msgSubscribeMetrics:         events.ClassMetrics,
	msgUnsubscribeMetrics:       events.ClassMetrics,
	msgSubscribeRecordings:      events.ClassRecordings,
	msgUnsubscribeRecordings:    events.ClassRecordings,
	msgSubscribeScalingAlerts:   events.ClassScaling,
	msgUnsubscribeScalingAlerts: events.ClassScaling,
}

const (
	wsWriteTimeout = 10 * time.Second
	wsOutBuffer    = 64
)

// WSHandler serves the websocket push channel. Clients send subscribe
// messages to opt into event classes; events flow back as JSON. Slow
// clients lose events rather than stalling publishers.
type WSHandler struct {
	bus      *events.Bus
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler creates a websocket handler.
func NewWSHandler(bus *events.Bus, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The API already fronts cross-origin policy; the push
			// channel carries no mutations.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With(slog.String("component", "ws")),
	}
}

// Mount attaches the websocket endpoint to the router. It lives outside
// the huma API because the connection is hijacked.
func (h *WSHandler) Mount(router *chi.Mux) {
	router.Get("/api/v1/events/ws", h.serve)
}

// clientMessage is the control frame clients send.
type clientMessage struct {
	Type string `json:"type"`
}

func (h *WSHandler) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := &wsClient{
		conn:   conn,
		bus:    h.bus,
		out:    make(chan events.Event, wsOutBuffer),
		done:   make(chan struct{}),
		subs:   make(map[events.Class]*events.Subscription),
		logger: h.logger.With(slog.String("remote", conn.RemoteAddr().String())),
	}

	h.logger.Debug("websocket client connected", slog.String("remote", conn.RemoteAddr().String()))
	go client.writeLoop()
	client.readLoop()
}

// wsClient is one connected push client: its subscriptions, outbound
// queue, and the goroutines pumping them.
type wsClient struct {
	conn   *websocket.Conn
	bus    *events.Bus
	out    chan events.Event
	done   chan struct{}
	logger *slog.Logger

	mu   sync.Mutex
	subs map[events.Class]*events.Subscription
}

// readLoop consumes control messages until the connection dies, then
// tears the client down.
func (c *wsClient) readLoop() {
	defer c.close()

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}

		class, ok := classForType[msg.Type]
		if !ok {
			c.logger.Debug("unknown websocket message type", slog.String("type", msg.Type))
			continue
		}

		switch msg.Type {
		case msgSubscribeMetrics, msgSubscribeRecordings, msgSubscribeScalingAlerts:
			c.subscribe(class)
		default:
			c.unsubscribe(class)
		}
	}
}

// writeLoop drains the outbound queue onto the wire. A write failure
// closes the connection, which in turn ends the read loop.
func (c *wsClient) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case event := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(event); err != nil {
				c.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				c.conn.Close()
				return
			}
		}
	}
}

// subscribe attaches the client to a bus class and starts a forwarder
// moving bus events onto the outbound queue. Duplicate subscribes are
// no-ops.
func (c *wsClient) subscribe(class events.Class) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[class]; ok {
		return
	}
	sub := c.bus.Subscribe(class, wsOutBuffer)
	c.subs[class] = sub

	go func() {
		for {
			select {
			case <-c.done:
				return
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				select {
				case c.out <- event:
				default:
					// Queue full: the client is not keeping up. Drop.
				}
			}
		}
	}()

	c.logger.Debug("websocket subscribed", slog.String("class", string(class)))
}

func (c *wsClient) unsubscribe(class events.Class) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub, ok := c.subs[class]; ok {
		sub.Close()
		delete(c.subs, class)
		c.logger.Debug("websocket unsubscribed", slog.String("class", string(class)))
	}
}

func (c *wsClient) close() {
	close(c.done)

	c.mu.Lock()
	for class, sub := range c.subs {
		sub.Close()
		delete(c.subs, class)
	}
	c.mu.Unlock()

	c.conn.Close()
	c.logger.Debug("websocket client disconnected")
}
