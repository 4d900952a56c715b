package progress

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufSize    = 256
	maxClientTopic = 32
)

// ErrorMessage tells a client why a subscription was refused.
type ErrorMessage struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
	Error  string `json:"error"`
}

// ClientMessage is an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsClient is one WebSocket connection and the job topics it follows.
type wsClient struct {
	id   string
	ctx  context.Context
	send chan []byte
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	subs map[string]*Subscription
}

func (c *wsClient) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for topic, sub := range c.subs {
			sub.Close()
			delete(c.subs, topic)
		}
		c.mu.Unlock()
	})
}

// enqueue hands a frame to the write pump. It returns false once the client
// is gone.
func (c *wsClient) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	}
}

// WebSocketHandler streams broker events to WebSocket clients. A client sends
// {"action":"subscribe","topics":["<jobId>"]} and receives the job's history
// followed by live events.
type WebSocketHandler struct {
	broker *Broker
	logger zerolog.Logger
	exists func(ctx context.Context, topic string) bool

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// WebSocketOption configures a WebSocketHandler.
type WebSocketOption func(*WebSocketHandler)

// WithTopicCheck refuses subscriptions to topics for which exists reports
// false.
func WithTopicCheck(exists func(ctx context.Context, topic string) bool) WebSocketOption {
	return func(h *WebSocketHandler) { h.exists = exists }
}

// NewWebSocketHandler creates a new handler bound to the given Broker.
func NewWebSocketHandler(broker *Broker, logger zerolog.Logger, opts ...WebSocketOption) *WebSocketHandler {
	h := &WebSocketHandler{
		broker:  broker,
		logger:  logger.With().Str("component", "progress-ws").Logger(),
		clients: make(map[*wsClient]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (h *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleConnect upgrades the request and starts the read and write pumps.
func (h *WebSocketHandler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &wsClient{
		id:   uuid.New().String(),
		ctx:  context.WithoutCancel(c.Request().Context()),
		send: make(chan []byte, sendBufSize),
		done: make(chan struct{}),
		subs: make(map[string]*Subscription),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug().Str("client_id", client.id).Msg("websocket client connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *WebSocketHandler) unregister(client *wsClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.shutdown()
	h.logger.Debug().Str("client_id", client.id).Msg("websocket client disconnected")
}

func (h *WebSocketHandler) process(client *wsClient, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		for _, topic := range msg.Topics {
			h.subscribe(client, topic)
		}
	case "unsubscribe":
		client.mu.Lock()
		for _, topic := range msg.Topics {
			if sub, ok := client.subs[topic]; ok {
				sub.Close()
				delete(client.subs, topic)
			}
		}
		client.mu.Unlock()
	}
}

func (h *WebSocketHandler) subscribe(client *wsClient, topic string) {
	if topic == "" {
		return
	}
	if h.exists != nil && !h.exists(client.ctx, topic) {
		h.refuse(client, topic, "job not found")
		return
	}
	client.mu.Lock()
	if _, ok := client.subs[topic]; ok {
		client.mu.Unlock()
		return
	}
	if len(client.subs) >= maxClientTopic {
		client.mu.Unlock()
		h.refuse(client, topic, "too many subscriptions")
		return
	}
	sub, replay := h.broker.Subscribe(topic)
	client.subs[topic] = sub
	client.mu.Unlock()

	go h.forward(client, sub, replay)
}

func (h *WebSocketHandler) refuse(client *wsClient, topic, reason string) {
	data, err := json.Marshal(ErrorMessage{Action: "error", Topic: topic, Error: reason})
	if err != nil {
		return
	}
	client.enqueue(data)
}

// forward writes the replay and then every live event until the
// subscription ends.
func (h *WebSocketHandler) forward(client *wsClient, sub *Subscription, replay []Event) {
	for _, e := range replay {
		if !h.deliver(client, e) {
			return
		}
	}
	for e := range sub.C {
		if !h.deliver(client, e) {
			return
		}
	}
}

func (h *WebSocketHandler) deliver(client *wsClient, e Event) bool {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", e.Topic).Msg("failed to marshal progress event")
		return true
	}
	return client.enqueue(data)
}

func (h *WebSocketHandler) readPump(client *wsClient, ws *gorillawebsocket.Conn) {
	defer func() {
		h.unregister(client)
		ws.Close()
	}()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.process(client, msg)
	}
}

func (h *WebSocketHandler) writePump(client *wsClient, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case <-client.done:
			return
		case message := <-client.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				client.shutdown()
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				client.shutdown()
				return
			}
		}
	}
}
