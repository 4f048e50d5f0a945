package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024

	// maxSubscriptions bounds the topics one connection may follow
	maxSubscriptions = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The feed is read-only and carries no credentials
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one live-feed connection
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	// topics is owned by the read pump
	topics map[string]struct{}
}

// ClientMessage is a control frame sent by a client
type ClientMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: logger.With("client_id", id),
		topics: make(map[string]struct{}),
	}
}

// subscribe validates and records a topic, replying with an ack or an error
func (c *Client) subscribe(topic string) {
	switch {
	case topic == "":
		c.sendError("topic required for subscribe")
		return
	case !ValidTopic(topic):
		c.sendError("unknown topic " + topic)
		return
	}
	if _, ok := c.topics[topic]; !ok {
		if len(c.topics) >= maxSubscriptions {
			c.sendError("too many subscriptions")
			return
		}
		c.topics[topic] = struct{}{}
		c.hub.Subscribe(c, topic)
	}
	c.sendAck("subscribed", topic)
}

func (c *Client) unsubscribe(topic string) {
	if _, ok := c.topics[topic]; !ok {
		c.sendError("not subscribed to " + topic)
		return
	}
	delete(c.topics, topic)
	c.hub.Unsubscribe(c, topic)
	c.sendAck("unsubscribed", topic)
}

func (c *Client) handleMessage(msg *ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribe(msg.Topic)
	case MessageTypeUnsubscribe:
		c.unsubscribe(msg.Topic)
	case MessageTypePing:
		c.sendPong()
	default:
		c.sendError("unknown message type " + msg.Type)
	}
}

// readPump reads control frames until the connection closes
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.sendError("invalid message format")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		c.handleMessage(&msg)
	}
}

// writePump writes one event per frame so every frame is a complete JSON document
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a direct message for this client, dropping it when the buffer is full
func (c *Client) reply(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal reply", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendError(errMsg string) {
	c.reply(newMessage(MessageTypeError, "", map[string]string{"error": errMsg}))
}

func (c *Client) sendAck(action, topic string) {
	c.reply(newMessage(action, topic, map[string]string{"status": "ok"}))
}

func (c *Client) sendPong() {
	c.reply(newMessage(MessageTypePong, "", nil))
}

// ServeWs upgrades the request and starts the client pumps. A comma-separated
// ?topics= query subscribes the connection up front.
func ServeWs(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(hub, conn, logger)
	hub.Register(client)
	if q := r.URL.Query().Get("topics"); q != "" {
		for _, topic := range strings.Split(q, ",") {
			client.subscribe(strings.TrimSpace(topic))
		}
	}

	client.logger.Debug("new websocket connection", "topics", len(client.topics))

	go client.writePump()
	go client.readPump()
}
