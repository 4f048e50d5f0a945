package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leaderboard-stats/internal/domain"
)

// Message types
const (
	MessageTypeFirstPlace  = "first_place"
	MessageTypeModeration  = "moderation"
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
	MessageTypeError       = "error"
)

// Topics a client can subscribe to. Per-beatmap and per-player topics are
// built with BeatmapTopic and PlayerTopic.
const (
	TopicFirstPlaces = "first_places"
	TopicModeration  = "moderation"
)

// BeatmapTopic carries the first-place changes of one beatmap
func BeatmapTopic(md5 string) string {
	return "beatmap:" + md5
}

// PlayerTopic carries every event that concerns one player
func PlayerTopic(playerID int64) string {
	return fmt.Sprintf("player:%d", playerID)
}

// ValidTopic reports whether topic is one the hub publishes to
func ValidTopic(topic string) bool {
	switch {
	case topic == TopicFirstPlaces, topic == TopicModeration:
		return true
	case strings.HasPrefix(topic, "beatmap:"):
		md5 := strings.TrimPrefix(topic, "beatmap:")
		return len(md5) == 32 && strings.Trim(md5, "0123456789abcdef") == ""
	case strings.HasPrefix(topic, "player:"):
		id, err := strconv.ParseInt(strings.TrimPrefix(topic, "player:"), 10, 64)
		return err == nil && id > 0
	}
	return false
}

// Message represents a WebSocket message
type Message struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Topic     string      `json:"topic,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`

	// topics selects the receiving subscribers
	topics []string
}

// Hub maintains the set of active clients and fans events out by topic
type Hub struct {
	// Subscribed clients by topic
	clients map[string]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	broadcast   chan *Message
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest

	mu sync.RWMutex

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client *Client
	topic  string
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:     make(map[string]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				for topic, clients := range h.clients {
					if _, ok := clients[client]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.clients, topic)
						}
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			if _, ok := h.clients[req.topic]; !ok {
				h.clients[req.topic] = make(map[*Client]bool)
			}
			h.clients[req.topic][req.client] = true
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", req.client.id, "topic", req.topic)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if clients, ok := h.clients[req.topic]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.clients, req.topic)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "topic", req.topic)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// broadcastMessage sends a message once to every client subscribed to any of its topics
func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	sent := make(map[*Client]bool)
	for _, topic := range message.topics {
		for client := range h.clients[topic] {
			if sent[client] {
				continue
			}
			sent[client] = true
			select {
			case client.send <- data:
			default:
				h.logger.Warn("client buffer full, skipping", "client_id", client.id)
			}
		}
	}
}

func (h *Hub) enqueue(message *Message) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "type", message.Type)
	}
}

func newMessage(msgType, topic string, data interface{}, topics ...string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
		topics:    topics,
	}
}

// BroadcastFirstPlace publishes a ledger change to the first-place feed, the
// beatmap's topic and both the new and previous holder's topics.
func (h *Hub) BroadcastFirstPlace(change domain.FirstPlaceChange) {
	topics := []string{TopicFirstPlaces, BeatmapTopic(change.Key.BeatmapMD5)}
	if change.Holder != 0 {
		topics = append(topics, PlayerTopic(change.Holder))
	}
	if change.PreviousHolder != 0 && change.PreviousHolder != change.Holder {
		topics = append(topics, PlayerTopic(change.PreviousHolder))
	}
	h.enqueue(newMessage(MessageTypeFirstPlace, TopicFirstPlaces, change, topics...))
}

// BroadcastModeration publishes an applied moderation action
func (h *Hub) BroadcastModeration(event domain.ModerationEvent) {
	h.enqueue(newMessage(MessageTypeModeration, TopicModeration, event,
		TopicModeration, PlayerTopic(event.PlayerID)))
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to a topic
func (h *Hub) Subscribe(client *Client, topic string) {
	h.subscribe <- &subscriptionRequest{client: client, topic: topic}
}

// Unsubscribe removes a client from a topic
func (h *Hub) Unsubscribe(client *Client, topic string) {
	h.unsubscribe <- &subscriptionRequest{client: client, topic: topic}
}

// GetSubscriberCount returns the number of subscribers of a topic
func (h *Hub) GetSubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}
