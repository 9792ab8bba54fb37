package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for websocket heartbeat (seconds).
	PingInterval = 30
	PongWait     = 60
)

// Hub maintains channel_id -> set of websocket clients and broadcasts
// messages. Uses Redis pub/sub for horizontal scaling: local broadcast plus
// publish to Redis. Presence bookkeeping lives in the viewer tracker, not
// here; the hub only owns message fanout.
type Hub struct {
	// channelID -> map[clientID]*Client
	channels map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per channel
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishChannelEvent(channelID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to channel topics and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeChannel(channelID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	return &Hub{
		channels: make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// Register adds a client to a channel room. Starts the Redis subscription for
// the channel when the first client joins.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.channels[c.ChannelID] == nil {
		h.channels[c.ChannelID] = make(map[string]*Client)
		if h.redisSub != nil {
			cancel, err := h.redisSub.SubscribeChannel(c.ChannelID, func(event string, payload []byte) {
				h.BroadcastToChannel(c.ChannelID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[c.ChannelID] = cancel
			}
		}
	}
	h.channels[c.ChannelID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client joined channel", zap.String("client_id", c.ID), zap.String("channel_id", c.ChannelID.String()))
}

// Unregister removes a client from a channel room. Cancels the Redis
// subscription when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.channels[c.ChannelID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.channels, c.ChannelID)
			if cancel, ok := h.subs[c.ChannelID]; ok {
				cancel()
				delete(h.subs, c.ChannelID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client left channel", zap.String("client_id", c.ID), zap.String("channel_id", c.ChannelID.String()))
}

// BroadcastToChannel sends a message to all clients in a channel (local only).
func (h *Hub) BroadcastToChannel(channelID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	clients := h.channels[channelID]
	h.mu.RUnlock()

	if clients == nil {
		return
	}
	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// BroadcastToChannelAndPublish sends to local clients and publishes to Redis
// for other instances.
func (h *Hub) BroadcastToChannelAndPublish(channelID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.BroadcastToChannel(channelID, event, payload)
	if h.redis != nil {
		_ = h.redis.PublishChannelEvent(channelID, event, data)
	}
}

// PublishToChannelOnly publishes to Redis only (no local broadcast). Used for
// events like chat_message so the Redis subscriber callback performs the
// broadcast once for all instances including this one, avoiding duplicate
// delivery to local clients.
func (h *Hub) PublishToChannelOnly(channelID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if h.redis != nil {
		_ = h.redis.PublishChannelEvent(channelID, event, data)
		return
	}
	h.BroadcastToChannel(channelID, event, payload)
}

// ConnectedClients returns the number of local websocket clients in a channel.
func (h *Hub) ConnectedClients(channelID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channelID])
}

// SendToClient sends a message to a single client in a channel.
func (h *Hub) SendToClient(channelID uuid.UUID, clientID string, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := WSMessage{Event: event, Data: data}
	h.mu.RLock()
	clients := h.channels[channelID]
	c, ok := clients[clientID]
	h.mu.RUnlock()
	if !ok || c == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
