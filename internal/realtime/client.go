package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/streamhive/backend/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client represents a single WebSocket connection watching a channel. Its ID
// doubles as the viewer connection id in the tracker: one transport
// connection, one presence record.
type Client struct {
	ID        string
	ChannelID uuid.UUID
	UserID    *uuid.UUID // nil for anonymous viewers
	Role      string
	hub       *Hub
	tracker   *streaming.ViewerTracker
	conn      *websocket.Conn
	send      chan WSMessage
	logger    *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop. The token
// is optional: anonymous viewers join without one.
func ServeWs(hub *Hub, tracker *streaming.ViewerTracker, logger *zap.Logger, jwtValidate func(token string) (userID, role string, err error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		channelIDStr := c.Query("channel_id")
		if channelIDStr == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "channel_id required"})
			return
		}
		channelID, err := uuid.Parse(channelIDStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel_id"})
			return
		}

		var userID *uuid.UUID
		role := "viewer"
		if token := c.Query("token"); token != "" {
			userIDStr, tokenRole, err := jwtValidate(token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			if id, err := uuid.Parse(userIDStr); err == nil {
				userID = &id
			}
			role = tokenRole
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:        uuid.New().String(),
			ChannelID: channelID,
			UserID:    userID,
			Role:      role,
			hub:       hub,
			tracker:   tracker,
			conn:      conn,
			send:      make(chan WSMessage, 256),
			logger:    logger,
		}
		hub.Register(client)
		tracker.AddViewer(channelID, client.ID, userID)
		if _, err := tracker.UpdateViewerCountAndBroadcast(c.Request.Context(), channelID); err != nil {
			logger.Warn("viewer count update failed", zap.String("channel_id", channelID.String()), zap.Error(err))
		}

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.tracker.RemoveViewer(c.ID)
		if _, err := c.tracker.UpdateViewerCountAndBroadcast(context.Background(), c.ChannelID); err != nil {
			c.logger.Warn("viewer count update failed", zap.String("channel_id", c.ChannelID.String()), zap.Error(err))
		}
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		c.tracker.Touch(c.ID)
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		c.tracker.Touch(c.ID)

		switch msg.Event {
		case "activity":
			// liveness only; Touch above already refreshed the record
		case "chat_message":
			// publish only so the Redis subscriber broadcasts once for every
			// instance, avoiding duplicate delivery to local clients
			c.hub.PublishToChannelOnly(c.ChannelID, msg.Event, json.RawMessage(msg.Data))
		default:
			// ignore
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
