package realtime

import "github.com/google/uuid"

// EventBroadcaster adapts the hub to the streaming Broadcaster contract.
// Fire-and-forget: the streaming layer never learns whether delivery worked.
type EventBroadcaster struct {
	hub *Hub
}

// NewEventBroadcaster creates the hub-backed broadcaster.
func NewEventBroadcaster(hub *Hub) *EventBroadcaster {
	return &EventBroadcaster{hub: hub}
}

// ViewersUpdated pushes the current viewer count to everyone in the channel.
func (b *EventBroadcaster) ViewersUpdated(channelID uuid.UUID, count int) {
	b.hub.BroadcastToChannelAndPublish(channelID, "viewers_updated", map[string]interface{}{
		"channel_id": channelID.String(),
		"count":      count,
	})
}

// StreamStarted announces a new broadcast.
func (b *EventBroadcaster) StreamStarted(channelID uuid.UUID, sessionID string) {
	b.hub.BroadcastToChannelAndPublish(channelID, "stream_started", map[string]interface{}{
		"channel_id": channelID.String(),
		"session_id": sessionID,
	})
}

// StreamStopped announces the end of a broadcast.
func (b *EventBroadcaster) StreamStopped(channelID uuid.UUID) {
	b.hub.BroadcastToChannelAndPublish(channelID, "stream_stopped", map[string]interface{}{
		"channel_id": channelID.String(),
	})
}
