package streaming

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/streamhive/backend/pkg/response"
	"github.com/streamhive/backend/pkg/storage"
)

// StartRequest is the body for POST /channels/:id/stream/start. The session
// id is minted by the streamer client and identifies this broadcast instance.
type StartRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// StopRequest is the body for POST /channels/:id/stream/stop.
type StopRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// Handler exposes the stream lifecycle and viewer stats to the request layer.
type Handler struct {
	manager *Manager
	tracker *ViewerTracker
	repo    *Repository
	s3      *storage.S3 // nil when object storage is disabled
}

// NewHandler creates a streaming handler.
func NewHandler(manager *Manager, tracker *ViewerTracker, repo *Repository) *Handler {
	return &Handler{manager: manager, tracker: tracker, repo: repo}
}

// SetStorage wires object storage for presigned VOD downloads.
func (h *Handler) SetStorage(s3 *storage.S3) { h.s3 = s3 }

func channelID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid channel id")
		return uuid.Nil, false
	}
	return id, true
}

// Start handles POST /channels/:id/stream/start (streamer or admin).
func (h *Handler) Start(c *gin.Context) {
	id, ok := channelID(c)
	if !ok {
		return
	}
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	sfuNotified, err := h.manager.StartSession(c.Request.Context(), id, req.SessionID)
	if err != nil {
		if errors.Is(err, ErrAlreadyLive) {
			response.Conflict(c, "stream already live")
			return
		}
		response.Internal(c, "failed to start stream")
		return
	}
	response.OK(c, gin.H{"session_id": req.SessionID, "sfu_notified": sfuNotified})
}

// Ping handles POST /channels/:id/stream/ping, the streamer heartbeat.
func (h *Handler) Ping(c *gin.Context) {
	id, ok := channelID(c)
	if !ok {
		return
	}
	if err := h.manager.Ping(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrNoActiveSession) {
			response.NotFound(c, "no active stream")
			return
		}
		response.Internal(c, "failed to record heartbeat")
		return
	}
	response.OK(c, gin.H{"status": "ok"})
}

// Stop handles POST /channels/:id/stream/stop. The session id is required on
// the public path so a stale client cannot stop a newer session.
func (h *Handler) Stop(c *gin.Context) {
	id, ok := channelID(c)
	if !ok {
		return
	}
	var req StopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.manager.StopSession(c.Request.Context(), id, req.SessionID); err != nil {
		switch {
		case errors.Is(err, ErrNoActiveSession):
			response.NotFound(c, "no active stream")
		case errors.Is(err, ErrSessionMismatch):
			response.Conflict(c, "session id mismatch")
		default:
			response.Internal(c, "failed to stop stream")
		}
		return
	}
	response.OK(c, gin.H{"status": "stopped"})
}

// ForceStop handles POST /channels/:id/stream/force-stop (admin only).
func (h *Handler) ForceStop(c *gin.Context) {
	id, ok := channelID(c)
	if !ok {
		return
	}
	if err := h.manager.ForceStop(c.Request.Context(), id, ""); err != nil {
		if errors.Is(err, ErrNoActiveSession) {
			response.NotFound(c, "no active stream")
			return
		}
		response.Internal(c, "failed to stop stream")
		return
	}
	response.OK(c, gin.H{"status": "stopped"})
}

// GetActive handles GET /channels/:id/stream.
func (h *Handler) GetActive(c *gin.Context) {
	id, ok := channelID(c)
	if !ok {
		return
	}
	live, sessionID, err := h.manager.GetActiveSession(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to read stream state")
		return
	}
	body := gin.H{"is_live": live}
	if live {
		body["session_id"] = sessionID
	}
	response.OK(c, body)
}

// Viewers handles GET /channels/:id/viewers.
func (h *Handler) Viewers(c *gin.Context) {
	id, ok := channelID(c)
	if !ok {
		return
	}
	response.OK(c, gin.H{
		"viewers":      h.tracker.GetViewerCount(id),
		"unique_users": h.tracker.GetUniqueUserCount(id),
	})
}

// Stats handles GET /channels/:id/stats.
func (h *Handler) Stats(c *gin.Context) {
	id, ok := channelID(c)
	if !ok {
		return
	}
	response.OK(c, h.tracker.Stats(id))
}

// Archives handles GET /channels/:id/archives, the channel's stream history.
func (h *Handler) Archives(c *gin.Context) {
	id, ok := channelID(c)
	if !ok {
		return
	}
	archives, err := h.repo.ListArchivesByChannel(c.Request.Context(), id, 50)
	if err != nil {
		response.Internal(c, "failed to list archives")
		return
	}
	response.OK(c, archives)
}

// VodDownloadURL handles GET /channels/:id/archives/:archiveId/vod-url.
// VOD objects live in a private bucket, so viewers fetch through a short-lived
// presigned URL rather than the stored object URL.
func (h *Handler) VodDownloadURL(c *gin.Context) {
	id, ok := channelID(c)
	if !ok {
		return
	}
	archiveID, err := uuid.Parse(c.Param("archiveId"))
	if err != nil {
		response.BadRequest(c, "invalid archive id")
		return
	}
	if h.s3 == nil {
		response.ServiceUnavailable(c, "object storage disabled")
		return
	}
	archive, err := h.repo.GetArchive(c.Request.Context(), archiveID)
	if err != nil {
		response.Internal(c, "failed to load archive")
		return
	}
	if archive == nil || archive.ChannelID != id {
		response.NotFound(c, "archive not found")
		return
	}
	if archive.VodURL == "" {
		response.NotFound(c, "vod not ready")
		return
	}
	key := storage.VodKey(archive.ChannelID.String(), archive.SessionID)
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), h.s3.VodBucket(), key, h.s3.PresignExpire())
	if err != nil {
		response.Internal(c, "failed to presign download")
		return
	}
	response.OK(c, gin.H{"url": url, "expires_in_seconds": int(h.s3.PresignExpire().Seconds())})
}
