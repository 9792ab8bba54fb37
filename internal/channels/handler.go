package channels

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamhive/backend/internal/middleware"
	"github.com/streamhive/backend/internal/models"
	"github.com/streamhive/backend/pkg/response"
	"github.com/streamhive/backend/pkg/storage"
)

// CreateRequest is the body for POST /channels.
type CreateRequest struct {
	Name        string `json:"name" binding:"required"`
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
}

// UpdateRequest is the body for PATCH /channels/:id.
type UpdateRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
}

// Handler handles channel HTTP endpoints.
type Handler struct {
	repo   *Repository
	s3     *storage.S3 // nil when object storage is disabled
	logger *zap.Logger
}

// NewHandler creates a channel handler.
func NewHandler(repo *Repository, s3 *storage.S3, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, s3: s3, logger: logger}
}

// Create handles POST /channels (streamer or admin).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ownerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	existing, err := h.repo.GetByName(c.Request.Context(), req.Name)
	if err != nil {
		response.Internal(c, "failed to create channel")
		return
	}
	if existing != nil {
		response.Conflict(c, "channel name already taken")
		return
	}

	ch := &models.Channel{
		OwnerID:     ownerID,
		Name:        req.Name,
		Title:       req.Title,
		Description: req.Description,
	}
	if err := h.repo.Create(c.Request.Context(), ch); err != nil {
		response.Internal(c, "failed to create channel")
		return
	}
	response.Created(c, ch)
}

// List handles GET /channels. ?mine=true filters to the caller's channels.
func (h *Handler) List(c *gin.Context) {
	var ownerID *uuid.UUID
	if c.Query("mine") == "true" {
		v, ok := c.Get(middleware.ContextUserID)
		if !ok {
			response.Unauthorized(c, "authentication required")
			return
		}
		id := v.(uuid.UUID)
		ownerID = &id
	}
	chs, err := h.repo.List(c.Request.Context(), ownerID)
	if err != nil {
		response.Internal(c, "failed to list channels")
		return
	}
	response.OK(c, chs)
}

// GetByID handles GET /channels/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid channel id")
		return
	}
	ch, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load channel")
		return
	}
	if ch == nil {
		response.NotFound(c, "channel not found")
		return
	}
	response.OK(c, ch)
}

// Update handles PATCH /channels/:id (owner or admin).
func (h *Handler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid channel id")
		return
	}
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.repo.Update(c.Request.Context(), id, req.Title, req.Description); err != nil {
		response.Internal(c, "failed to update channel")
		return
	}
	response.OK(c, gin.H{"status": "updated"})
}

// Delete handles DELETE /channels/:id (owner or admin). Removes the stored
// thumbnail object too, best-effort.
func (h *Handler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid channel id")
		return
	}
	ch, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to delete channel")
		return
	}
	if ch == nil {
		response.NotFound(c, "channel not found")
		return
	}
	if err := h.repo.Delete(c.Request.Context(), id); err != nil {
		response.Internal(c, "failed to delete channel")
		return
	}
	if h.s3 != nil && ch.ThumbnailURL != "" {
		if key := storage.ObjectKeyFromURL(ch.ThumbnailURL); key != "" {
			if err := h.s3.DeleteObject(c.Request.Context(), h.s3.ThumbnailsBucket(), key); err != nil {
				h.logger.Warn("thumbnail cleanup failed", zap.String("channel_id", id.String()), zap.Error(err))
			}
		}
	}
	response.NoContent(c)
}

// UploadThumbnail handles POST /channels/:id/thumbnail (owner or admin),
// multipart form field "file".
func (h *Handler) UploadThumbnail(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid channel id")
		return
	}
	if h.s3 == nil {
		response.ServiceUnavailable(c, "object storage disabled")
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "file required")
		return
	}
	if file.Size > storage.MaxThumbnailSize {
		response.BadRequest(c, "file too large")
		return
	}
	contentType := file.Header.Get("Content-Type")
	if !storage.ValidateThumbnailType(contentType, file.Filename) {
		response.BadRequest(c, "unsupported file type")
		return
	}

	src, err := file.Open()
	if err != nil {
		response.Internal(c, "failed to read upload")
		return
	}
	defer src.Close()

	key := storage.ThumbnailKey(id.String(), file.Filename)
	url, err := h.s3.Upload(c.Request.Context(), h.s3.ThumbnailsBucket(), key, contentType, src, file.Size, true)
	if err != nil {
		h.logger.Error("thumbnail upload failed", zap.String("channel_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to upload thumbnail")
		return
	}
	if err := h.repo.SetThumbnailURL(c.Request.Context(), id, url); err != nil {
		response.Internal(c, "failed to save thumbnail url")
		return
	}
	response.OK(c, gin.H{"thumbnail_url": url})
}
