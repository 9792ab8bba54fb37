package channels

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/streamhive/backend/internal/middleware"
	"github.com/streamhive/backend/internal/models"
	"github.com/streamhive/backend/pkg/response"
)

// RequireChannelOwner allows only the channel owner or an admin through.
// Must run after the JWT middleware on routes with an :id channel param.
func RequireChannelOwner(repo *Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			response.BadRequest(c, "invalid channel id")
			c.Abort()
			return
		}
		role, _ := c.MustGet(middleware.ContextUserRole).(string)
		if role == string(models.RoleAdmin) {
			c.Next()
			return
		}
		userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
		ch, err := repo.GetByID(c.Request.Context(), id)
		if err != nil {
			response.Internal(c, "failed to load channel")
			c.Abort()
			return
		}
		if ch == nil {
			response.NotFound(c, "channel not found")
			c.Abort()
			return
		}
		if ch.OwnerID != userID {
			response.Forbidden(c, "not the channel owner")
			c.Abort()
			return
		}
		c.Next()
	}
}
