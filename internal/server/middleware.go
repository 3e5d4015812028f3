package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/meterline/internal/observability/context"
)

const (
	// HeaderOwner is set by the authenticating gateway in front of this service.
	HeaderOwner       = "X-Owner-ID"
	contextOwnerIDKey = "owner_id"
)

// OwnerRequired rejects user API calls that arrive without an owner identity.
func OwnerRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := obscontext.OwnerIDFromContext(c.Request.Context())
		if owner == "" {
			owner = strings.TrimSpace(c.GetHeader(HeaderOwner))
		}
		if owner == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextOwnerIDKey, owner)
		c.Next()
	}
}

func ownerID(c *gin.Context) string {
	return strings.TrimSpace(c.GetString(contextOwnerIDKey))
}
