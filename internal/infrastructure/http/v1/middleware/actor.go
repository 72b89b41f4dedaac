package middleware

import (
	"github.com/gin-gonic/gin"

	appctx "fuelledger/internal/core/context"
)

// HeaderActorID carries the id of the user acting on the ledger.
const HeaderActorID = "X-Actor-ID"

// Actor copies the X-Actor-ID header into the request context. The value is
// trusted as given; it is recorded on entries and audit rows.
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actorID := c.GetHeader(HeaderActorID); actorID != "" {
			c.Request = c.Request.WithContext(appctx.WithActor(c.Request.Context(), actorID))
			c.Set("actor_id", actorID)
		}
		c.Next()
	}
}
