package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/auth"
	"github.com/dkeye/Huddle/internal/domain"
)

const guestTokenTTL = 24 * time.Hour

const sessionKeyGuestID = "guest_id"

// guestLogin issues a signed token for a guest identity. The id sticks to the
// cookie session, so a page reload or token refresh keeps the same identity
// instead of minting a new user each time.
func guestLogin(issuer auth.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username is required"})
			return
		}

		sess := sessions.Default(c)
		var user *domain.User
		if id, ok := sess.Get(sessionKeyGuestID).(string); ok && id != "" {
			user = &domain.User{ID: domain.UserID(id)}
			if err := user.SetUsername(req.Username); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		} else {
			fresh, err := domain.NewUser(req.Username)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			user = fresh
			sess.Set(sessionKeyGuestID, string(user.ID))
			if err := sess.Save(); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}

		token, err := issuer.Issue(user, guestTokenTTL)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("issue token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
			return
		}

		log.Info().Str("module", "adapters.http").Str("user", string(user.ID)).Msg("guest login")
		c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
	}
}
