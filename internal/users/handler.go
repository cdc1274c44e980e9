package users

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/medibook/medibook/backend/booking-service/internal/appointment"
	"github.com/medibook/medibook/backend/booking-service/pkg/logger"
	"github.com/medibook/medibook/backend/booking-service/pkg/middleware"
)

// RegisterRoutes mounts the account endpoints under rg.
func RegisterRoutes(rg gin.IRouter, svc *Service) {
	rg.GET("/users/me", func(c *gin.Context) {
		p, ok := middleware.PrincipalFrom(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		prof, err := svc.Profile(c.Request.Context(), p)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, prof)
	})

	// refreshes the stored account from the caller's token claims
	rg.PUT("/users/me", func(c *gin.Context) {
		p, ok := middleware.PrincipalFrom(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		u, err := svc.UpsertFromPrincipal(c.Request.Context(), p)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, u)
	})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNoSubject):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, appointment.ErrTransient):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "temporarily unavailable, try again"})
	default:
		logger.Errorf("users: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
