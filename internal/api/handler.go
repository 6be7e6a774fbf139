package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"

	"gym-reserve-backend/internal/engine"
	"gym-reserve-backend/internal/notifier"
	"gym-reserve-backend/internal/store"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store   *store.GormStore
	engine  *engine.Engine
	bus     *notifier.Bus
	webpush *webpush.Options
}

// NewHandler creates a new API handler.
func NewHandler(s *store.GormStore, e *engine.Engine, bus *notifier.Bus, webpushOptions *webpush.Options) *Handler {
	return &Handler{
		store:   s,
		engine:  e,
		bus:     bus,
		webpush: webpushOptions,
	}
}

// userID extracts the authenticated member id set by the auth gateway. The
// gateway validates the token and forwards the id in X-User-ID; a request
// without it never reached us through the gateway.
func userID(c *gin.Context) (int64, bool) {
	raw := c.GetHeader("X-User-ID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid X-User-ID"})
		return 0, false
	}
	return id, true
}

// respondError translates engine sentinel errors into HTTP status codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrLimitExceeded):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
