package api

import (
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"gym-reserve-backend/config"
	"gym-reserve-backend/internal/engine"
	"gym-reserve-backend/internal/mw"
	"gym-reserve-backend/internal/notifier"
	"gym-reserve-backend/internal/store"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(cfg *config.Config, s *store.GormStore, e *engine.Engine, bus *notifier.Bus, webpushOptions *webpush.Options) *gin.Engine {
	r := gin.Default()

	db := s.DB()
	handler := NewHandler(s, e, bus, webpushOptions)

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.Server.RateLimitPerSec), cfg.Server.RateLimitBurst, cfg.Server.RequestIPHeader)

	cacheTTL := time.Duration(cfg.Server.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(cacheTTL, 2*cacheTTL)
	caching := mw.Cache(cacheStore, cacheTTL)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		// GET /api/gyms
		api.GET("/gyms", caching, GetGyms(db))

		// GET /api/gyms/{gym_id}/equipment
		api.GET("/gyms/:gym_id/equipment", caching, handler.GetEquipment)
		api.GET("/gyms/:gym_id/equipment/stream", handler.StreamEquipment)

		// Session lifecycle
		api.POST("/sessions", handler.StartSession)
		api.POST("/sessions/end", handler.EndSession)
		api.POST("/sessions/heartbeat", handler.Heartbeat)
		api.POST("/sessions/extend", handler.ExtendSession)

		// Waitlist
		api.POST("/queue", handler.JoinQueue)
		api.DELETE("/queue", handler.LeaveQueue)

		// Operator override
		api.PATCH("/equipment/:equipment_id/status", handler.SetEquipmentStatus)

		// Push subscriptions
		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
