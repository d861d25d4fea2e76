package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RouterOptions configures the middleware in front of the API
type RouterOptions struct {
	AllowedOrigins []string
	RateLimiter    *RateLimiter
}

// NewRouter wires every route of the service onto a gin engine
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Printf("Recovered from panic in %s %s: %v", c.Request.Method, c.Request.URL.Path, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "Internal server error",
			"message": "An unexpected error occurred",
		})
	}))
	router.Use(CORS(opts.AllowedOrigins))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Not found",
			"message": "The requested endpoint was not found",
		})
	})

	router.GET("/health", h.GetHealth)

	api := router.Group("/api")
	if opts.RateLimiter != nil {
		api.Use(opts.RateLimiter.Middleware())
	}
	{
		api.GET("/health", h.GetHealth)

		// Energy data
		api.POST("/energy/data", h.PostEnergyData)
		api.GET("/energy/latest", h.GetLatest)
		api.GET("/energy/latest/:deviceId", h.GetLatest)
		api.GET("/energy/history", h.GetHistory)
		api.GET("/energy/history/:deviceId", h.GetHistory)
		api.GET("/energy/stats", h.GetStats)
		api.GET("/energy/stats/:deviceId", h.GetStats)
		api.GET("/energy/live", h.GetLive)
		api.GET("/energy/live/:deviceId", h.GetLive)
		api.GET("/energy/export", h.GetExport)
		api.GET("/energy/export/:deviceId", h.GetExport)
		api.POST("/energy/export/:deviceId/archive", h.PostArchive)

		// Devices
		api.POST("/devices/command", h.PostCommand)
		api.GET("/devices/status", h.GetDeviceStatus)
		api.GET("/devices/status/:deviceId", h.GetDeviceStatus)
		api.POST("/devices/status", h.PostDeviceStatus)
		api.GET("/devices/commands", h.GetPendingCommands)
		api.GET("/devices/commands/:deviceId", h.GetPendingCommands)

		// Alerts
		api.POST("/alerts", h.PostAlert)
		api.GET("/alerts", h.GetAlerts)

		// Anomaly detection
		api.GET("/anomaly/thresholds", h.GetAnomalyThresholds)
		api.PUT("/anomaly/thresholds", h.UpdateAnomalyThresholds)
	}

	router.GET("/ws", h.WebSocketEndpoint)

	return router
}
