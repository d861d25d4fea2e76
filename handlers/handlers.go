package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Daniel865692/energy-management-platform/database"
	"github.com/Daniel865692/energy-management-platform/models"
	"github.com/Daniel865692/energy-management-platform/services"
	"github.com/Daniel865692/energy-management-platform/validation"
	"github.com/Daniel865692/energy-management-platform/websocket"
)

const (
	defaultHistoryHours = 24
	defaultHistoryLimit = database.DefaultHistoryLimit
	maxHistoryLimit     = database.MaxHistoryLimit
	defaultAlertLimit   = database.DefaultAlertLimit
	defaultLiveLimit    = 50
)

// Archiver uploads a rendered export and returns where it was stored
type Archiver interface {
	Archive(ctx context.Context, deviceID, filename string, at time.Time, data []byte) (string, error)
}

// Deps are the collaborators of the HTTP layer. Archiver may be nil.
type Deps struct {
	DB              database.Adapter
	State           func() database.State
	Hub             *websocket.Hub
	Detector        *services.AnomalyDetector
	Orchestrator    *services.Orchestrator
	Dispatcher      *services.CommandDispatcher
	Archiver        Archiver
	DefaultDeviceID string
}

// Handler contains all the dependencies needed for HTTP handlers
type Handler struct {
	db              database.Adapter
	state           func() database.State
	hub             *websocket.Hub
	anomalyDetector *services.AnomalyDetector
	orchestrator    *services.Orchestrator
	dispatcher      *services.CommandDispatcher
	archiver        Archiver
	defaultDeviceID string
	started         time.Time
	now             func() time.Time
}

// New creates a new handler instance
func New(deps Deps) *Handler {
	if deps.DefaultDeviceID == "" {
		deps.DefaultDeviceID = "ESP32_001"
	}
	return &Handler{
		db:              deps.DB,
		state:           deps.State,
		hub:             deps.Hub,
		anomalyDetector: deps.Detector,
		orchestrator:    deps.Orchestrator,
		dispatcher:      deps.Dispatcher,
		archiver:        deps.Archiver,
		defaultDeviceID: deps.DefaultDeviceID,
		started:         time.Now(),
		now:             time.Now,
	}
}

func (h *Handler) deviceID(c *gin.Context) string {
	if id := strings.TrimSpace(c.Param("deviceId")); id != "" {
		return id
	}
	return h.defaultDeviceID
}

func (h *Handler) internalError(c *gin.Context, op string, err error, message string) {
	log.Printf("Failed to %s via %s: %v", op, h.db.Name(), err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "Internal server error",
		"message": message,
	})
}

func validationFailed(c *gin.Context, err error) bool {
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		return false
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Validation failed",
		"details": verrs,
	})
	return true
}

func badBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"message": "Request body must be valid JSON",
	})
}

// GetHealth reports liveness, storage state and connected viewers
func (h *Handler) GetHealth(c *gin.Context) {
	state := database.StateConnected
	if h.state != nil {
		state = h.state()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "OK",
		"timestamp": h.now().UTC(),
		"database": gin.H{
			"type":      h.db.Name(),
			"connected": state == database.StateConnected,
			"state":     state,
		},
		"websocket": gin.H{
			"connected_clients": h.hub.GetClientCount(),
		},
		"uptime": h.now().Sub(h.started).Seconds(),
	})
}

// PostEnergyData ingests one reading
func (h *Handler) PostEnergyData(c *gin.Context) {
	var raw models.RawReading
	if err := c.ShouldBindJSON(&raw); err != nil {
		badBody(c)
		return
	}

	result, err := h.orchestrator.Ingest(c.Request.Context(), &raw, "")
	if err != nil {
		if validationFailed(c, err) {
			return
		}
		h.internalError(c, "store energy data", err, "Failed to store energy data")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "Energy data stored successfully",
		"id":      result.ID,
	})
}

// GetLatest returns the newest reading of a device
func (h *Handler) GetLatest(c *gin.Context) {
	deviceID := h.deviceID(c)

	reading, err := h.db.GetLatestReading(c.Request.Context(), deviceID)
	if err != nil {
		if database.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "No data found",
				"message": fmt.Sprintf("No recent data found for device %s", deviceID),
			})
			return
		}
		h.internalError(c, "get latest reading", err, "Failed to retrieve energy data")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": reading})
}

// GetHistory returns readings of the last hours, newest first
func (h *Handler) GetHistory(c *gin.Context) {
	deviceID := h.deviceID(c)

	hours, err := positiveInt(c.Query("hours"), defaultHistoryHours)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid time range",
			"message": "hours must be a positive integer",
		})
		return
	}
	if hours > database.MaxHistoryHours {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid time range",
			"message": "Maximum history range is 168 hours (7 days)",
		})
		return
	}

	limit, err := positiveInt(c.Query("limit"), defaultHistoryLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid limit",
			"message": "limit must be a positive integer",
		})
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	readings, err := h.db.GetHistoricalData(c.Request.Context(), deviceID, hours, limit)
	if err != nil {
		h.internalError(c, "get history", err, "Failed to retrieve historical data")
		return
	}
	if readings == nil {
		readings = []models.Reading{}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    readings,
		"meta": gin.H{
			"deviceId": deviceID,
			"hours":    hours,
			"count":    len(readings),
		},
	})
}

// GetStats aggregates a device's readings over a period
func (h *Handler) GetStats(c *gin.Context) {
	deviceID := h.deviceID(c)
	period := models.StatsPeriod(c.DefaultQuery("period", string(models.PeriodDay)))
	if !period.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid period",
			"message": "period must be one of day, week, month",
		})
		return
	}

	stats, err := h.db.GetEnergyStatistics(c.Request.Context(), deviceID, period)
	if err != nil {
		h.internalError(c, "get statistics", err, "Failed to retrieve energy statistics")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    stats,
		"meta": gin.H{
			"deviceId": deviceID,
			"period":   period,
		},
	})
}

// GetLive returns the chart samples buffered for a device
func (h *Handler) GetLive(c *gin.Context) {
	deviceID := h.deviceID(c)
	limit, err := positiveInt(c.Query("limit"), defaultLiveLimit)
	if err != nil {
		limit = defaultLiveLimit
	}

	samples := h.hub.Recent(deviceID, limit)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    samples,
		"meta": gin.H{
			"deviceId": deviceID,
			"count":    len(samples),
		},
	})
}

type commandRequest struct {
	DeviceID string      `json:"deviceId"`
	Command  string      `json:"command"`
	Value    interface{} `json:"value"`
}

// PostCommand validates and dispatches a device command
func (h *Handler) PostCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}

	result, err := h.dispatcher.Dispatch(c.Request.Context(), services.CommandRequest{
		DeviceID: req.DeviceID,
		Command:  req.Command,
		Value:    req.Value,
		Source:   models.CommandSourceOperator,
	})
	if err != nil {
		if validationFailed(c, err) {
			return
		}
		h.internalError(c, "send device command", err, "Failed to send device command")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   fmt.Sprintf("Command '%s' sent to device '%s'", result.Command.Command, result.Command.DeviceID),
		"commandId": result.CommandID,
	})
}

// GetDeviceStatus returns the last known power state of a device
func (h *Handler) GetDeviceStatus(c *gin.Context) {
	deviceID := h.deviceID(c)

	status, err := h.db.GetDeviceStatus(c.Request.Context(), deviceID)
	if err != nil {
		if database.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "Device not found",
				"message": fmt.Sprintf("No status found for device %s", deviceID),
			})
			return
		}
		h.internalError(c, "get device status", err, "Failed to retrieve device status")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": status})
}

type statusRequest struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
}

// PostDeviceStatus records a state confirmed by a device
func (h *Handler) PostDeviceStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		req.DeviceID = h.defaultDeviceID
	}

	status, err := h.orchestrator.ReportStatus(c.Request.Context(), req.DeviceID, req.Status)
	if err != nil {
		if validationFailed(c, err) {
			return
		}
		h.internalError(c, "update device status", err, "Failed to update device status")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": status})
}

type alertRequest struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Priority string `json:"priority"`
	DeviceID string `json:"deviceId"`
}

// GetPendingCommands lists the commands issued to a device after the
// optional since parameter, given as RFC3339 or unix milliseconds
func (h *Handler) GetPendingCommands(c *gin.Context) {
	deviceID := h.deviceID(c)

	since, err := parseSince(c.Query("since"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid since",
			"message": "since must be an RFC3339 time or unix milliseconds",
		})
		return
	}

	queue, ok := h.db.(database.CommandQueue)
	if !ok {
		commandQueueMissing(c, h.db.Name())
		return
	}
	commands, err := queue.PendingCommands(c.Request.Context(), deviceID, since)
	if errors.Is(err, database.ErrNotSupported) {
		commandQueueMissing(c, h.db.Name())
		return
	}
	if err != nil {
		h.internalError(c, "get pending commands", err, "Failed to retrieve device commands")
		return
	}
	if commands == nil {
		commands = []models.DeviceCommand{}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    commands,
		"count":   len(commands),
	})
}

func commandQueueMissing(c *gin.Context, backend string) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"error":   "Not supported",
		"message": fmt.Sprintf("The %s backend keeps no command queue", backend),
	})
}

func parseSince(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, value)
}

// PostAlert creates an operator alert
func (h *Handler) PostAlert(c *gin.Context) {
	var req alertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}

	alert, err := h.orchestrator.RaiseAlert(c.Request.Context(), services.AlertRequest{
		Type:     req.Type,
		Message:  req.Message,
		Priority: req.Priority,
		DeviceID: req.DeviceID,
	})
	if err != nil {
		if validationFailed(c, err) {
			return
		}
		h.internalError(c, "create alert", err, "Failed to create alert")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "Alert created successfully",
		"alertId": alert.ID,
	})
}

// GetAlerts lists alerts, open ones unless resolved=true
func (h *Handler) GetAlerts(c *gin.Context) {
	resolved := c.Query("resolved") == "true"
	limit, err := positiveInt(c.Query("limit"), defaultAlertLimit)
	if err != nil {
		limit = defaultAlertLimit
	}

	alerts, err := h.db.GetAlerts(c.Request.Context(), resolved, limit)
	if err != nil {
		h.internalError(c, "get alerts", err, "Failed to retrieve alerts")
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": alerts})
}

// GetAnomalyThresholds retrieves current anomaly detection thresholds
func (h *Handler) GetAnomalyThresholds(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"thresholds": h.anomalyDetector.GetThresholds(),
	})
}

// UpdateAnomalyThresholds replaces the anomaly detection thresholds
func (h *Handler) UpdateAnomalyThresholds(c *gin.Context) {
	var thresholds models.AnomalyThresholds
	if err := c.ShouldBindJSON(&thresholds); err != nil {
		badBody(c)
		return
	}

	if err := h.anomalyDetector.UpdateThresholds(thresholds); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid thresholds",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Anomaly thresholds updated successfully",
		"thresholds": thresholds,
	})
}

// WebSocketEndpoint handles WebSocket connections
func (h *Handler) WebSocketEndpoint(c *gin.Context) {
	h.hub.HandleWebSocket(c.Writer, c.Request)
}

// positiveInt parses a query value, returning def when it is empty
func positiveInt(value string, def int) (int, error) {
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid positive integer %q", value)
	}
	return n, nil
}
