// internal/handler/health_handler.go
package handler

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"parking-service/internal/config"
	"parking-service/internal/model"
	"parking-service/internal/utils"
)

// Database is the health side of the session store
type Database interface {
	HealthCheck(ctx context.Context) error
	GetStats() sql.DBStats
}

// Pinger is any dependency answering a ping
type Pinger interface {
	Ping(ctx context.Context) error
}

// DeviceHealth reports the state of the lane devices
type DeviceHealth interface {
	AllConnected() bool
	HealthSnapshots() []model.HealthStatus
}

// ChannelState reports the remote client link
type ChannelState interface {
	Connected() bool
}

// HealthDeps lists what the health checks cover. Nil fields are skipped:
// a memory-backed install has no Database, Cache and Channel are optional.
type HealthDeps struct {
	Database Database
	Cache    Pinger
	Devices  DeviceHealth
	Channel  ChannelState
}

const healthCheckTimeout = 3 * time.Second

// HealthHandler handles health check requests
type HealthHandler struct {
	deps      HealthDeps
	config    *config.Config
	startedAt time.Time
	logger    *utils.ServiceLogger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(deps HealthDeps, config *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		deps:      deps,
		config:    config,
		startedAt: time.Now(),
		logger:    utils.NewServiceLogger(logger, "health-handler"),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router gin.IRoutes) {
	router.GET("/health", h.HealthCheck)
	router.GET("/ready", h.ReadinessCheck)
	router.GET("/live", h.LivenessCheck)
}

// HealthCheck performs general health check. The database decides between
// healthy and unhealthy; cache, devices and channel can only degrade.
// @Summary Health check
// @Description Get overall service health including database, cache, devices and channel
// @Tags Health
// @Produce json
// @Success 200 {object} HealthResponse "Service is healthy or degraded"
// @Failure 503 {object} HealthResponse "Service is unhealthy"
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startedAt).Truncate(time.Second).String(),
		Checks:    make(map[string]CheckResult),
	}
	degrade := func() {
		if health.Status == "healthy" {
			health.Status = "degraded"
		}
	}

	if h.deps.Database != nil {
		if err := h.deps.Database.HealthCheck(ctx); err != nil {
			h.logger.Error("Database health check failed", zap.Error(err))
			health.Status = "unhealthy"
			health.Checks["database"] = CheckResult{Status: "unhealthy", Message: err.Error()}
		} else {
			stats := h.deps.Database.GetStats()
			health.Checks["database"] = CheckResult{
				Status:  "healthy",
				Message: "Database connection OK",
				Data: map[string]interface{}{
					"open_connections": stats.OpenConnections,
					"in_use":           stats.InUse,
					"idle":             stats.Idle,
				},
			}
		}
	} else {
		health.Checks["database"] = CheckResult{Status: "healthy", Message: "In-memory session store"}
	}

	if h.deps.Cache != nil {
		if err := h.deps.Cache.Ping(ctx); err != nil {
			degrade()
			health.Checks["cache"] = CheckResult{Status: "degraded", Message: err.Error()}
		} else {
			health.Checks["cache"] = CheckResult{Status: "healthy", Message: "Redis connection OK"}
		}
	}

	if h.deps.Devices != nil {
		result := CheckResult{Status: "healthy", Data: map[string]interface{}{}}
		for _, snapshot := range h.deps.Devices.HealthSnapshots() {
			result.Data[snapshot.DeviceID] = gin.H{
				"connection_state": snapshot.State,
				"status":           snapshot.Status,
			}
			if snapshot.Status == model.HealthCriticalError {
				result.Status = "degraded"
			}
		}
		if !h.deps.Devices.AllConnected() {
			result.Status = "degraded"
			result.Message = "Not every device is connected"
		}
		if result.Status != "healthy" {
			degrade()
		}
		health.Checks["devices"] = result
	}

	if h.deps.Channel != nil {
		if h.deps.Channel.Connected() {
			health.Checks["channel"] = CheckResult{Status: "healthy", Message: "Remote client connected"}
		} else {
			degrade()
			health.Checks["channel"] = CheckResult{Status: "degraded", Message: "Remote client disconnected"}
		}
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, health)
}

// ReadinessCheck for Kubernetes readiness checks. The lane is ready when the
// store answers and every device is connected.
// @Summary Readiness check
// @Tags Health
// @Produce json
// @Success 200 {object} object{status=string,timestamp=string} "Service is ready"
// @Failure 503 {object} object{status=string,reason=string} "Service is not ready"
// @Router /ready [get]
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	if h.deps.Database != nil {
		if err := h.deps.Database.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"reason": "database not available",
			})
			return
		}
	}
	if h.deps.Devices != nil && !h.deps.Devices.AllConnected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "devices not connected",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}

// LivenessCheck for Kubernetes liveness checks
// @Summary Liveness check
// @Tags Health
// @Produce json
// @Success 200 {object} object{status=string,timestamp=string} "Service is alive"
// @Router /live [get]
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
