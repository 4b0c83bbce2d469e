// internal/handler/device_handler.go
package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"parking-service/internal/middleware"
	"parking-service/internal/service"
	"parking-service/internal/utils"
)

// Devices is the lane device registry
type Devices interface {
	List() []service.DeviceInfo
	Describe(deviceID string) (*service.DeviceInfo, error)
	TestDevice(ctx context.Context, deviceID string) (*service.TestResult, error)
	Reconnect(deviceID string) error
	PushConfig(ctx context.Context, deviceID string) error
	Ports() ([]string, error)
}

// DeviceHandler handles device-related HTTP requests
type DeviceHandler struct {
	devices Devices
	logger  *utils.ServiceLogger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(devices Devices, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		devices: devices,
		logger:  utils.NewServiceLogger(logger, "device-handler"),
	}
}

// RegisterRoutes registers device-related routes
func (h *DeviceHandler) RegisterRoutes(router *gin.RouterGroup, auth gin.HandlerFunc) {
	devices := router.Group("/devices")
	{
		devices.GET("", h.ListDevices)

		deviceRoutes := devices.Group("/:id")
		{
			deviceRoutes.GET("", h.GetDevice)
			deviceRoutes.POST("/test", auth, h.TestDevice)
			deviceRoutes.POST("/reconnect", auth, h.ReconnectDevice)
			deviceRoutes.POST("/config", auth, h.PushDeviceConfig)
		}
	}
}

// ListDevices returns every lane device with its health and the serial
// ports visible to the host
// @Summary List devices
// @Tags Devices
// @Produce json
// @Success 200 {object} utils.APIResponse
// @Router /devices [get]
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	response := gin.H{"devices": h.devices.List()}

	ports, err := h.devices.Ports()
	if err != nil {
		h.logger.Warn("Failed to enumerate serial ports", zap.Error(err))
	} else {
		response["ports"] = ports
	}

	utils.SuccessResponse(c, http.StatusOK, "Devices retrieved", response)
}

// GetDevice returns one device
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	info, err := h.devices.Describe(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device retrieved", info)
}

// TestDevice sends a TEST command
// @Summary Test device
// @Tags Devices
// @Produce json
// @Param id path string true "Device ID"
// @Success 200 {object} utils.APIResponse
// @Failure 404 {object} utils.APIResponse
// @Router /devices/{id}/test [post]
func (h *DeviceHandler) TestDevice(c *gin.Context) {
	result, err := h.devices.TestDevice(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	message := "Device test completed"
	if !result.Success {
		message = "Device test failed"
	}
	utils.SuccessResponse(c, http.StatusOK, message, result)
}

// ReconnectDevice re-arms the reconnect policy of a device
func (h *DeviceHandler) ReconnectDevice(c *gin.Context) {
	deviceID := c.Param("id")
	if err := h.devices.Reconnect(deviceID); err != nil {
		respondError(c, err)
		return
	}
	h.logger.Info("Device reconnect requested",
		zap.String("device_id", deviceID),
		zap.String("operator", middleware.OperatorFromContext(c)),
	)
	utils.SuccessResponse(c, http.StatusAccepted, "Reconnect scheduled", gin.H{"device_id": deviceID})
}

// PushDeviceConfig sends the runtime configuration to a device
func (h *DeviceHandler) PushDeviceConfig(c *gin.Context) {
	deviceID := c.Param("id")
	if err := h.devices.PushConfig(c.Request.Context(), deviceID); err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Configuration pushed", gin.H{"device_id": deviceID})
}
