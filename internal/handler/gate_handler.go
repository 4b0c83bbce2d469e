// internal/handler/gate_handler.go
package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"parking-service/internal/gate"
	"parking-service/internal/middleware"
	"parking-service/internal/utils"
)

// GateControl is the manual side of a gate controller
type GateControl interface {
	Open(ctx context.Context, actor string) error
	Close(ctx context.Context, actor string) error
	Status() gate.Status
}

// GateHandler handles manual gate commands
type GateHandler struct {
	gate   GateControl
	logger *utils.ServiceLogger
}

// NewGateHandler creates a new gate handler
func NewGateHandler(g GateControl, logger *zap.Logger) *GateHandler {
	return &GateHandler{
		gate:   g,
		logger: utils.NewServiceLogger(logger, "gate-handler"),
	}
}

// RegisterRoutes registers gate routes
func (h *GateHandler) RegisterRoutes(router *gin.RouterGroup, auth gin.HandlerFunc) {
	gates := router.Group("/gate")
	{
		gates.GET("", h.GetStatus)
		gates.POST("/open", auth, h.Open)
		gates.POST("/close", auth, h.Close)
	}
}

// GetStatus returns the gate state
// @Summary Gate status
// @Tags Gate
// @Produce json
// @Success 200 {object} utils.APIResponse
// @Router /gate [get]
func (h *GateHandler) GetStatus(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Gate status", h.gate.Status())
}

// Open opens the gate on behalf of the authenticated operator
// @Summary Open gate
// @Tags Gate
// @Produce json
// @Success 200 {object} utils.APIResponse
// @Failure 502 {object} utils.APIResponse
// @Router /gate/open [post]
func (h *GateHandler) Open(c *gin.Context) {
	actor := middleware.OperatorFromContext(c)
	if err := h.gate.Open(c.Request.Context(), actor); err != nil {
		h.logger.Error("Manual gate open failed", zap.String("actor", actor), zap.Error(err))
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Gate opened", h.gate.Status())
}

// Close closes the gate on behalf of the authenticated operator
func (h *GateHandler) Close(c *gin.Context) {
	actor := middleware.OperatorFromContext(c)
	if err := h.gate.Close(c.Request.Context(), actor); err != nil {
		h.logger.Error("Manual gate close failed", zap.String("actor", actor), zap.Error(err))
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Gate closed", h.gate.Status())
}
