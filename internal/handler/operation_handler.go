// internal/handler/operation_handler.go
package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"parking-service/internal/config"
	"parking-service/internal/orchestrator"
	"parking-service/internal/utils"
)

// Lane runs entry and exit sequences
type Lane interface {
	HandleEntry(ctx context.Context, req orchestrator.EntryRequest) orchestrator.Outcome
	OnScan(ctx context.Context, code string) orchestrator.Outcome
	Stats() orchestrator.Stats
}

// OperationHandler exposes the lane sequences over HTTP
type OperationHandler struct {
	lane   Lane
	entry  bool
	exit   bool
	logger *utils.ServiceLogger
}

// NewOperationHandler creates a new operation handler. Only the sequences of
// the configured facility role are routed.
func NewOperationHandler(lane Lane, cfg *config.Config, logger *zap.Logger) *OperationHandler {
	return &OperationHandler{
		lane:   lane,
		entry:  cfg.HandlesEntry(),
		exit:   cfg.HandlesExit(),
		logger: utils.NewServiceLogger(logger, "operation-handler"),
	}
}

// RegisterRoutes registers lane operation routes. auth guards every route
// that moves a device.
func (h *OperationHandler) RegisterRoutes(router *gin.RouterGroup, auth gin.HandlerFunc) {
	if h.entry {
		router.POST("/sessions", auth, h.Enter)
	}
	if h.exit {
		router.POST("/sessions/:code/exit", auth, h.Exit)
		router.POST("/scans", auth, h.InjectScan)
	}
	router.GET("/lane/stats", h.GetStats)
}

// Enter issues a ticket and opens the gate
// @Summary Vehicle entry
// @Tags Lane
// @Accept json
// @Produce json
// @Param request body orchestrator.EntryRequest true "Vehicle"
// @Success 201 {object} utils.APIResponse
// @Failure 400 {object} utils.APIResponse
// @Router /sessions [post]
func (h *OperationHandler) Enter(c *gin.Context) {
	var req orchestrator.EntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BindingErrorResponse(c, err)
		return
	}

	out := h.lane.HandleEntry(c.Request.Context(), req)
	if out.Err != nil {
		respondError(c, out.Err)
		return
	}
	h.respond(c, http.StatusCreated, "Ticket issued", out)
}

// Exit settles a ticket by code, as if it had been scanned at the lane
// @Summary Vehicle exit
// @Tags Lane
// @Produce json
// @Param code path string true "Ticket code"
// @Success 200 {object} utils.APIResponse
// @Failure 404 {object} utils.APIResponse
// @Failure 409 {object} utils.APIResponse
// @Router /sessions/{code}/exit [post]
func (h *OperationHandler) Exit(c *gin.Context) {
	h.settle(c, c.Param("code"))
}

// ScanRequest injects a barcode read
type ScanRequest struct {
	Code string `json:"code" binding:"required"`
}

// InjectScan runs the exit sequence for a code read by another reader
func (h *OperationHandler) InjectScan(c *gin.Context) {
	var req ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BindingErrorResponse(c, err)
		return
	}
	h.settle(c, req.Code)
}

func (h *OperationHandler) settle(c *gin.Context, code string) {
	code = strings.TrimSpace(code)
	if code == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "Ticket code is required", nil)
		return
	}

	out := h.lane.OnScan(c.Request.Context(), code)
	if out.Err != nil {
		respondError(c, out.Err)
		return
	}
	h.respond(c, http.StatusOK, "Ticket settled", out)
}

// A gate that failed after the session changed is still a settled sequence
func (h *OperationHandler) respond(c *gin.Context, status int, message string, out orchestrator.Outcome) {
	if out.GateErr != nil {
		h.logger.Warn("Sequence finished without opening the gate",
			zap.String("sequence_id", out.SequenceID),
			zap.Error(out.GateErr),
		)
		message += ", gate did not open"
	}
	utils.SuccessResponse(c, status, message, out)
}

// GetStats returns lane sequence counters
func (h *OperationHandler) GetStats(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Lane statistics", h.lane.Stats())
}
