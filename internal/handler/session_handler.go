// internal/handler/session_handler.go
package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"parking-service/internal/middleware"
	"parking-service/internal/model"
	"parking-service/internal/repository"
	"parking-service/internal/session"
	"parking-service/internal/utils"
)

// Sessions is the read and void side of the ticket lifecycle
type Sessions interface {
	LookupSession(ctx context.Context, code string) (*model.Session, error)
	QuoteSession(ctx context.Context, code string) (*session.Quote, error)
	CancelSession(ctx context.Context, code, actor, reason string) (*model.Session, error)
	ListSessions(ctx context.Context, filter *repository.SessionFilter) ([]*model.Session, int, error)
	Rates(ctx context.Context) ([]*model.Rate, error)
}

// SessionHandler handles ticket queries and operator voids
type SessionHandler struct {
	sessions Sessions
	audit    repository.AuditRepository
	logger   *utils.ServiceLogger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessions Sessions, audit repository.AuditRepository, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		audit:    audit,
		logger:   utils.NewServiceLogger(logger, "session-handler"),
	}
}

// RegisterRoutes registers session routes
func (h *SessionHandler) RegisterRoutes(router *gin.RouterGroup, auth gin.HandlerFunc) {
	sessions := router.Group("/sessions")
	{
		sessions.GET("", h.ListSessions)
		sessions.GET("/:code", h.GetSession)
		sessions.GET("/:code/quote", h.QuoteSession)
		sessions.POST("/:code/cancel", auth, h.CancelSession)
	}
	router.GET("/rates", h.ListRates)
	router.GET("/audit", auth, h.ListAudit)
}

// ListSessions lists tickets, newest entry first
// @Summary List sessions
// @Tags Sessions
// @Produce json
// @Param status query string false "ACTIVE, COMPLETED or CANCELLED"
// @Param plate query string false "Plate number"
// @Param page query int false "Page"
// @Param per_page query int false "Page size"
// @Success 200 {object} utils.APIResponse
// @Router /sessions [get]
func (h *SessionHandler) ListSessions(c *gin.Context) {
	filter := &repository.SessionFilter{}
	if status := c.Query("status"); status != "" {
		s := model.SessionStatus(strings.ToUpper(status))
		switch s {
		case model.SessionActive, model.SessionCompleted, model.SessionCancelled:
			filter.Status = &s
		default:
			utils.ValidationErrorResponse(c, map[string]string{"status": "must be ACTIVE, COMPLETED or CANCELLED"})
			return
		}
	}
	if plate := c.Query("plate"); plate != "" {
		normalized := model.NormalizePlate(plate)
		filter.PlateNumber = &normalized
	}
	for key, target := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if raw := c.Query(key); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				utils.ValidationErrorResponse(c, map[string]string{key: "must be an RFC3339 timestamp"})
				return
			}
			*target = &t
		}
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PerPage, _ = strconv.Atoi(c.DefaultQuery("per_page", "50"))

	sessions, total, err := h.sessions.ListSessions(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list sessions", zap.Error(err))
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Sessions retrieved", gin.H{
		"sessions": sessions,
		"total":    total,
		"page":     filter.Page,
		"per_page": filter.PerPage,
	})
}

// GetSession returns one ticket
// @Summary Get session
// @Tags Sessions
// @Produce json
// @Param code path string true "Ticket code"
// @Success 200 {object} utils.APIResponse
// @Failure 404 {object} utils.APIResponse
// @Router /sessions/{code} [get]
func (h *SessionHandler) GetSession(c *gin.Context) {
	s, err := h.sessions.LookupSession(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Session retrieved", s)
}

// QuoteSession returns the fee the ticket would pay now
func (h *SessionHandler) QuoteSession(c *gin.Context) {
	quote, err := h.sessions.QuoteSession(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Fee quoted", quote)
}

// CancelRequest voids a ticket
type CancelRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// CancelSession voids an active ticket without charging it
// @Summary Cancel session
// @Tags Sessions
// @Accept json
// @Produce json
// @Param code path string true "Ticket code"
// @Param request body CancelRequest true "Reason"
// @Success 200 {object} utils.APIResponse
// @Failure 409 {object} utils.APIResponse
// @Router /sessions/{code}/cancel [post]
func (h *SessionHandler) CancelSession(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BindingErrorResponse(c, err)
		return
	}

	s, err := h.sessions.CancelSession(c.Request.Context(), c.Param("code"), middleware.OperatorFromContext(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Session cancelled", s)
}

// ListRates returns the tariff table
func (h *SessionHandler) ListRates(c *gin.Context) {
	rates, err := h.sessions.Rates(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list rates", zap.Error(err))
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Rates retrieved", rates)
}

// ListAudit returns the newest audit records
func (h *SessionHandler) ListAudit(c *gin.Context) {
	filter := &repository.AuditFilter{}
	if entityType := c.Query("entity_type"); entityType != "" {
		et := model.EntityType(strings.ToUpper(entityType))
		filter.EntityType = &et
	}
	if entityID := c.Query("entity_id"); entityID != "" {
		filter.EntityID = &entityID
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "100"))

	records, err := h.audit.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list audit records", zap.Error(err))
		respondError(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Audit records retrieved", records)
}
