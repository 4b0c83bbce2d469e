// internal/handler/errors.go
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"parking-service/internal/gate"
	"parking-service/internal/protocol"
	"parking-service/internal/service"
	"parking-service/internal/session"
	"parking-service/internal/utils"
)

// statusFor maps domain errors to an HTTP status and a client message
func statusFor(err error) (int, string) {
	var gateErr *gate.GateError
	var linkErr *protocol.LinkError

	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "Ticket not found"
	case errors.Is(err, service.ErrDeviceNotFound):
		return http.StatusNotFound, "Device not found"
	case errors.Is(err, session.ErrAlreadyCompleted):
		return http.StatusConflict, "Ticket already settled"
	case errors.Is(err, session.ErrDuplicateActive):
		return http.StatusConflict, "Plate already has an active ticket"
	case errors.Is(err, session.ErrInvalidRequest):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, service.ErrUnsupportedCommand):
		return http.StatusBadRequest, "Command not supported by device"
	case errors.Is(err, session.ErrRateUnavailable):
		return http.StatusUnprocessableEntity, "No rate configured for vehicle type"
	case errors.As(err, &gateErr), errors.As(err, &linkErr):
		return http.StatusBadGateway, "Device did not respond"
	}
	return http.StatusInternalServerError, "Internal error"
}

// respondError writes err in the standard envelope
func respondError(c *gin.Context, err error) {
	status, message := statusFor(err)
	utils.ErrorResponse(c, status, message, err)
}
