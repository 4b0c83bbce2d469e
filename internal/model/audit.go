// internal/model/audit.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an audited operation
type AuditAction string

const (
	AuditGateOpen        AuditAction = "GATE_OPEN"
	AuditGateClose       AuditAction = "GATE_CLOSE"
	AuditTicketCreate    AuditAction = "TICKET_CREATE"
	AuditTicketCancel    AuditAction = "TICKET_CANCEL"
	AuditPaymentComplete AuditAction = "PAYMENT_COMPLETE"
)

// EntityType represents what an audit record is about
type EntityType string

const (
	EntityGate   EntityType = "GATE"
	EntityTicket EntityType = "TICKET"
)

// AuditResult describes how an audited attempt ended
type AuditResult string

const (
	AuditSuccess AuditResult = "SUCCESS"
	AuditNoop    AuditResult = "NOOP"
	AuditFailed  AuditResult = "FAILED"
)

// ActorSystem is recorded for actions the service takes on its own
const ActorSystem = "system"

// ActorAutoClose is recorded when the safety timer closes a gate
const ActorAutoClose = "system(auto)"

// AuditRecord is an append-only audit trail entry
type AuditRecord struct {
	ID         uuid.UUID   `json:"id" db:"id"`
	Action     AuditAction `json:"action" db:"action"`
	EntityType EntityType  `json:"entity_type" db:"entity_type"`
	EntityID   string      `json:"entity_id" db:"entity_id"`
	Actor      string      `json:"actor" db:"actor"`
	Result     AuditResult `json:"result" db:"result"`
	Detail     JSONObject  `json:"detail,omitempty" db:"detail"`
	Timestamp  time.Time   `json:"timestamp" db:"created_at"`
}

// NewAuditRecord builds a record with a fresh id
func NewAuditRecord(action AuditAction, entity EntityType, entityID, actor string, result AuditResult, at time.Time) *AuditRecord {
	if actor == "" {
		actor = ActorSystem
	}
	return &AuditRecord{
		ID:         uuid.New(),
		Action:     action,
		EntityType: entity,
		EntityID:   entityID,
		Actor:      actor,
		Result:     result,
		Timestamp:  at,
	}
}
