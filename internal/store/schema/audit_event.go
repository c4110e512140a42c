package schema

import (
	"time"

	"gorm.io/datatypes"
)

// AuditEventType identifies the kind of state-changing decision recorded
type AuditEventType string

const (
	AuditBidPlaced         AuditEventType = "BID_PLACED"
	AuditBidAccepted       AuditEventType = "BID_ACCEPTED"
	AuditBidRejected       AuditEventType = "BID_REJECTED"
	AuditBidWithdrawn      AuditEventType = "BID_WITHDRAWN"
	AuditBidCancelled      AuditEventType = "BID_CANCELLED"
	AuditOwnershipTransfer AuditEventType = "OWNERSHIP_TRANSFER"
	AuditOwnershipSync     AuditEventType = "OWNERSHIP_SYNC"
	AuditValidationFailure AuditEventType = "VALIDATION_FAILURE"
	AuditDataInconsistency AuditEventType = "DATA_INCONSISTENCY"
)

// AuditEvent represents the audit_events table - an append-only record of
// every state-changing decision. Rows are never updated or deleted.
type AuditEvent struct {
	// ID is the internal database primary key
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// EventID is the external UUID for cross-system correlation
	EventID string `gorm:"column:event_id;not null;uniqueIndex;type:text"`
	// EventType identifies the decision recorded
	EventType AuditEventType `gorm:"column:event_type;not null;type:text;index"`
	// TokenID references the token involved, if any
	TokenID *int64 `gorm:"column:token_id;index"`
	// BidID references the bid involved, if any
	BidID *int64 `gorm:"column:bid_id;index"`
	// ActorAddress is the address that initiated the change, if any
	ActorAddress *string `gorm:"column:actor_address;type:text;index"`
	// CounterpartyAddress is the other side of the change, if any
	CounterpartyAddress *string `gorm:"column:counterparty_address;type:text;index"`
	// Details contains the structured event payload as JSON
	Details datatypes.JSON `gorm:"column:details;type:jsonb"`
	// CreatedAt is the timestamp when the event was recorded
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();index"`
}

// TableName specifies the table name for the AuditEvent model
func (AuditEvent) TableName() string {
	return "audit_events"
}
