package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/25RMD/platz-bidcore/internal/logger"
	"github.com/25RMD/platz-bidcore/internal/store"
	"github.com/25RMD/platz-bidcore/internal/store/schema"
)

// Entry describes one lifecycle event to be appended to the audit trail.
type Entry struct {
	Type                schema.AuditEventType
	TokenID             *int64
	BidID               *int64
	ActorAddress        *string
	CounterpartyAddress *string
	Details             map[string]interface{}
}

// Logger appends lifecycle events to the audit trail. Writes never block or
// fail the operation that triggered them; a failed append is reported to the
// operator through the error log and the Sentry sink instead.
type Logger struct {
	store store.Store
}

func New(s store.Store) *Logger {
	return &Logger{store: s}
}

// Record appends an audit event. Errors are swallowed after being surfaced
// to the operator sink so that the triggering operation's outcome is never
// affected by audit availability.
func (l *Logger) Record(ctx context.Context, entry Entry) {
	event := &schema.AuditEvent{
		EventID:             uuid.New().String(),
		EventType:           entry.Type,
		TokenID:             entry.TokenID,
		BidID:               entry.BidID,
		ActorAddress:        entry.ActorAddress,
		CounterpartyAddress: entry.CounterpartyAddress,
		CreatedAt:           time.Now(),
	}

	if entry.Details != nil {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			logger.ErrorCtx(ctx, err,
				zap.String("message", "failed to encode audit event details"),
				zap.String("eventType", string(entry.Type)))
			return
		}
		event.Details = datatypes.JSON(raw)
	}

	if err := l.store.CreateAuditEvent(ctx, event); err != nil {
		logger.ErrorCtx(ctx, err,
			zap.String("message", "failed to append audit event"),
			zap.String("eventID", event.EventID),
			zap.String("eventType", string(entry.Type)))
	}
}

// ByToken returns a page of a token's audit trail, newest first.
func (l *Logger) ByToken(ctx context.Context, tokenID int64, limit, offset int) ([]*schema.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListAuditEventsByToken(ctx, tokenID, limit, offset)
}

// ByAddress returns a page of audit events involving an address, newest first.
func (l *Logger) ByAddress(ctx context.Context, address string, limit, offset int) ([]*schema.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListAuditEventsByAddress(ctx, address, limit, offset)
}
