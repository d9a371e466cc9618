package activity

import (
	"context"
	"fmt"

	"muse/api/internal/store"
)

type AuditStore interface {
	InsertAuditEvent(ctx context.Context, event store.AuditEvent) error
}

// AuditLog writes events to the append-only audit_events table.
type AuditLog struct {
	store AuditStore
}

func NewAuditLog(s AuditStore) *AuditLog {
	return &AuditLog{store: s}
}

func (a *AuditLog) Emit(ctx context.Context, event Event) error {
	if err := a.store.InsertAuditEvent(ctx, store.AuditEvent{
		EventType:    event.Type,
		ProjectID:    event.ProjectID,
		SuggestionID: event.SuggestionID,
		ActorID:      event.ActorID,
		Payload:      event.Payload,
		CreatedAt:    event.At,
	}); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
