package notify

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuditEntry описывает действие администратора или планировщика.
type AuditEntry struct {
	Action     string
	EntityType string
	EntityID   uuid.UUID
	// Actor пуст для действий планировщика.
	Actor   *uuid.UUID
	Payload any
}

// LogAuditor пишет записи аудита в журнал.
type LogAuditor struct {
	logger *zap.Logger
}

// NewLogAuditor создаёт журнал аудита поверх zap.
func NewLogAuditor(logger *zap.Logger) *LogAuditor {
	return &LogAuditor{logger: logger.Named("audit")}
}

// Record записывает действие. Ошибки записи не влияют на вызывающую операцию.
func (a *LogAuditor) Record(_ context.Context, e AuditEntry) {
	actor := "anonymous"
	if e.Actor != nil {
		actor = e.Actor.String()
	}

	fields := []zap.Field{
		zap.String("action", e.Action),
		zap.String("entity_type", e.EntityType),
		zap.String("entity_id", e.EntityID.String()),
		zap.String("actor", actor),
	}
	if e.Payload != nil {
		fields = append(fields, zap.Any("payload", e.Payload))
	}
	a.logger.Info("admin action", fields...)
}
