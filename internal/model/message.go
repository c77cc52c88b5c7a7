package model

import (
	"time"

	"github.com/google/uuid"
)

// MessagePurpose определяет, какой обработчик конвейера получит сообщение.
type MessagePurpose string

const (
	PurposeProcessing    MessagePurpose = "processing"
	PurposeDispatch      MessagePurpose = "dispatch"
	PurposePaymentFailed MessagePurpose = "payment_failed"
	PurposeRefund        MessagePurpose = "refund"
)

// OutboxStatus описывает состояние публикации сообщения из outbox.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusProcessing OutboxStatus = "PROCESSING"
	OutboxStatusSent       OutboxStatus = "SENT"
	OutboxStatusFailed     OutboxStatus = "FAILED"
	OutboxStatusDead       OutboxStatus = "DEAD"
)

// OutboxMessage описывает сообщение конвейера, записанное в одной транзакции с изменением состояния.
type OutboxMessage struct {
	ID            uuid.UUID
	OrderID       uuid.UUID
	Purpose       MessagePurpose
	Status        OutboxStatus
	Attempts      int
	LastError     string
	NextAttemptAt *time.Time
	LockedAt      *time.Time
	CreatedAt     time.Time
}

// NewOutboxMessage создаёт сообщение, готовое к публикации.
func NewOutboxMessage(orderID uuid.UUID, purpose MessagePurpose, now time.Time) OutboxMessage {
	return OutboxMessage{
		ID:        uuid.New(),
		OrderID:   orderID,
		Purpose:   purpose,
		Status:    OutboxStatusPending,
		CreatedAt: now,
	}
}
