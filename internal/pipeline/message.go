// Package pipeline доставляет сообщения конвейера исполнения заказов: outbox-ретранслятор,
// публикация в Kafka или во внутреннюю шину и маршрутизация к обработчикам.
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/flashsale-system/internal/model"
)

const (
	envelopeVersion = 1
	producerName    = "flashsale"
)

// Message переносит только идентификатор заказа и назначение.
type Message struct {
	ID         uuid.UUID
	OrderID    uuid.UUID
	Purpose    model.MessagePurpose
	OccurredAt time.Time
	// Headers содержит контекст трассировки.
	Headers map[string]string
}

// FromOutbox строит сообщение из записи outbox.
func FromOutbox(m model.OutboxMessage) Message {
	return Message{
		ID:         m.ID,
		OrderID:    m.OrderID,
		Purpose:    m.Purpose,
		OccurredAt: m.CreatedAt,
	}
}

// Envelope описывает формат сообщения в Kafka.
type Envelope struct {
	EventID      string    `json:"event_id"`
	Purpose      string    `json:"purpose"`
	EventVersion int       `json:"event_version"`
	OccurredAt   time.Time `json:"occurred_at"`
	Producer     string    `json:"producer"`
	OrderID      string    `json:"order_id"`
}

// Encode сериализует сообщение в JSON-конверт.
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(Envelope{
		EventID:      m.ID.String(),
		Purpose:      string(m.Purpose),
		EventVersion: envelopeVersion,
		OccurredAt:   m.OccurredAt.UTC(),
		Producer:     producerName,
		OrderID:      m.OrderID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Decode разбирает JSON-конверт.
func Decode(b []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}

	id, err := uuid.Parse(env.EventID)
	if err != nil {
		return Message{}, fmt.Errorf("decode event id: %w", err)
	}
	orderID, err := uuid.Parse(env.OrderID)
	if err != nil {
		return Message{}, fmt.Errorf("decode order id: %w", err)
	}

	purpose := model.MessagePurpose(env.Purpose)
	switch purpose {
	case model.PurposeProcessing, model.PurposeDispatch, model.PurposePaymentFailed, model.PurposeRefund:
	default:
		return Message{}, fmt.Errorf("unknown purpose %q", env.Purpose)
	}

	return Message{
		ID:         id,
		OrderID:    orderID,
		Purpose:    purpose,
		OccurredAt: env.OccurredAt,
	}, nil
}
