package payment

import (
	"context"
	"math/rand/v2"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Simulated одобряет платежи с заданной вероятностью. Используется, когда адрес шлюза не задан.
type Simulated struct {
	approvalRate float64
	roll         func() float64
}

// NewSimulated создаёт шлюз-заглушку. rate ограничивается диапазоном [0, 1].
func NewSimulated(rate float64) *Simulated {
	rate = min(max(rate, 0), 1)
	return &Simulated{approvalRate: rate, roll: rand.Float64}
}

// AttemptPayment одобряет платёж с вероятностью approvalRate.
func (s *Simulated) AttemptPayment(ctx context.Context, _ uuid.UUID, amount decimal.Decimal) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if amount.IsNegative() {
		return false, nil
	}
	return s.roll() < s.approvalRate, nil
}
