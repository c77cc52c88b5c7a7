package pipeline

import (
	"context"
	"errors"
	"time"
)

// Publisher публикует сообщения конвейера.
type Publisher interface {
	Publish(ctx context.Context, m Message) error
	Close() error
}

// Handler обрабатывает одно сообщение. nil означает, что сообщение можно подтвердить.
type Handler func(ctx context.Context, m Message) error

// Параметры повторной обработки сообщения внутри потребителя.
var (
	handleAttempts     = 5
	handleBackoffStart = 200 * time.Millisecond
	handleBackoffMax   = 5 * time.Second
	// retryAfterMax ограничивает паузу, запрошенную внешней системой.
	retryAfterMax = 30 * time.Second
)

// retryDelayer реализуют ошибки, которые сами сообщают, когда стоит повторить запрос.
type retryDelayer interface {
	RetryDelay() time.Duration
}

// retryDelay возвращает паузу перед следующей попыткой: запрошенную ошибкой,
// если она длиннее очередного шага backoff.
func retryDelay(err error, backoff time.Duration) time.Duration {
	var rd retryDelayer
	if errors.As(err, &rd) {
		if d := min(rd.RetryDelay(), retryAfterMax); d > backoff {
			return d
		}
	}
	return backoff
}

// handleWithRetry вызывает h с экспоненциальной паузой между попытками.
// Сообщение, исчерпавшее попытки, не теряется для заказа: незавершённые
// заказы повторно ставятся в очередь задачей восстановления.
func handleWithRetry(ctx context.Context, h Handler, m Message) error {
	backoff := handleBackoffStart
	var err error
	for attempt := 1; attempt <= handleAttempts; attempt++ {
		if err = h(ctx, m); err == nil {
			return nil
		}
		if attempt == handleAttempts {
			break
		}

		timer := time.NewTimer(retryDelay(err, backoff))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, handleBackoffMax)
	}
	return err
}
