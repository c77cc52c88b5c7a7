package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

// ErrBusClosed возвращается при публикации в закрытую шину.
var ErrBusClosed = errors.New("bus closed")

// LocalBus заменяет брокер при запуске без Kafka. Сообщения одного заказа
// попадают в одну очередь и обрабатываются по порядку.
type LocalBus struct {
	lanes  []chan Message
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewLocalBus создаёт шину с workers очередями по buffer сообщений.
func NewLocalBus(workers, buffer int, logger *zap.Logger) *LocalBus {
	if workers <= 0 {
		workers = 1
	}
	b := &LocalBus{
		lanes:  make([]chan Message, workers),
		logger: logger.Named("local-bus"),
	}
	for i := range b.lanes {
		b.lanes[i] = make(chan Message, buffer)
	}
	return b
}

// Publish ставит сообщение в очередь его заказа.
func (b *LocalBus) Publish(ctx context.Context, m Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	h := fnv.New32a()
	_, _ = h.Write(m.OrderID[:])
	lane := b.lanes[h.Sum32()%uint32(len(b.lanes))]

	select {
	case lane <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close закрывает очереди; Run дочитывает оставшиеся сообщения и завершается.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, l := range b.lanes {
		close(l)
	}
	return nil
}

// Run запускает по воркеру на очередь и ждёт их завершения.
func (b *LocalBus) Run(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	for _, lane := range b.lanes {
		wg.Add(1)
		go func(in <-chan Message) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case m, ok := <-in:
					if !ok {
						return
					}
					if err := handleWithRetry(ctx, h, m); err != nil && ctx.Err() == nil {
						b.logger.Error("message handling failed, skipping",
							zap.String("message_id", m.ID.String()),
							zap.String("order_id", m.OrderID.String()),
							zap.String("purpose", string(m.Purpose)),
							zap.Error(err))
					}
				}
			}
		}(lane)
	}
	wg.Wait()
	return nil
}
