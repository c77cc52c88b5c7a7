// Package scheduler периодически запускает пакетные переходы распродаж.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Job описывает периодическую задачу. Run возвращает число обработанных записей.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Locker даёт эксклюзивное право на запуск задачи между экземплярами сервиса.
type Locker interface {
	// Acquire возвращает ok=false, если блокировку держит другой экземпляр.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// RedisLocker реализует Locker поверх redislock.
type RedisLocker struct {
	c *redislock.Client
}

// NewRedisLocker создаёт Locker поверх клиента Redis.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{c: redislock.New(rdb)}
}

// Acquire берёт блокировку key на ttl.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lock, err := l.c.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	return func() {
		// блокировка истечёт сама, если снять её не удалось
		_ = lock.Release(context.Background())
	}, true, nil
}

// Runner запускает каждую задачу по своему тикеру.
type Runner struct {
	jobs   []Job
	locker Locker
	logger *zap.Logger
	// OnFailure вызывается после ошибки задачи.
	OnFailure func(job string, err error)
}

// NewRunner создаёт планировщик. locker может быть nil для единственного экземпляра.
func NewRunner(locker Locker, logger *zap.Logger, jobs ...Job) *Runner {
	return &Runner{jobs: jobs, locker: locker, logger: logger.Named("scheduler")}
}

// Run блокируется до отмены контекста.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, job := range r.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			r.loop(ctx, job)
		}(job)
	}
	wg.Wait()
	return nil
}

func (r *Runner) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	r.logger.Info("job started", zap.String("job", job.Name), zap.Duration("interval", job.Interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job stopped", zap.String("job", job.Name))
			return
		case <-ticker.C:
			r.Tick(ctx, job)
		}
	}
}

// Tick выполняет один запуск задачи под блокировкой.
func (r *Runner) Tick(ctx context.Context, job Job) {
	if r.locker != nil {
		release, ok, err := r.locker.Acquire(ctx, "lock:scheduler:"+job.Name, job.Interval)
		if err != nil {
			r.fail(job, err)
			return
		}
		if !ok {
			r.logger.Debug("job is running elsewhere", zap.String("job", job.Name))
			return
		}
		defer release()
	}

	start := time.Now()
	n, err := job.Run(ctx)
	if err != nil {
		r.logger.Error("job failed",
			zap.String("job", job.Name), zap.Int("transitioned", n), zap.Error(err))
		r.fail(job, err)
		return
	}
	if n > 0 {
		r.logger.Info("job completed",
			zap.String("job", job.Name), zap.Int("transitioned", n), zap.Duration("took", time.Since(start)))
	}
}

func (r *Runner) fail(job Job, err error) {
	if r.OnFailure != nil {
		r.OnFailure(job.Name, err)
	}
}

// SaleTransitions описывает пакетные переходы распродаж.
type SaleTransitions interface {
	ActivateDraftSales(ctx context.Context) (int, error)
	CompleteActiveSales(ctx context.Context) (int, error)
}

// SaleJobs возвращает задачи активации и завершения распродаж.
func SaleJobs(s SaleTransitions, activation, completion time.Duration) []Job {
	return []Job{
		{Name: "activate-sales", Interval: activation, Run: s.ActivateDraftSales},
		{Name: "complete-sales", Interval: completion, Run: s.CompleteActiveSales},
	}
}

// StalledOrders описывает восстановление заказов, потерявших сообщение конвейера.
type StalledOrders interface {
	RequeueStalledOrders(ctx context.Context, olderThan time.Duration) (int, error)
}

// OrderJobs возвращает задачу, которая раз в interval повторно ставит в очередь
// заказы, не продвинувшиеся дольше stallAge.
func OrderJobs(o StalledOrders, interval, stallAge time.Duration) []Job {
	return []Job{{
		Name:     "requeue-stalled-orders",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			return o.RequeueStalledOrders(ctx, stallAge)
		},
	}}
}
