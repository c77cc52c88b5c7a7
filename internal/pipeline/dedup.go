package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DedupTTL ограничивает время хранения отметки об обработке.
const DedupTTL = 48 * time.Hour

// RedisDeduper хранит отметки обработанных сообщений в Redis.
type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisDeduper создаёт дедупликатор поверх клиента Redis.
func NewRedisDeduper(rdb *redis.Client) *RedisDeduper {
	return &RedisDeduper{rdb: rdb, ttl: DedupTTL}
}

func dedupKey(id uuid.UUID) string {
	return fmt.Sprintf("dedup:pipeline:%s", id)
}

// Seen ставит отметку о сообщении и сообщает, была ли она уже.
func (d *RedisDeduper) Seen(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, dedupKey(id), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return !ok, nil
}

// Forget снимает отметку, чтобы повторная доставка дошла до обработчика.
func (d *RedisDeduper) Forget(ctx context.Context, id uuid.UUID) error {
	if err := d.rdb.Del(ctx, dedupKey(id)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
