package model

import (
	"context"

	"github.com/google/uuid"
)

type actorKey struct{}

// WithActor сохраняет идентификатор аутентифицированного пользователя в контексте.
func WithActor(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, actorKey{}, id)
}

// ActorFromContext возвращает идентификатор пользователя из контекста.
// Для действий планировщика идентификатора нет.
func ActorFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(actorKey{}).(uuid.UUID)
	return id, ok
}
