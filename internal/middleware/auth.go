// Package middleware содержит HTTP middleware для сервиса распродаж.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/flashsale-system/internal/model"
)

type contextKey string

const roleKey contextKey = "role"

// Role определяет права владельца токена.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

const (
	authCookieName = "auth_token"
	authCookieTTL  = 365 * 24 * time.Hour
	bearerPrefix   = "Bearer "
)

// AuthMiddleware выполняет проверку аутентификации пользователя по подписанному токену
// из cookie или заголовка Authorization.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет токен и добавляет идентификатор пользователя и роль в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		userID, role, ok := a.parseToken(token)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := model.WithActor(r.Context(), userID)
		ctx = context.WithValue(ctx, roleKey, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin пропускает только запросы с ролью администратора.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if role, _ := r.Context().Value(roleKey).(Role); role != RoleAdmin {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IssueToken подписывает токен для пользователя с указанной ролью.
func (a *AuthMiddleware) IssueToken(userID uuid.UUID, role Role) string {
	payload := userID.String() + ":" + string(role)
	return payload + "." + a.sign(payload)
}

// SetAuthCookie устанавливает cookie авторизации для указанного пользователя.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, userID uuid.UUID, role Role) {
	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    a.IssueToken(userID, role),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func (a *AuthMiddleware) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseToken(token string) (uuid.UUID, Role, bool) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok {
		return uuid.Nil, "", false
	}

	if !hmac.Equal([]byte(signature), []byte(a.sign(payload))) {
		return uuid.Nil, "", false
	}

	idStr, roleStr, ok := strings.Cut(payload, ":")
	if !ok {
		return uuid.Nil, "", false
	}
	role := Role(roleStr)
	if role != RoleUser && role != RoleAdmin {
		return uuid.Nil, "", false
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, "", false
	}

	return id, role, true
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}
	if cookie, err := r.Cookie(authCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// GetUserIDFromContext извлекает идентификатор пользователя из контекста запроса.
func GetUserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	return model.ActorFromContext(ctx)
}
