package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestAuthMiddleware_WithValidCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	userID := uuid.New()

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		id, ok := GetUserIDFromContext(r.Context())
		if !ok {
			t.Fatalf("user id not in context")
		}
		if id != userID {
			t.Fatalf("user id from context = %s, want %s", id, userID)
		}
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)

	m.SetAuthCookie(w, userID, RoleUser)
	res := w.Result()
	resCookies := res.Cookies()
	if len(resCookies) == 0 {
		t.Fatalf("no cookies set by SetAuthCookie")
	}

	r.AddCookie(resCookies[0])

	handler := m.Middleware(next)
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_WithBearerToken(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	userID := uuid.New()

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		if id, _ := GetUserIDFromContext(r.Context()); id != userID {
			t.Fatalf("user id from context = %s, want %s", id, userID)
		}
	})

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer "+m.IssueToken(userID, RoleAdmin))

	m.Middleware(next).ServeHTTP(httptest.NewRecorder(), r)
	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_WithoutCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)

	handler := m.Middleware(next)
	handler.ServeHTTP(w, r)

	res := w.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_RejectsTamperedToken(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	other := NewAuthMiddleware("other-secret")
	userID := uuid.New()

	valid := m.IssueToken(userID, RoleUser)
	payload, sig, _ := strings.Cut(valid, ".")

	tests := map[string]string{
		"foreign secret":  other.IssueToken(userID, RoleUser),
		"elevated role":   strings.Replace(payload, ":user", ":admin", 1) + "." + sig,
		"missing sig":     payload,
		"garbage":         "not-a-token",
		"foreign payload": "x." + sig,
		"signed bad uuid": "abc:user." + m.sign("abc:user"),
		"signed bad role": userID.String() + ":root." + m.sign(userID.String()+":root"),
	}

	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("next handler should not be called")
			})

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/protected", nil)
			r.Header.Set("Authorization", "Bearer "+token)
			m.Middleware(next).ServeHTTP(w, r)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := m.Middleware(RequireAdmin(ok))

	tests := []struct {
		role Role
		want int
	}{
		{RoleUser, http.StatusForbidden},
		{RoleAdmin, http.StatusNoContent},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/admin/sales", nil)
		r.Header.Set("Authorization", "Bearer "+m.IssueToken(uuid.New(), tt.role))
		h.ServeHTTP(w, r)

		if w.Code != tt.want {
			t.Fatalf("role %s: status = %d, want %d", tt.role, w.Code, tt.want)
		}
	}
}
