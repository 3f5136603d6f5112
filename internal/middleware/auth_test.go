package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zkcommerce/settlement-system/internal/auth"
	"github.com/zkcommerce/settlement-system/internal/model"
)

func TestAuthMiddleware_WithValidToken(t *testing.T) {
	credentials := auth.NewCredentialManager([]byte("test-secret"), time.Hour)
	m := NewAuthMiddleware(credentials)

	token, _, err := credentials.Issue("aleo1abc", model.RoleMerchant)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		claims, ok := GetClaimsFromContext(r.Context())
		if !ok {
			t.Fatalf("claims not in context")
		}
		if claims.Address != "aleo1abc" {
			t.Fatalf("address from context = %q, want aleo1abc", claims.Address)
		}
		if claims.Role != model.RoleMerchant {
			t.Fatalf("role from context = %q, want merchant", claims.Role)
		}
	})

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	m.Middleware(next).ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_WithoutToken(t *testing.T) {
	m := NewAuthMiddleware(auth.NewCredentialManager([]byte("test-secret"), time.Hour))

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)

	m.Middleware(next).ServeHTTP(w, r)

	res := w.Result()
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_GarbageToken(t *testing.T) {
	m := NewAuthMiddleware(auth.NewCredentialManager([]byte("test-secret"), time.Hour))

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer not-a-token")

	m.Middleware(next).ServeHTTP(w, r)

	res := w.Result()
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestRequireRole(t *testing.T) {
	credentials := auth.NewCredentialManager([]byte("test-secret"), time.Hour)
	m := NewAuthMiddleware(credentials)

	token, _, err := credentials.Issue("aleo1abc", model.RoleBuyer)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := m.Middleware(RequireRole(model.RoleMerchant)(next))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/merchant-only", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	handler.ServeHTTP(w, r)

	res := w.Result()
	defer res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}
