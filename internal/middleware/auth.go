// Package middleware содержит HTTP middleware сервиса расчётов.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/zkcommerce/settlement-system/internal/auth"
	"github.com/zkcommerce/settlement-system/internal/model"
)

type contextKey string

const claimsKey contextKey = "credentialClaims"

// AuthMiddleware проверяет bearer-учётные данные запроса.
type AuthMiddleware struct {
	credentials *auth.CredentialManager
}

// NewAuthMiddleware создаёт middleware с указанным менеджером учётных данных.
func NewAuthMiddleware(credentials *auth.CredentialManager) *AuthMiddleware {
	return &AuthMiddleware{credentials: credentials}
}

// Middleware извлекает токен из заголовка Authorization, проверяет его и
// кладёт claims в контекст запроса. Отсутствующий, повреждённый или
// просроченный токен даёт 401 со стабильным типом ошибки.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeUnauthorized(w)
			return
		}

		claims, err := a.credentials.Parse(token)
		if err != nil {
			writeUnauthorized(w)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

// GetClaimsFromContext извлекает claims учётных данных из контекста запроса.
func GetClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*auth.Claims)
	return claims, ok
}

// RequireRole пропускает запрос только при совпадении роли; иначе 403.
func RequireRole(role model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetClaimsFromContext(r.Context())
			if !ok {
				writeUnauthorized(w)
				return
			}
			if claims.Role != role {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
