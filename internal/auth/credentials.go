// Package auth содержит выпуск и проверку bearer-учётных данных сервиса.
// Учётные данные самодостаточны: подписанный HS256 JWT с адресом и ролью,
// без секретного материала кошелька.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zkcommerce/settlement-system/internal/model"
)

// CredentialTTL — срок действия выданных учётных данных.
const CredentialTTL = 24 * time.Hour

// NonceTTL — срок жизни невостребованного одноразового вызова.
const NonceTTL = 5 * time.Minute

// ErrInvalidCredential возвращается для отсутствующего, повреждённого или
// просроченного токена.
var ErrInvalidCredential = errors.New("invalid credential")

// Claims содержит полезную нагрузку учётных данных: адрес и роль.
type Claims struct {
	Address string     `json:"addr"`
	Role    model.Role `json:"role"`
	jwt.RegisteredClaims
}

// CredentialManager выпускает и проверяет подписанные учётные данные.
type CredentialManager struct {
	signKey []byte
	ttl     time.Duration
}

// NewCredentialManager создаёт менеджер учётных данных с указанным секретом.
func NewCredentialManager(secret []byte, ttl time.Duration) *CredentialManager {
	if ttl <= 0 {
		ttl = CredentialTTL
	}
	return &CredentialManager{signKey: secret, ttl: ttl}
}

// Issue выпускает подписанный HS256 JWT для адреса и роли.
func (m *CredentialManager) Issue(address string, role model.Role) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(m.ttl)
	claims := Claims{
		Address: address,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   address,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign credential: %w", err)
	}

	return signed, exp, nil
}

// Parse проверяет подпись и срок действия токена и возвращает его claims.
func (m *CredentialManager) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.signKey, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidCredential
	}

	if claims.Address == "" || !claims.Role.Valid() {
		return nil, ErrInvalidCredential
	}

	return claims, nil
}

// NewNonce возвращает криптографически случайный одноразовый вызов.
func NewNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ChallengeMessage строит сообщение, которое кошелёк подписывает при
// аутентификации. Нонс внутри сообщения связывает подпись с вызовом.
func ChallengeMessage(address, nonce string, issuedAt time.Time) string {
	return fmt.Sprintf(
		"zkcommerce authentication\naddress: %s\nnonce: %s\nissued: %s",
		address, nonce, issuedAt.UTC().Format(time.RFC3339),
	)
}
