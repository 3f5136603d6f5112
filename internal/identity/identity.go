// Package identity содержит одностороннее отображение адреса кошелька
// в псевдонимный ключ индексации.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
)

// Префикс доменного разделения, чтобы хеш адреса не совпадал с другими
// применениями SHA-256 в протоколе.
const hashPrefix = "zkcommerce.identity.v1:"

// Hash возвращает детерминированный односторонний дайджест адреса кошелька.
// Одинаковый адрес всегда даёт одинаковый хеш; по хешу адрес не восстановим.
func Hash(address string) string {
	sum := sha256.Sum256([]byte(hashPrefix + address))
	return hex.EncodeToString(sum[:])
}
