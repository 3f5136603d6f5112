// Package validation содержит функции валидации входных данных.
package validation

import "strings"

const (
	addressPrefix = "aleo1"
	addressLength = 63
)

// Набор символов bech32 для data-части адреса.
const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// IsValidAddress проверяет синтаксическую корректность адреса кошелька:
// префикс aleo1, фиксированная длина и алфавит bech32. Криптографическая
// проверка адреса не выполняется — она принадлежит внешнему реестру.
func IsValidAddress(address string) bool {
	if len(address) != addressLength {
		return false
	}
	if !strings.HasPrefix(address, addressPrefix) {
		return false
	}

	for _, ch := range address[len(addressPrefix):] {
		if !strings.ContainsRune(bech32Charset, ch) {
			return false
		}
	}

	return true
}

// IsValidCommitment проверяет синтаксическую корректность идентификатора
// коммитмента: непустая строка field-элемента вида "1234...field".
func IsValidCommitment(commitment string) bool {
	if commitment == "" {
		return false
	}
	if strings.ContainsAny(commitment, " \t\n") {
		return false
	}
	return true
}
