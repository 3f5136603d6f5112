// Package repository содержит реализации хранилища сервиса расчётов.
//
// Оба бэкенда — PostgreSQL и файловый — обязаны обеспечивать одинаковую
// семантику: уникальность natural key (purchase commitment, nonce, tx id),
// атомарное погашение нонса и перевод эскроу, порядок выборок по времени
// создания. Создание с существующим natural key не дублирует запись, а
// возвращает существующую (created=false).
package repository

import "errors"

// ErrNotFound возвращается, если запрошенная запись отсутствует.
var (
	ErrNotFound = errors.New("record not found")
	// ErrNonceExpired возвращается при попытке погасить просроченный нонс.
	ErrNonceExpired = errors.New("nonce expired")
	// ErrInvalidTransition возвращается при недопустимом переводе эскроу:
	// разрешены только active -> completed и active -> refunded, ровно один раз.
	ErrInvalidTransition = errors.New("invalid escrow transition")
)
