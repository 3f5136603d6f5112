// Package model содержит доменные сущности сервиса расчётов.
package model

import "time"

// Role описывает роль аутентифицированного адреса.
type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleMerchant Role = "merchant"
)

// Valid сообщает, является ли значение роли допустимым.
func (r Role) Valid() bool {
	return r == RoleBuyer || r == RoleMerchant
}

// ReceiptStatus описывает статус чека покупки.
type ReceiptStatus string

const (
	ReceiptStatusConfirmed ReceiptStatus = "confirmed"
	ReceiptStatusEscrowed  ReceiptStatus = "escrowed"
	ReceiptStatusRefunded  ReceiptStatus = "refunded"
	ReceiptStatusCompleted ReceiptStatus = "completed"
)

// Valid сообщает, является ли значение статуса чека допустимым.
func (s ReceiptStatus) Valid() bool {
	switch s {
	case ReceiptStatusConfirmed, ReceiptStatusEscrowed, ReceiptStatusRefunded, ReceiptStatusCompleted:
		return true
	default:
		return false
	}
}

// EscrowStatus описывает состояние эскроу-сделки.
type EscrowStatus string

const (
	EscrowStatusActive    EscrowStatus = "active"
	EscrowStatusCompleted EscrowStatus = "completed"
	EscrowStatusRefunded  EscrowStatus = "refunded"
)

// Valid сообщает, является ли значение статуса эскроу допустимым.
func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowStatusActive, EscrowStatusCompleted, EscrowStatusRefunded:
		return true
	default:
		return false
	}
}

// TxStatus описывает статус подтверждения транзакции во внешнем реестре.
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

// AuthNonce представляет одноразовый вызов для аутентификации кошелька.
// На один адрес существует не более одного живого (непогашенного и
// непросроченного) нонса.
type AuthNonce struct {
	Nonce     string    `json:"nonce"`
	Address   string    `json:"address"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
}

// Receipt представляет чек покупки, зарегистрированный после отправки
// транзакции во внешний реестр. Natural key — purchase commitment.
type Receipt struct {
	ID                 string        `json:"id"`
	PurchaseCommitment string        `json:"purchase_commitment"`
	BuyerHash          string        `json:"buyer_address_hash"`
	MerchantHash       string        `json:"merchant_address_hash"`
	Total              int64         `json:"total"`
	TokenType          int32         `json:"token_type"`
	CartCommitment     string        `json:"cart_commitment"`
	TxID               string        `json:"tx_id"`
	Status             ReceiptStatus `json:"status"`
	PurchaseType       string        `json:"purchase_type,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

// Escrow представляет эскроу-сделку. Из состояния active запись переходит
// ровно один раз в completed или refunded и никогда обратно.
type Escrow struct {
	ID                 string       `json:"id"`
	PurchaseCommitment string       `json:"purchase_commitment"`
	BuyerHash          string       `json:"buyer_address_hash"`
	MerchantHash       string       `json:"merchant_address_hash"`
	Total              int64        `json:"total"`
	Status             EscrowStatus `json:"status"`
	EscrowTxID         string       `json:"escrow_tx_id"`
	ResolveTxID        string       `json:"resolve_tx_id,omitempty"`
	CreatedBlock       int64        `json:"created_block"`
	CreatedAt          time.Time    `json:"created_at"`
}

// LoyaltyClaim представляет начисление баллов лояльности. Записи только
// добавляются; агрегаты вычисляются на чтении и не хранятся.
type LoyaltyClaim struct {
	ID                 string    `json:"id"`
	AddressHash        string    `json:"address_hash"`
	PurchaseCommitment string    `json:"purchase_commitment"`
	Score              int64     `json:"score"`
	TotalSpent         int64     `json:"total_spent"`
	TxID               string    `json:"tx_id"`
	Nullifier          string    `json:"nullifier,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// PendingTx представляет транзакцию, отправленную во внешний реестр и
// ожидающую подтверждения. Статус меняется только через сверку с реестром.
type PendingTx struct {
	ID          string     `json:"id"`
	TxID        string     `json:"tx_id"`
	AddressHash string     `json:"address_hash"`
	Kind        string     `json:"kind"`
	Status      TxStatus   `json:"status"`
	Metadata    string     `json:"metadata,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// LoyaltySummary содержит вычисленные агрегаты лояльности по адресу.
type LoyaltySummary struct {
	TotalClaims int64 `json:"total_claims"`
	TotalSpent  int64 `json:"total_spent"`
	LatestScore int64 `json:"latest_score"`
}

// MerchantStats содержит вычисленные показатели продавца.
type MerchantStats struct {
	ReceiptCount    int64 `json:"receipt_count"`
	GrossTotal      int64 `json:"gross_total"`
	EscrowActive    int64 `json:"escrow_active"`
	EscrowCompleted int64 `json:"escrow_completed"`
	EscrowRefunded  int64 `json:"escrow_refunded"`
}
