// Package service реализует бизнес-логику сервиса расчётов.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/zkcommerce/settlement-system/internal/auth"
	"github.com/zkcommerce/settlement-system/internal/identity"
	"github.com/zkcommerce/settlement-system/internal/ledger"
	"github.com/zkcommerce/settlement-system/internal/model"
	"github.com/zkcommerce/settlement-system/internal/repository"
)

// ErrAddressMismatch возвращается, если нонс связан с другим адресом.
var (
	ErrAddressMismatch = errors.New("nonce is bound to another address")
	// ErrLedgerNotConfigured возвращается для операций, требующих клиента
	// внешнего реестра, когда он не настроен.
	ErrLedgerNotConfigured = errors.New("ledger client not configured")

	errNotYetConfirmed = errors.New("transaction not yet confirmed")
)

// Статусы живой сверки эскроу с реестром.
const (
	OnChainConfirmed   = "confirmed"
	OnChainPending     = "pending"
	OnChainUnavailable = "unavailable"
	OnChainUntracked   = "untracked"
)

// Store описывает контракт хранилища, используемый сервисом.
// Оба бэкенда обязаны обеспечивать идемпотентные создания по natural key и
// атомарные погашение нонса и перевод эскроу.
type Store interface {
	Close() error
	SaveNonce(ctx context.Context, n model.AuthNonce) error
	ConsumeNonce(ctx context.Context, nonce string) (model.AuthNonce, error)
	CreateReceipt(ctx context.Context, r model.Receipt) (model.Receipt, bool, error)
	GetReceipt(ctx context.Context, commitment string) (model.Receipt, error)
	ListReceipts(ctx context.Context, identityHash string, role model.Role) ([]model.Receipt, error)
	CreateEscrow(ctx context.Context, e model.Escrow) (model.Escrow, bool, error)
	GetEscrow(ctx context.Context, commitment string) (model.Escrow, error)
	ListEscrows(ctx context.Context, identityHash string, role model.Role) ([]model.Escrow, error)
	ResolveEscrow(ctx context.Context, commitment string, newStatus model.EscrowStatus, resolveTxID string) (model.Escrow, error)
	CreateLoyaltyClaim(ctx context.Context, c model.LoyaltyClaim) (model.LoyaltyClaim, bool, error)
	ListLoyaltyClaims(ctx context.Context, addressHash string) ([]model.LoyaltyClaim, error)
	CreatePendingTx(ctx context.Context, t model.PendingTx) (model.PendingTx, bool, error)
	GetPendingTx(ctx context.Context, txID string) (model.PendingTx, error)
	MarkTxStatus(ctx context.Context, txID string, status model.TxStatus, confirmedAt *time.Time) error
	ListPendingTxs(ctx context.Context, limit int) ([]model.PendingTx, error)
}

// Service содержит бизнес-логику сервиса расчётов.
type Service struct {
	store        Store
	ledgerClient *ledger.Client
	credentials  *auth.CredentialManager
}

// NewService создаёт сервис с указанным хранилищем, клиентом реестра и
// менеджером учётных данных. Клиент реестра может отсутствовать: тогда
// операции живой сверки недоступны, локальный учёт работает.
func NewService(store Store, ledgerClient *ledger.Client, credentials *auth.CredentialManager) *Service {
	return &Service{
		store:        store,
		ledgerClient: ledgerClient,
		credentials:  credentials,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// IssueNonce выпускает одноразовый вызов для адреса. Предыдущий живой нонс
// адреса гасится: на адрес существует не более одного живого нонса.
func (s *Service) IssueNonce(ctx context.Context, address string) (model.AuthNonce, string, error) {
	nonce, err := auth.NewNonce()
	if err != nil {
		return model.AuthNonce{}, "", err
	}

	now := time.Now()
	n := model.AuthNonce{
		Nonce:     nonce,
		Address:   address,
		IssuedAt:  now,
		ExpiresAt: now.Add(auth.NonceTTL),
	}

	if err := s.store.SaveNonce(ctx, n); err != nil {
		return model.AuthNonce{}, "", fmt.Errorf("save nonce: %w", err)
	}

	return n, auth.ChallengeMessage(address, nonce, now), nil
}

// VerifyNonce атомарно гасит нонс, сверяет связанный адрес с заявленным и
// выпускает учётные данные. Просроченный или неизвестный нонс отклоняется;
// повторных попыток нет — вызывающий запрашивает новый нонс.
func (s *Service) VerifyNonce(ctx context.Context, nonce, address string, role model.Role) (string, time.Time, error) {
	n, err := s.store.ConsumeNonce(ctx, nonce)
	if err != nil {
		return "", time.Time{}, err
	}

	if n.Address != address {
		return "", time.Time{}, ErrAddressMismatch
	}

	return s.credentials.Issue(address, role)
}

// IssueCredential выпускает учётные данные без проверки нонса. Порядок
// «сначала проверка, потом выпуск» — протокольная обязанность вызывающего.
func (s *Service) IssueCredential(address string, role model.Role) (string, time.Time, error) {
	return s.credentials.Issue(address, role)
}

// RegisterReceipt регистрирует чек идемпотентно по purchase commitment и
// попутно ставит его транзакцию на сверку с реестром.
func (s *Service) RegisterReceipt(ctx context.Context, r model.Receipt) (model.Receipt, bool, error) {
	r.ID = uuid.NewString()
	r.CreatedAt = time.Now()
	if r.Status == "" {
		r.Status = model.ReceiptStatusConfirmed
	}

	stored, created, err := s.store.CreateReceipt(ctx, r)
	if err != nil {
		return model.Receipt{}, false, err
	}

	if created && r.TxID != "" {
		// Оптимистичная регистрация: сверка подтверждения произойдёт позже.
		_, _, _ = s.store.CreatePendingTx(ctx, model.PendingTx{
			ID:          uuid.NewString(),
			TxID:        r.TxID,
			AddressHash: r.BuyerHash,
			Kind:        "purchase",
			Status:      model.TxStatusPending,
			CreatedAt:   time.Now(),
		})
	}

	return stored, created, nil
}

// ListReceipts возвращает историю чеков адреса в указанной роли.
func (s *Service) ListReceipts(ctx context.Context, address string, role model.Role) ([]model.Receipt, error) {
	return s.store.ListReceipts(ctx, identity.Hash(address), role)
}

// DepositEscrow регистрирует эскроу идемпотентно по purchase commitment.
// Запись всегда создаётся в состоянии active.
func (s *Service) DepositEscrow(ctx context.Context, e model.Escrow) (model.Escrow, bool, error) {
	e.ID = uuid.NewString()
	e.CreatedAt = time.Now()
	e.Status = model.EscrowStatusActive
	e.ResolveTxID = ""

	stored, created, err := s.store.CreateEscrow(ctx, e)
	if err != nil {
		return model.Escrow{}, false, err
	}

	if created && e.EscrowTxID != "" {
		_, _, _ = s.store.CreatePendingTx(ctx, model.PendingTx{
			ID:          uuid.NewString(),
			TxID:        e.EscrowTxID,
			AddressHash: e.BuyerHash,
			Kind:        "escrow_deposit",
			Status:      model.TxStatusPending,
			CreatedAt:   time.Now(),
		})
	}

	return stored, created, nil
}

// ResolveEscrow переводит эскроу из active в completed или refunded.
func (s *Service) ResolveEscrow(ctx context.Context, commitment string, newStatus model.EscrowStatus, resolveTxID string) (model.Escrow, error) {
	if newStatus != model.EscrowStatusCompleted && newStatus != model.EscrowStatusRefunded {
		return model.Escrow{}, repository.ErrInvalidTransition
	}
	return s.store.ResolveEscrow(ctx, commitment, newStatus, resolveTxID)
}

// GetEscrow возвращает эскроу вместе с живым статусом его транзакции в
// реестре. Локальный статус — кеш; источник истины — реестр.
func (s *Service) GetEscrow(ctx context.Context, commitment string) (model.Escrow, string, error) {
	e, err := s.store.GetEscrow(ctx, commitment)
	if err != nil {
		return model.Escrow{}, "", err
	}

	txID := e.ResolveTxID
	if txID == "" {
		txID = e.EscrowTxID
	}

	if s.ledgerClient == nil || txID == "" {
		return e, OnChainUntracked, nil
	}

	_, err = s.ledgerClient.GetTransaction(ctx, txID)
	switch {
	case err == nil:
		return e, OnChainConfirmed, nil
	case errors.Is(err, ledger.ErrNotFound):
		return e, OnChainPending, nil
	default:
		return e, OnChainUnavailable, nil
	}
}

// ListEscrows возвращает эскроу адреса в указанной роли.
func (s *Service) ListEscrows(ctx context.Context, address string, role model.Role) ([]model.Escrow, error) {
	return s.store.ListEscrows(ctx, identity.Hash(address), role)
}

// RegisterTx оптимистично регистрирует отправленную транзакцию.
func (s *Service) RegisterTx(ctx context.Context, address, txID, kind, metadata string) (model.PendingTx, bool, error) {
	t := model.PendingTx{
		ID:          uuid.NewString(),
		TxID:        txID,
		AddressHash: identity.Hash(address),
		Kind:        kind,
		Status:      model.TxStatusPending,
		Metadata:    metadata,
		CreatedAt:   time.Now(),
	}
	return s.store.CreatePendingTx(ctx, t)
}

// TxSnapshot описывает снимок статуса подтверждения транзакции.
type TxSnapshot struct {
	TxID        string         `json:"tx_id"`
	Confirmed   bool           `json:"confirmed"`
	Status      model.TxStatus `json:"status"`
	Tracked     bool           `json:"tracked"`
	ConfirmedAt *time.Time     `json:"confirmed_at,omitempty"`
}

// TxStatus выполняет одиночную живую проверку подтверждения и совмещает её
// с локальной записью, если транзакция была зарегистрирована.
func (s *Service) TxStatus(ctx context.Context, txID string) (TxSnapshot, error) {
	confirmed, err := s.IsConfirmed(ctx, txID)
	if err != nil {
		return TxSnapshot{}, err
	}

	snap := TxSnapshot{
		TxID:      txID,
		Confirmed: confirmed,
		Status:    model.TxStatusPending,
	}
	if confirmed {
		snap.Status = model.TxStatusConfirmed
	}

	if record, err := s.store.GetPendingTx(ctx, txID); err == nil {
		snap.Tracked = true
		snap.Status = record.Status
		snap.ConfirmedAt = record.ConfirmedAt
		if confirmed {
			snap.Status = model.TxStatusConfirmed
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return TxSnapshot{}, err
	}

	return snap, nil
}

// IsConfirmed выполняет одиночную проверку включения транзакции в реестр.
// Подтверждённая транзакция промотирует локальную запись; отсутствие
// локальной записи не ошибка.
func (s *Service) IsConfirmed(ctx context.Context, txID string) (bool, error) {
	if s.ledgerClient == nil {
		return false, ErrLedgerNotConfigured
	}

	_, err := s.ledgerClient.GetTransaction(ctx, txID)
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := time.Now()
	if err := s.store.MarkTxStatus(ctx, txID, model.TxStatusConfirmed, &now); err != nil &&
		!errors.Is(err, repository.ErrNotFound) {
		return true, err
	}

	return true, nil
}

// PollUntilConfirmed опрашивает реестр с шагом interval, пока транзакция не
// подтвердится или не истечёт timeout. Сетевые сбои считаются «ещё не
// подтверждено» и повторяются в пределах бюджета. Возврат false означает
// только то, что подтверждение не наблюдалось: запись остаётся pending.
func (s *Service) PollUntilConfirmed(ctx context.Context, txID string, timeout, interval time.Duration) bool {
	if timeout <= 0 || interval <= 0 {
		return false
	}

	backoff := retry.WithMaxDuration(timeout, retry.NewConstant(interval))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		confirmed, err := s.IsConfirmed(ctx, txID)
		if err != nil {
			return retry.RetryableError(err)
		}
		if !confirmed {
			return retry.RetryableError(errNotYetConfirmed)
		}
		return nil
	})

	return err == nil
}

// StartConfirmationUpdates запускает фоновую сверку неподтверждённых
// транзакций с реестром. Цикл останавливается отменой контекста.
func (s *Service) StartConfirmationUpdates(ctx context.Context) {
	if s.ledgerClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processPendingBatch(ctx)
			}
		}
	}()
}

func (s *Service) processPendingBatch(ctx context.Context) {
	pending, err := s.store.ListPendingTxs(ctx, 100)
	if err != nil {
		return
	}

	for _, t := range pending {
		// Сбой одной проверки не терминален: транзакция останется pending
		// и попадёт в следующий батч.
		_, _ = s.IsConfirmed(ctx, t.TxID)
	}
}

// RegisterLoyaltyClaim добавляет начисление лояльности идемпотентно по паре
// (address hash, purchase commitment).
func (s *Service) RegisterLoyaltyClaim(ctx context.Context, c model.LoyaltyClaim) (model.LoyaltyClaim, bool, error) {
	c.ID = uuid.NewString()
	c.CreatedAt = time.Now()
	return s.store.CreateLoyaltyClaim(ctx, c)
}

// LoyaltySummary вычисляет агрегаты лояльности адреса. Агрегаты нигде не
// хранятся и всегда считаются по записям.
func (s *Service) LoyaltySummary(ctx context.Context, address string) (model.LoyaltySummary, error) {
	claims, err := s.store.ListLoyaltyClaims(ctx, identity.Hash(address))
	if err != nil {
		return model.LoyaltySummary{}, err
	}

	summary := model.LoyaltySummary{TotalClaims: int64(len(claims))}
	for _, c := range claims {
		summary.TotalSpent += c.TotalSpent
	}
	if len(claims) > 0 {
		// Список упорядочен новыми вперёд.
		summary.LatestScore = claims[0].Score
	}

	return summary, nil
}

// MerchantStats вычисляет показатели продавца по его чекам и эскроу.
func (s *Service) MerchantStats(ctx context.Context, address string) (model.MerchantStats, error) {
	hash := identity.Hash(address)

	receipts, err := s.store.ListReceipts(ctx, hash, model.RoleMerchant)
	if err != nil {
		return model.MerchantStats{}, err
	}

	escrows, err := s.store.ListEscrows(ctx, hash, model.RoleMerchant)
	if err != nil {
		return model.MerchantStats{}, err
	}

	stats := model.MerchantStats{ReceiptCount: int64(len(receipts))}
	for _, r := range receipts {
		stats.GrossTotal += r.Total
	}
	for _, e := range escrows {
		switch e.Status {
		case model.EscrowStatusActive:
			stats.EscrowActive++
		case model.EscrowStatusCompleted:
			stats.EscrowCompleted++
		case model.EscrowStatusRefunded:
			stats.EscrowRefunded++
		}
	}

	return stats, nil
}
