package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zkcommerce/settlement-system/internal/model"
)

// fileData описывает содержимое файлового хранилища целиком: один JSON-документ,
// перезаписываемый атомарно через временный файл и rename.
type fileData struct {
	Nonces     map[string]model.AuthNonce `json:"nonces"`
	LiveNonces map[string]string          `json:"live_nonces"`
	Receipts   map[string]model.Receipt   `json:"receipts"`
	Escrows    map[string]model.Escrow    `json:"escrows"`
	Loyalty    []model.LoyaltyClaim       `json:"loyalty"`
	PendingTxs map[string]model.PendingTx `json:"pending_txs"`
}

// FileStore предоставляет файловое хранилище для разработки. Все мутации
// сериализуются одним мьютексом: перезапись целого файла конкурентными
// писателями без критической секции теряла бы обновления.
type FileStore struct {
	mu   sync.Mutex
	path string
	data fileData
}

// NewFileStore загружает хранилище из файла или создаёт пустое.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path: path,
		data: fileData{
			Nonces:     make(map[string]model.AuthNonce),
			LiveNonces: make(map[string]string),
			Receipts:   make(map[string]model.Receipt),
			Escrows:    make(map[string]model.Escrow),
			PendingTxs: make(map[string]model.PendingTx),
		},
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read store file: %w", err)
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("decode store file: %w", err)
		}
	}

	if s.data.Nonces == nil {
		s.data.Nonces = make(map[string]model.AuthNonce)
	}
	if s.data.LiveNonces == nil {
		s.data.LiveNonces = make(map[string]string)
	}
	if s.data.Receipts == nil {
		s.data.Receipts = make(map[string]model.Receipt)
	}
	if s.data.Escrows == nil {
		s.data.Escrows = make(map[string]model.Escrow)
	}
	if s.data.PendingTxs == nil {
		s.data.PendingTxs = make(map[string]model.PendingTx)
	}

	return s, nil
}

// Close сбрасывает текущее состояние на диск.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

// persist вызывается только под мьютексом.
func (s *FileStore) persist() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write store tmp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}

	return nil
}

// SaveNonce сохраняет новый нонс для адреса, гася предыдущий живой нонс.
func (s *FileStore) SaveNonce(ctx context.Context, n model.AuthNonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.data.LiveNonces[n.Address]; ok {
		old := s.data.Nonces[prev]
		old.Consumed = true
		s.data.Nonces[prev] = old
	}

	s.data.Nonces[n.Nonce] = n
	s.data.LiveNonces[n.Address] = n.Nonce

	return s.persist()
}

// ConsumeNonce атомарно гасит нонс и возвращает связанный адрес.
func (s *FileStore) ConsumeNonce(ctx context.Context, nonce string) (model.AuthNonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.data.Nonces[nonce]
	if !ok || n.Consumed {
		return model.AuthNonce{}, ErrNotFound
	}
	if !n.ExpiresAt.After(time.Now()) {
		return model.AuthNonce{}, ErrNonceExpired
	}

	n.Consumed = true
	s.data.Nonces[nonce] = n
	if s.data.LiveNonces[n.Address] == nonce {
		delete(s.data.LiveNonces, n.Address)
	}

	if err := s.persist(); err != nil {
		return model.AuthNonce{}, err
	}

	return n, nil
}

// CreateReceipt сохраняет чек идемпотентно по purchase commitment.
func (s *FileStore) CreateReceipt(ctx context.Context, r model.Receipt) (model.Receipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.data.Receipts[r.PurchaseCommitment]; ok {
		return existing, false, nil
	}

	s.data.Receipts[r.PurchaseCommitment] = r
	if err := s.persist(); err != nil {
		return model.Receipt{}, false, err
	}

	return r, true, nil
}

// GetReceipt возвращает чек по purchase commitment.
func (s *FileStore) GetReceipt(ctx context.Context, commitment string) (model.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data.Receipts[commitment]
	if !ok {
		return model.Receipt{}, ErrNotFound
	}
	return r, nil
}

// ListReceipts возвращает чеки по хешу идентичности в указанной роли,
// новые первыми.
func (s *FileStore) ListReceipts(ctx context.Context, identityHash string, role model.Role) ([]model.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []model.Receipt
	for _, r := range s.data.Receipts {
		if role == model.RoleMerchant && r.MerchantHash == identityHash {
			res = append(res, r)
		}
		if role != model.RoleMerchant && r.BuyerHash == identityHash {
			res = append(res, r)
		}
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})

	return res, nil
}

// CreateEscrow сохраняет эскроу идемпотентно по purchase commitment.
func (s *FileStore) CreateEscrow(ctx context.Context, e model.Escrow) (model.Escrow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.data.Escrows[e.PurchaseCommitment]; ok {
		return existing, false, nil
	}

	s.data.Escrows[e.PurchaseCommitment] = e
	if err := s.persist(); err != nil {
		return model.Escrow{}, false, err
	}

	return e, true, nil
}

// GetEscrow возвращает эскроу по purchase commitment.
func (s *FileStore) GetEscrow(ctx context.Context, commitment string) (model.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data.Escrows[commitment]
	if !ok {
		return model.Escrow{}, ErrNotFound
	}
	return e, nil
}

// ListEscrows возвращает эскроу по хешу идентичности в указанной роли,
// новые первыми.
func (s *FileStore) ListEscrows(ctx context.Context, identityHash string, role model.Role) ([]model.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []model.Escrow
	for _, e := range s.data.Escrows {
		if role == model.RoleMerchant && e.MerchantHash == identityHash {
			res = append(res, e)
		}
		if role != model.RoleMerchant && e.BuyerHash == identityHash {
			res = append(res, e)
		}
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})

	return res, nil
}

// ResolveEscrow переводит эскроу из active в newStatus; из конкурирующих
// резолверов побеждает ровно один, проигравший получает ErrInvalidTransition
// и актуальное состояние записи.
func (s *FileStore) ResolveEscrow(ctx context.Context, commitment string, newStatus model.EscrowStatus, resolveTxID string) (model.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data.Escrows[commitment]
	if !ok {
		return model.Escrow{}, ErrNotFound
	}

	if e.Status != model.EscrowStatusActive {
		return e, ErrInvalidTransition
	}

	e.Status = newStatus
	e.ResolveTxID = resolveTxID
	s.data.Escrows[commitment] = e

	if err := s.persist(); err != nil {
		return model.Escrow{}, err
	}

	return e, nil
}

// CreateLoyaltyClaim добавляет начисление лояльности идемпотентно по паре
// (address hash, purchase commitment).
func (s *FileStore) CreateLoyaltyClaim(ctx context.Context, c model.LoyaltyClaim) (model.LoyaltyClaim, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Loyalty {
		if existing.AddressHash == c.AddressHash && existing.PurchaseCommitment == c.PurchaseCommitment {
			return existing, false, nil
		}
	}

	s.data.Loyalty = append(s.data.Loyalty, c)
	if err := s.persist(); err != nil {
		return model.LoyaltyClaim{}, false, err
	}

	return c, true, nil
}

// ListLoyaltyClaims возвращает начисления по хешу адреса, новые первыми.
func (s *FileStore) ListLoyaltyClaims(ctx context.Context, addressHash string) ([]model.LoyaltyClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []model.LoyaltyClaim
	for _, c := range s.data.Loyalty {
		if c.AddressHash == addressHash {
			res = append(res, c)
		}
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})

	return res, nil
}

// CreatePendingTx регистрирует отправленную транзакцию идемпотентно по tx id.
func (s *FileStore) CreatePendingTx(ctx context.Context, t model.PendingTx) (model.PendingTx, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.data.PendingTxs[t.TxID]; ok {
		return existing, false, nil
	}

	s.data.PendingTxs[t.TxID] = t
	if err := s.persist(); err != nil {
		return model.PendingTx{}, false, err
	}

	return t, true, nil
}

// GetPendingTx возвращает запись о транзакции по tx id.
func (s *FileStore) GetPendingTx(ctx context.Context, txID string) (model.PendingTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.data.PendingTxs[txID]
	if !ok {
		return model.PendingTx{}, ErrNotFound
	}
	return t, nil
}

// MarkTxStatus переводит запись о транзакции из pending в указанный статус.
func (s *FileStore) MarkTxStatus(ctx context.Context, txID string, status model.TxStatus, confirmedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.data.PendingTxs[txID]
	if !ok {
		return ErrNotFound
	}

	if t.Status != model.TxStatusPending {
		return nil
	}

	t.Status = status
	t.ConfirmedAt = confirmedAt
	s.data.PendingTxs[txID] = t

	return s.persist()
}

// ListPendingTxs возвращает неподтверждённые транзакции в порядке создания.
func (s *FileStore) ListPendingTxs(ctx context.Context, limit int) ([]model.PendingTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []model.PendingTx
	for _, t := range s.data.PendingTxs {
		if t.Status == model.TxStatusPending {
			res = append(res, t)
		}
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})

	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}

	return res, nil
}
