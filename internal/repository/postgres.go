package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/zkcommerce/settlement-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore предоставляет транзакционное хранилище в PostgreSQL.
// Атомарность погашения нонса и перевода эскроу обеспечивается строчными
// транзакциями и блокировкой FOR UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore создаёт хранилище и инициализирует схему БД через миграции.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (s *PostgresStore) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраим конфликты сериализации и дедлоки; переподключением
		// занимается сам pgxpool.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// SaveNonce сохраняет новый нонс для адреса, гася предыдущий живой нонс.
// На один адрес остаётся не более одного живого нонса (частичный уникальный
// индекс), поэтому гонка двух выдач разрешается повтором: победитель второй
// попытки гасит нонс соперника.
func (s *PostgresStore) SaveNonce(ctx context.Context, n model.AuthNonce) error {
	for attempt := 0; attempt < 3; attempt++ {
		err := s.saveNonceTx(ctx, n)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			continue
		}
		return err
	}
	return fmt.Errorf("save nonce: concurrent issuance kept winning")
}

func (s *PostgresStore) saveNonceTx(ctx context.Context, n model.AuthNonce) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE auth_nonces SET consumed = TRUE WHERE address = $1 AND NOT consumed`,
		n.Address,
	)
	if err != nil {
		return fmt.Errorf("invalidate previous nonce: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO auth_nonces (nonce, address, issued_at, expires_at, consumed)
		 VALUES ($1, $2, $3, $4, FALSE)`,
		n.Nonce, n.Address, n.IssuedAt, n.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert nonce: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// ConsumeNonce атомарно гасит нонс и возвращает связанный адрес.
// Повторное гашение и неизвестный нонс дают ErrNotFound, просроченный —
// ErrNonceExpired; при конкурентных вызовах побеждает ровно один.
func (s *PostgresStore) ConsumeNonce(ctx context.Context, nonce string) (model.AuthNonce, error) {
	var n model.AuthNonce

	err := s.pool.QueryRow(ctx,
		`UPDATE auth_nonces SET consumed = TRUE
		 WHERE nonce = $1 AND NOT consumed AND expires_at > now()
		 RETURNING nonce, address, issued_at, expires_at, consumed`,
		nonce,
	).Scan(&n.Nonce, &n.Address, &n.IssuedAt, &n.ExpiresAt, &n.Consumed)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.AuthNonce{}, fmt.Errorf("consume nonce: %w", err)
	}

	// Нонс не погашен; различаем отсутствие/повтор и просрочку.
	var consumed bool
	var expiresAt time.Time
	err = s.pool.QueryRow(ctx,
		`SELECT consumed, expires_at FROM auth_nonces WHERE nonce = $1`,
		nonce,
	).Scan(&consumed, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AuthNonce{}, ErrNotFound
		}
		return model.AuthNonce{}, fmt.Errorf("inspect nonce: %w", err)
	}

	if !consumed && !expiresAt.After(time.Now()) {
		return model.AuthNonce{}, ErrNonceExpired
	}
	return model.AuthNonce{}, ErrNotFound
}

const receiptColumns = `id, purchase_commitment, buyer_hash, merchant_hash, total, token_type,
	 cart_commitment, tx_id, status, purchase_type, created_at`

func scanReceipt(row pgx.Row) (model.Receipt, error) {
	var r model.Receipt
	var status string
	err := row.Scan(&r.ID, &r.PurchaseCommitment, &r.BuyerHash, &r.MerchantHash, &r.Total,
		&r.TokenType, &r.CartCommitment, &r.TxID, &status, &r.PurchaseType, &r.CreatedAt)
	if err != nil {
		return model.Receipt{}, err
	}
	r.Status = model.ReceiptStatus(status)
	return r, nil
}

// CreateReceipt сохраняет чек идемпотентно по purchase commitment.
// При повторе возвращается существующая запись и created=false.
func (s *PostgresStore) CreateReceipt(ctx context.Context, r model.Receipt) (model.Receipt, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Receipt{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO receipts (id, purchase_commitment, buyer_hash, merchant_hash, total,
		 token_type, cart_commitment, tx_id, status, purchase_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (purchase_commitment) DO NOTHING`,
		r.ID, r.PurchaseCommitment, r.BuyerHash, r.MerchantHash, r.Total,
		r.TokenType, r.CartCommitment, r.TxID, string(r.Status), r.PurchaseType, r.CreatedAt,
	)
	if err != nil {
		return model.Receipt{}, false, fmt.Errorf("insert receipt: %w", err)
	}

	created := cmdTag.RowsAffected() == 1

	stored, err := scanReceipt(tx.QueryRow(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE purchase_commitment = $1`,
		r.PurchaseCommitment,
	))
	if err != nil {
		return model.Receipt{}, false, fmt.Errorf("select existing receipt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Receipt{}, false, fmt.Errorf("commit tx: %w", err)
	}

	return stored, created, nil
}

// GetReceipt возвращает чек по purchase commitment.
func (s *PostgresStore) GetReceipt(ctx context.Context, commitment string) (model.Receipt, error) {
	r, err := scanReceipt(s.pool.QueryRow(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE purchase_commitment = $1`,
		commitment,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Receipt{}, ErrNotFound
		}
		return model.Receipt{}, fmt.Errorf("get receipt: %w", err)
	}
	return r, nil
}

// ListReceipts возвращает чеки по хешу идентичности в указанной роли,
// новые первыми.
func (s *PostgresStore) ListReceipts(ctx context.Context, identityHash string, role model.Role) ([]model.Receipt, error) {
	column := "buyer_hash"
	if role == model.RoleMerchant {
		column = "merchant_hash"
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE `+column+` = $1 ORDER BY created_at DESC`,
		identityHash,
	)
	if err != nil {
		return nil, fmt.Errorf("select receipts: %w", err)
	}
	defer rows.Close()

	var res []model.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		res = append(res, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

const escrowColumns = `id, purchase_commitment, buyer_hash, merchant_hash, total, status,
	 escrow_tx_id, resolve_tx_id, created_block, created_at`

func scanEscrow(row pgx.Row) (model.Escrow, error) {
	var e model.Escrow
	var status string
	err := row.Scan(&e.ID, &e.PurchaseCommitment, &e.BuyerHash, &e.MerchantHash, &e.Total,
		&status, &e.EscrowTxID, &e.ResolveTxID, &e.CreatedBlock, &e.CreatedAt)
	if err != nil {
		return model.Escrow{}, err
	}
	e.Status = model.EscrowStatus(status)
	return e, nil
}

// CreateEscrow сохраняет эскроу идемпотентно по purchase commitment.
func (s *PostgresStore) CreateEscrow(ctx context.Context, e model.Escrow) (model.Escrow, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Escrow{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO escrows (id, purchase_commitment, buyer_hash, merchant_hash, total,
		 status, escrow_tx_id, resolve_tx_id, created_block, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (purchase_commitment) DO NOTHING`,
		e.ID, e.PurchaseCommitment, e.BuyerHash, e.MerchantHash, e.Total,
		string(e.Status), e.EscrowTxID, e.ResolveTxID, e.CreatedBlock, e.CreatedAt,
	)
	if err != nil {
		return model.Escrow{}, false, fmt.Errorf("insert escrow: %w", err)
	}

	created := cmdTag.RowsAffected() == 1

	stored, err := scanEscrow(tx.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE purchase_commitment = $1`,
		e.PurchaseCommitment,
	))
	if err != nil {
		return model.Escrow{}, false, fmt.Errorf("select existing escrow: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Escrow{}, false, fmt.Errorf("commit tx: %w", err)
	}

	return stored, created, nil
}

// GetEscrow возвращает эскроу по purchase commitment.
func (s *PostgresStore) GetEscrow(ctx context.Context, commitment string) (model.Escrow, error) {
	e, err := scanEscrow(s.pool.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE purchase_commitment = $1`,
		commitment,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Escrow{}, ErrNotFound
		}
		return model.Escrow{}, fmt.Errorf("get escrow: %w", err)
	}
	return e, nil
}

// ListEscrows возвращает эскроу по хешу идентичности в указанной роли,
// новые первыми.
func (s *PostgresStore) ListEscrows(ctx context.Context, identityHash string, role model.Role) ([]model.Escrow, error) {
	column := "buyer_hash"
	if role == model.RoleMerchant {
		column = "merchant_hash"
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE `+column+` = $1 ORDER BY created_at DESC`,
		identityHash,
	)
	if err != nil {
		return nil, fmt.Errorf("select escrows: %w", err)
	}
	defer rows.Close()

	var res []model.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ResolveEscrow переводит эскроу из active в newStatus. Строка блокируется
// FOR UPDATE, поэтому из конкурирующих резолверов побеждает ровно один;
// проигравший получает ErrInvalidTransition и актуальное состояние записи.
func (s *PostgresStore) ResolveEscrow(ctx context.Context, commitment string, newStatus model.EscrowStatus, resolveTxID string) (model.Escrow, error) {
	var resolved model.Escrow

	err := s.withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		current, err := scanEscrow(tx.QueryRow(ctx,
			`SELECT `+escrowColumns+` FROM escrows WHERE purchase_commitment = $1 FOR UPDATE`,
			commitment,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock escrow: %w", err)
		}

		if current.Status != model.EscrowStatusActive {
			resolved = current
			return ErrInvalidTransition
		}

		updated, err := scanEscrow(tx.QueryRow(ctx,
			`UPDATE escrows SET status = $2, resolve_tx_id = $3
			 WHERE purchase_commitment = $1
			 RETURNING `+escrowColumns,
			commitment, string(newStatus), resolveTxID,
		))
		if err != nil {
			return fmt.Errorf("update escrow: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		resolved = updated
		return nil
	})

	return resolved, err
}

// CreateLoyaltyClaim добавляет начисление лояльности идемпотентно по паре
// (address hash, purchase commitment).
func (s *PostgresStore) CreateLoyaltyClaim(ctx context.Context, c model.LoyaltyClaim) (model.LoyaltyClaim, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.LoyaltyClaim{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO loyalty_claims (id, address_hash, purchase_commitment, score, total_spent,
		 tx_id, nullifier, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (address_hash, purchase_commitment) DO NOTHING`,
		c.ID, c.AddressHash, c.PurchaseCommitment, c.Score, c.TotalSpent,
		c.TxID, c.Nullifier, c.CreatedAt,
	)
	if err != nil {
		return model.LoyaltyClaim{}, false, fmt.Errorf("insert loyalty claim: %w", err)
	}

	created := cmdTag.RowsAffected() == 1

	var stored model.LoyaltyClaim
	err = tx.QueryRow(ctx,
		`SELECT id, address_hash, purchase_commitment, score, total_spent, tx_id, nullifier, created_at
		 FROM loyalty_claims WHERE address_hash = $1 AND purchase_commitment = $2`,
		c.AddressHash, c.PurchaseCommitment,
	).Scan(&stored.ID, &stored.AddressHash, &stored.PurchaseCommitment, &stored.Score,
		&stored.TotalSpent, &stored.TxID, &stored.Nullifier, &stored.CreatedAt)
	if err != nil {
		return model.LoyaltyClaim{}, false, fmt.Errorf("select existing loyalty claim: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.LoyaltyClaim{}, false, fmt.Errorf("commit tx: %w", err)
	}

	return stored, created, nil
}

// ListLoyaltyClaims возвращает начисления по хешу адреса, новые первыми.
func (s *PostgresStore) ListLoyaltyClaims(ctx context.Context, addressHash string) ([]model.LoyaltyClaim, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, address_hash, purchase_commitment, score, total_spent, tx_id, nullifier, created_at
		 FROM loyalty_claims WHERE address_hash = $1 ORDER BY created_at DESC`,
		addressHash,
	)
	if err != nil {
		return nil, fmt.Errorf("select loyalty claims: %w", err)
	}
	defer rows.Close()

	var res []model.LoyaltyClaim
	for rows.Next() {
		var c model.LoyaltyClaim
		if err := rows.Scan(&c.ID, &c.AddressHash, &c.PurchaseCommitment, &c.Score,
			&c.TotalSpent, &c.TxID, &c.Nullifier, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan loyalty claim: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

const pendingTxColumns = `id, tx_id, address_hash, kind, status, metadata, created_at, confirmed_at`

func scanPendingTx(row pgx.Row) (model.PendingTx, error) {
	var t model.PendingTx
	var status string
	err := row.Scan(&t.ID, &t.TxID, &t.AddressHash, &t.Kind, &status, &t.Metadata,
		&t.CreatedAt, &t.ConfirmedAt)
	if err != nil {
		return model.PendingTx{}, err
	}
	t.Status = model.TxStatus(status)
	return t, nil
}

// CreatePendingTx регистрирует отправленную транзакцию идемпотентно по tx id.
func (s *PostgresStore) CreatePendingTx(ctx context.Context, t model.PendingTx) (model.PendingTx, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.PendingTx{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO pending_txs (id, tx_id, address_hash, kind, status, metadata, created_at, confirmed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)
		 ON CONFLICT (tx_id) DO NOTHING`,
		t.ID, t.TxID, t.AddressHash, t.Kind, string(t.Status), t.Metadata, t.CreatedAt,
	)
	if err != nil {
		return model.PendingTx{}, false, fmt.Errorf("insert pending tx: %w", err)
	}

	created := cmdTag.RowsAffected() == 1

	stored, err := scanPendingTx(tx.QueryRow(ctx,
		`SELECT `+pendingTxColumns+` FROM pending_txs WHERE tx_id = $1`,
		t.TxID,
	))
	if err != nil {
		return model.PendingTx{}, false, fmt.Errorf("select existing pending tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.PendingTx{}, false, fmt.Errorf("commit tx: %w", err)
	}

	return stored, created, nil
}

// GetPendingTx возвращает запись о транзакции по tx id.
func (s *PostgresStore) GetPendingTx(ctx context.Context, txID string) (model.PendingTx, error) {
	t, err := scanPendingTx(s.pool.QueryRow(ctx,
		`SELECT `+pendingTxColumns+` FROM pending_txs WHERE tx_id = $1`,
		txID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PendingTx{}, ErrNotFound
		}
		return model.PendingTx{}, fmt.Errorf("get pending tx: %w", err)
	}
	return t, nil
}

// MarkTxStatus переводит запись о транзакции из pending в указанный статус.
// Уже переведённая запись не перезаписывается: источник истины — реестр,
// а его ответ для завершённой транзакции не меняется.
func (s *PostgresStore) MarkTxStatus(ctx context.Context, txID string, status model.TxStatus, confirmedAt *time.Time) error {
	cmdTag, err := s.pool.Exec(ctx,
		`UPDATE pending_txs SET status = $2, confirmed_at = $3
		 WHERE tx_id = $1 AND status = $4`,
		txID, string(status), confirmedAt, string(model.TxStatusPending),
	)
	if err != nil {
		return fmt.Errorf("update pending tx: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM pending_txs WHERE tx_id = $1)`, txID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("inspect pending tx: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}

	return nil
}

// ListPendingTxs возвращает неподтверждённые транзакции в порядке создания.
func (s *PostgresStore) ListPendingTxs(ctx context.Context, limit int) ([]model.PendingTx, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pendingTxColumns+` FROM pending_txs
		 WHERE status = $1 ORDER BY created_at LIMIT $2`,
		string(model.TxStatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending txs: %w", err)
	}
	defer rows.Close()

	var res []model.PendingTx
	for rows.Next() {
		t, err := scanPendingTx(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending tx: %w", err)
		}
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
