package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zkcommerce/settlement-system/internal/auth"
	"github.com/zkcommerce/settlement-system/internal/identity"
	"github.com/zkcommerce/settlement-system/internal/ledger"
	"github.com/zkcommerce/settlement-system/internal/model"
	"github.com/zkcommerce/settlement-system/internal/repository"
)

func newTestService(t *testing.T, ledgerClient *ledger.Client) *Service {
	t.Helper()

	store, err := repository.NewFileStore(filepath.Join(t.TempDir(), "settlement.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	credentials := auth.NewCredentialManager([]byte("test-secret"), time.Hour)
	return NewService(store, ledgerClient, credentials)
}

func TestNonceFlow(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	n, message, err := svc.IssueNonce(ctx, "aleo1buyer")
	if err != nil {
		t.Fatalf("IssueNonce: %v", err)
	}
	if message == "" {
		t.Fatalf("empty challenge message")
	}

	token, _, err := svc.VerifyNonce(ctx, n.Nonce, "aleo1buyer", model.RoleBuyer)
	if err != nil {
		t.Fatalf("VerifyNonce: %v", err)
	}

	credentials := auth.NewCredentialManager([]byte("test-secret"), time.Hour)
	claims, err := credentials.Parse(token)
	if err != nil {
		t.Fatalf("Parse issued token: %v", err)
	}
	if claims.Address != "aleo1buyer" || claims.Role != model.RoleBuyer {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	// Нонс одноразовый: повторная проверка отклоняется.
	if _, _, err := svc.VerifyNonce(ctx, n.Nonce, "aleo1buyer", model.RoleBuyer); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("second verify err = %v, want ErrNotFound", err)
	}
}

func TestVerifyNonce_AddressMismatch(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	n, _, err := svc.IssueNonce(ctx, "aleo1owner")
	if err != nil {
		t.Fatalf("IssueNonce: %v", err)
	}

	if _, _, err := svc.VerifyNonce(ctx, n.Nonce, "aleo1other", model.RoleBuyer); !errors.Is(err, ErrAddressMismatch) {
		t.Fatalf("err = %v, want ErrAddressMismatch", err)
	}
}

func TestIssueNonce_SecondInvalidatesFirst(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	first, _, err := svc.IssueNonce(ctx, "aleo1buyer")
	if err != nil {
		t.Fatalf("IssueNonce: %v", err)
	}
	if _, _, err := svc.IssueNonce(ctx, "aleo1buyer"); err != nil {
		t.Fatalf("second IssueNonce: %v", err)
	}

	if _, _, err := svc.VerifyNonce(ctx, first.Nonce, "aleo1buyer", model.RoleBuyer); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("first nonce err = %v, want ErrNotFound", err)
	}
}

func TestRegisterReceipt_Idempotent(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	in := model.Receipt{
		PurchaseCommitment: "c1",
		BuyerHash:          identity.Hash("aleo1buyer"),
		MerchantHash:       identity.Hash("aleo1merchant"),
		Total:              5000000,
		TokenType:          0,
		TxID:               "at1purchase",
		Status:             model.ReceiptStatusConfirmed,
	}

	first, created, err := svc.RegisterReceipt(ctx, in)
	if err != nil {
		t.Fatalf("RegisterReceipt: %v", err)
	}
	if !created || first.ID == "" {
		t.Fatalf("first register: created=%v id=%q", created, first.ID)
	}

	second, created, err := svc.RegisterReceipt(ctx, in)
	if err != nil {
		t.Fatalf("RegisterReceipt repeat: %v", err)
	}
	if created {
		t.Fatalf("duplicate commitment reported created=true")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate returned different row: %s vs %s", second.ID, first.ID)
	}

	list, err := svc.ListReceipts(ctx, "aleo1buyer", model.RoleBuyer)
	if err != nil {
		t.Fatalf("ListReceipts: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("rows = %d, want 1", len(list))
	}
}

func TestResolveEscrow_RejectsNonTerminalTarget(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	if _, _, err := svc.DepositEscrow(ctx, model.Escrow{
		PurchaseCommitment: "e1",
		BuyerHash:          identity.Hash("aleo1buyer"),
		MerchantHash:       identity.Hash("aleo1merchant"),
		Total:              10000000,
	}); err != nil {
		t.Fatalf("DepositEscrow: %v", err)
	}

	if _, err := svc.ResolveEscrow(ctx, "e1", model.EscrowStatusActive, "at1x"); !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestEscrowResolveScenario(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	deposited, created, err := svc.DepositEscrow(ctx, model.Escrow{
		PurchaseCommitment: "e-refund",
		BuyerHash:          identity.Hash("aleo1buyer"),
		MerchantHash:       identity.Hash("aleo1merchant"),
		Total:              10000000,
	})
	if err != nil || !created {
		t.Fatalf("DepositEscrow: created=%v err=%v", created, err)
	}
	if deposited.Status != model.EscrowStatusActive {
		t.Fatalf("deposit status = %s, want active", deposited.Status)
	}

	if _, err := svc.ResolveEscrow(ctx, "e-refund", model.EscrowStatusRefunded, "at1refund"); err != nil {
		t.Fatalf("ResolveEscrow: %v", err)
	}

	got, onChain, err := svc.GetEscrow(ctx, "e-refund")
	if err != nil {
		t.Fatalf("GetEscrow: %v", err)
	}
	if got.Status != model.EscrowStatusRefunded || got.ResolveTxID != "at1refund" {
		t.Fatalf("escrow after resolve: %+v", got)
	}
	if onChain != OnChainUntracked {
		t.Fatalf("on-chain status without ledger client = %s, want untracked", onChain)
	}
}

func TestPollUntilConfirmed_ConfirmsBeforeTimeout(t *testing.T) {
	start := time.Now()
	var requests atomic.Int64

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if time.Since(start) < 250*time.Millisecond {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"id":"at1poll","type":"execute"}`))
	}))
	defer ts.Close()

	svc := newTestService(t, ledger.NewClient(ts.URL))
	ctx := context.Background()

	if _, _, err := svc.RegisterTx(ctx, "aleo1buyer", "at1poll", "purchase", ""); err != nil {
		t.Fatalf("RegisterTx: %v", err)
	}

	if !svc.PollUntilConfirmed(ctx, "at1poll", 2*time.Second, 100*time.Millisecond) {
		t.Fatalf("PollUntilConfirmed = false, want true before timeout")
	}
	if requests.Load() < 2 {
		t.Fatalf("requests = %d, want at least 2 poll attempts", requests.Load())
	}

	snap, err := svc.TxStatus(ctx, "at1poll")
	if err != nil {
		t.Fatalf("TxStatus: %v", err)
	}
	if !snap.Confirmed || snap.Status != model.TxStatusConfirmed || !snap.Tracked {
		t.Fatalf("snapshot after confirmation: %+v", snap)
	}
}

func TestPollUntilConfirmed_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	svc := newTestService(t, ledger.NewClient(ts.URL))
	ctx := context.Background()

	if _, _, err := svc.RegisterTx(ctx, "aleo1buyer", "at1never", "purchase", ""); err != nil {
		t.Fatalf("RegisterTx: %v", err)
	}

	if svc.PollUntilConfirmed(ctx, "at1never", 300*time.Millisecond, 100*time.Millisecond) {
		t.Fatalf("PollUntilConfirmed = true, want false on timeout")
	}

	// Отсутствие подтверждения — не провал: запись остаётся pending.
	record, err := svc.store.GetPendingTx(ctx, "at1never")
	if err != nil {
		t.Fatalf("GetPendingTx: %v", err)
	}
	if record.Status != model.TxStatusPending {
		t.Fatalf("status = %s, want pending", record.Status)
	}
}

func TestIsConfirmed_WithoutLedger(t *testing.T) {
	svc := newTestService(t, nil)

	if _, err := svc.IsConfirmed(context.Background(), "at1x"); !errors.Is(err, ErrLedgerNotConfigured) {
		t.Fatalf("err = %v, want ErrLedgerNotConfigured", err)
	}
}

func TestLoyaltySummary(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	claims := []model.LoyaltyClaim{
		{AddressHash: identity.Hash("aleo1buyer"), PurchaseCommitment: "c1", Score: 10, TotalSpent: 5000000},
		{AddressHash: identity.Hash("aleo1buyer"), PurchaseCommitment: "c2", Score: 25, TotalSpent: 3000000},
	}
	for _, c := range claims {
		if _, _, err := svc.RegisterLoyaltyClaim(ctx, c); err != nil {
			t.Fatalf("RegisterLoyaltyClaim: %v", err)
		}
		time.Sleep(5 * time.Millisecond) // стабильный порядок по created_at
	}

	// Повтор по тому же commitment не меняет агрегаты.
	if _, created, err := svc.RegisterLoyaltyClaim(ctx, claims[0]); err != nil || created {
		t.Fatalf("duplicate claim: created=%v err=%v", created, err)
	}

	summary, err := svc.LoyaltySummary(ctx, "aleo1buyer")
	if err != nil {
		t.Fatalf("LoyaltySummary: %v", err)
	}
	if summary.TotalClaims != 2 {
		t.Fatalf("total claims = %d, want 2", summary.TotalClaims)
	}
	if summary.TotalSpent != 8000000 {
		t.Fatalf("total spent = %d, want 8000000", summary.TotalSpent)
	}
	if summary.LatestScore != 25 {
		t.Fatalf("latest score = %d, want 25", summary.LatestScore)
	}
}

func TestMerchantStats(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	merchant := identity.Hash("aleo1merchant")
	buyer := identity.Hash("aleo1buyer")

	receipts := []model.Receipt{
		{PurchaseCommitment: "r1", BuyerHash: buyer, MerchantHash: merchant, Total: 5000000},
		{PurchaseCommitment: "r2", BuyerHash: buyer, MerchantHash: merchant, Total: 2000000},
	}
	for _, r := range receipts {
		if _, _, err := svc.RegisterReceipt(ctx, r); err != nil {
			t.Fatalf("RegisterReceipt: %v", err)
		}
	}

	if _, _, err := svc.DepositEscrow(ctx, model.Escrow{
		PurchaseCommitment: "e1", BuyerHash: buyer, MerchantHash: merchant, Total: 10000000,
	}); err != nil {
		t.Fatalf("DepositEscrow: %v", err)
	}
	if _, err := svc.ResolveEscrow(ctx, "e1", model.EscrowStatusCompleted, "at1done"); err != nil {
		t.Fatalf("ResolveEscrow: %v", err)
	}

	stats, err := svc.MerchantStats(ctx, "aleo1merchant")
	if err != nil {
		t.Fatalf("MerchantStats: %v", err)
	}
	if stats.ReceiptCount != 2 || stats.GrossTotal != 7000000 {
		t.Fatalf("receipt stats: %+v", stats)
	}
	if stats.EscrowCompleted != 1 || stats.EscrowActive != 0 {
		t.Fatalf("escrow stats: %+v", stats)
	}
}
