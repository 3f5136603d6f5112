// Package handler содержит HTTP-обработчики API сервиса расчётов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/zkcommerce/settlement-system/internal/identity"
	"github.com/zkcommerce/settlement-system/internal/ledger"
	"github.com/zkcommerce/settlement-system/internal/middleware"
	"github.com/zkcommerce/settlement-system/internal/model"
	"github.com/zkcommerce/settlement-system/internal/repository"
	"github.com/zkcommerce/settlement-system/internal/service"
	"github.com/zkcommerce/settlement-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	IssueNonce(ctx context.Context, address string) (model.AuthNonce, string, error)
	VerifyNonce(ctx context.Context, nonce, address string, role model.Role) (string, time.Time, error)
	RegisterReceipt(ctx context.Context, r model.Receipt) (model.Receipt, bool, error)
	ListReceipts(ctx context.Context, address string, role model.Role) ([]model.Receipt, error)
	DepositEscrow(ctx context.Context, e model.Escrow) (model.Escrow, bool, error)
	ResolveEscrow(ctx context.Context, commitment string, newStatus model.EscrowStatus, resolveTxID string) (model.Escrow, error)
	GetEscrow(ctx context.Context, commitment string) (model.Escrow, string, error)
	RegisterTx(ctx context.Context, address, txID, kind, metadata string) (model.PendingTx, bool, error)
	TxStatus(ctx context.Context, txID string) (service.TxSnapshot, error)
	RegisterLoyaltyClaim(ctx context.Context, c model.LoyaltyClaim) (model.LoyaltyClaim, bool, error)
	LoyaltySummary(ctx context.Context, address string) (model.LoyaltySummary, error)
	MerchantStats(ctx context.Context, address string) (model.MerchantStats, error)
}

// Handler реализует HTTP-обработчики API сервиса расчётов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError отвечает JSON-телом со стабильным типом ошибки.
func writeError(w http.ResponseWriter, status int, kind string) {
	writeJSON(w, status, map[string]string{"error": kind})
}

// writeServiceError переводит ошибки нижних слоёв в HTTP-статусы.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, repository.ErrNonceExpired):
		writeError(w, http.StatusUnauthorized, "nonce_expired")
	case errors.Is(err, service.ErrAddressMismatch):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, repository.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition")
	case errors.Is(err, ledger.ErrUnavailable), errors.Is(err, service.ErrLedgerNotConfigured):
		writeError(w, http.StatusBadGateway, "upstream_unavailable")
	default:
		h.logger.Error(op+" error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

type nonceRequest struct {
	Address string `json:"address"`
}

type nonceResponse struct {
	Nonce   string `json:"nonce"`
	Message string `json:"message"`
}

// IssueNonce выдаёт одноразовый вызов для адреса кошелька.
func (h *Handler) IssueNonce(w http.ResponseWriter, r *http.Request) {
	var req nonceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation")
		return
	}

	if !validation.IsValidAddress(req.Address) {
		writeError(w, http.StatusUnprocessableEntity, "validation")
		return
	}

	n, message, err := h.service.IssueNonce(r.Context(), req.Address)
	if err != nil {
		h.writeServiceError(w, err, "issue nonce")
		return
	}

	writeJSON(w, http.StatusOK, nonceResponse{Nonce: n.Nonce, Message: message})
}

type verifyRequest struct {
	Nonce     string     `json:"nonce"`
	Address   string     `json:"address"`
	Signature string     `json:"signature"`
	Role      model.Role `json:"role"`
}

type verifyResponse struct {
	Token   string     `json:"token"`
	Address string     `json:"address"`
	Role    model.Role `json:"role"`
}

// VerifyNonce гасит нонс и выдаёт bearer-учётные данные.
// Криптографическую валидность подписи устанавливает кошелёк и реестр;
// сервис проверяет владение одноразовым нонсом, связанным с адресом.
func (h *Handler) VerifyNonce(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation")
		return
	}

	if req.Nonce == "" || req.Signature == "" || !req.Role.Valid() {
		writeError(w, http.StatusBadRequest, "validation")
		return
	}
	if !validation.IsValidAddress(req.Address) {
		writeError(w, http.StatusUnprocessableEntity, "validation")
		return
	}

	token, _, err := h.service.VerifyNonce(r.Context(), req.Nonce, req.Address, req.Role)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Неизвестный или уже погашенный нонс — отказ в аутентификации.
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h.writeServiceError(w, err, "verify nonce")
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{Token: token, Address: req.Address, Role: req.Role})
}

type receiptRequest struct {
	PurchaseCommitment string `json:"purchase_commitment"`
	BuyerHash          string `json:"buyer_address_hash"`
	MerchantHash       string `json:"merchant_address_hash"`
	Total              int64  `json:"total"`
	TokenType          int32  `json:"token_type"`
	CartCommitment     string `json:"cart_commitment"`
	TxID               string `json:"tx_id"`
	Status             string `json:"status"`
	PurchaseType       string `json:"purchase_type"`
}

// CreateReceipt регистрирует чек покупки. Повтор с тем же purchase
// commitment возвращает существующую запись со статусом 200.
func (h *Handler) CreateReceipt(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req receiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation")
		return
	}

	if !validation.IsValidCommitment(req.PurchaseCommitment) || req.Total <= 0 ||
		req.BuyerHash == "" || req.MerchantHash == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation")
		return
	}

	status := model.ReceiptStatus(req.Status)
	if req.Status != "" && !status.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "validation")
		return
	}

	// Запись привязывается к вызывающему: его хеш обязан быть стороной сделки.
	callerHash := identity.Hash(claims.Address)
	if callerHash != req.BuyerHash && callerHash != req.MerchantHash {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	stored, created, err := h.service.RegisterReceipt(r.Context(), model.Receipt{
		PurchaseCommitment: req.PurchaseCommitment,
		BuyerHash:          req.BuyerHash,
		MerchantHash:       req.MerchantHash,
		Total:              req.Total,
		TokenType:          req.TokenType,
		CartCommitment:     req.CartCommitment,
		TxID:               req.TxID,
		Status:             status,
		PurchaseType:       req.PurchaseType,
	})
	if err != nil {
		h.writeServiceError(w, err, "create receipt")
		return
	}

	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, stored)
}

// ListReceipts возвращает чеки вызывающего в роли из query-параметра
// (по умолчанию — роль из учётных данных).
func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	role := claims.Role
	if q := r.URL.Query().Get("role"); q != "" {
		role = model.Role(q)
		if !role.Valid() {
			writeError(w, http.StatusBadRequest, "validation")
			return
		}
	}

	receipts, err := h.service.ListReceipts(r.Context(), claims.Address, role)
	if err != nil {
		h.writeServiceError(w, err, "list receipts")
		return
	}

	if len(receipts) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, receipts)
}

type escrowDepositRequest struct {
	PurchaseCommitment string `json:"purchase_commitment"`
	BuyerHash          string `json:"buyer_address_hash"`
	MerchantHash       string `json:"merchant_address_hash"`
	Total              int64  `json:"total"`
	EscrowTxID         string `json:"escrow_tx_id"`
	CreatedBlock       int64  `json:"created_block"`
}

// DepositEscrow регистрирует эскроу-сделку в состоянии active.
func (h *Handler) DepositEscrow(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req escrowDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation")
		return
	}

	if !validation.IsValidCommitment(req.PurchaseCommitment) || req.Total <= 0 ||
		req.BuyerHash == "" || req.MerchantHash == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation")
		return
	}

	callerHash := identity.Hash(claims.Address)
	if callerHash != req.BuyerHash && callerHash != req.MerchantHash {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	stored, created, err := h.service.DepositEscrow(r.Context(), model.Escrow{
		PurchaseCommitment: req.PurchaseCommitment,
		BuyerHash:          req.BuyerHash,
		MerchantHash:       req.MerchantHash,
		Total:              req.Total,
		EscrowTxID:         req.EscrowTxID,
		CreatedBlock:       req.CreatedBlock,
	})
	if err != nil {
		h.writeServiceError(w, err, "deposit escrow")
		return
	}

	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, stored)
}

type escrowResolveRequest struct {
	PurchaseCommitment string `json:"purchase_commitment"`
	Status             string `json:"status"`
	ResolveTxID        string `json:"resolve_tx_id"`
}

// ResolveEscrow переводит эскроу в completed или refunded.
func (h *Handler) ResolveEscrow(w http.ResponseWriter, r *http.Request) {
	var req escrowResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation")
		return
	}

	status := model.EscrowStatus(req.Status)
	if !validation.IsValidCommitment(req.PurchaseCommitment) ||
		(status != model.EscrowStatusCompleted && status != model.EscrowStatusRefunded) {
		writeError(w, http.StatusUnprocessableEntity, "validation")
		return
	}

	resolved, err := h.service.ResolveEscrow(r.Context(), req.PurchaseCommitment, status, req.ResolveTxID)
	if err != nil {
		h.writeServiceError(w, err, "resolve escrow")
		return
	}

	writeJSON(w, http.StatusOK, resolved)
}

type escrowResponse struct {
	model.Escrow
	OnChainStatus string `json:"on_chain_status"`
}

// GetEscrow возвращает эскроу с живым статусом транзакции в реестре.
func (h *Handler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	commitment := urlParam(r, "commitment")
	if commitment == "" {
		writeError(w, http.StatusBadRequest, "validation")
		return
	}

	e, onChain, err := h.service.GetEscrow(r.Context(), commitment)
	if err != nil {
		h.writeServiceError(w, err, "get escrow")
		return
	}

	writeJSON(w, http.StatusOK, escrowResponse{Escrow: e, OnChainStatus: onChain})
}

type txRegisterRequest struct {
	TxID     string `json:"tx_id"`
	Kind     string `json:"kind"`
	Metadata string `json:"metadata"`
}

// RegisterTx оптимистично регистрирует отправленную транзакцию.
func (h *Handler) RegisterTx(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req txRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation")
		return
	}

	if req.TxID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation")
		return
	}

	stored, created, err := h.service.RegisterTx(r.Context(), claims.Address, req.TxID, req.Kind, req.Metadata)
	if err != nil {
		h.writeServiceError(w, err, "register tx")
		return
	}

	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, stored)
}

// TxStatus возвращает снимок подтверждения транзакции: одиночная живая
// проверка в реестре, совмещённая с локальной записью.
func (h *Handler) TxStatus(w http.ResponseWriter, r *http.Request) {
	txID := urlParam(r, "id")
	if txID == "" {
		writeError(w, http.StatusBadRequest, "validation")
		return
	}

	snap, err := h.service.TxStatus(r.Context(), txID)
	if err != nil {
		h.writeServiceError(w, err, "tx status")
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

type loyaltyClaimRequest struct {
	PurchaseCommitment string `json:"purchase_commitment"`
	Score              int64  `json:"score"`
	TotalSpent         int64  `json:"total_spent"`
	TxID               string `json:"tx_id"`
	Nullifier          string `json:"nullifier"`
}

// CreateLoyaltyClaim регистрирует начисление лояльности вызывающего.
// Идемпотентность — по паре (хеш адреса, purchase commitment); нуллификатор
// хранится как непрозрачные метаданные.
func (h *Handler) CreateLoyaltyClaim(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req loyaltyClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation")
		return
	}

	if !validation.IsValidCommitment(req.PurchaseCommitment) || req.Score < 0 || req.TotalSpent < 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation")
		return
	}

	stored, created, err := h.service.RegisterLoyaltyClaim(r.Context(), model.LoyaltyClaim{
		AddressHash:        identity.Hash(claims.Address),
		PurchaseCommitment: req.PurchaseCommitment,
		Score:              req.Score,
		TotalSpent:         req.TotalSpent,
		TxID:               req.TxID,
		Nullifier:          req.Nullifier,
	})
	if err != nil {
		h.writeServiceError(w, err, "create loyalty claim")
		return
	}

	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, stored)
}

// LoyaltySummary возвращает вычисленные агрегаты лояльности вызывающего.
func (h *Handler) LoyaltySummary(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	summary, err := h.service.LoyaltySummary(r.Context(), claims.Address)
	if err != nil {
		h.writeServiceError(w, err, "loyalty summary")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// MerchantStats возвращает показатели вызывающего продавца.
func (h *Handler) MerchantStats(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	stats, err := h.service.MerchantStats(r.Context(), claims.Address)
	if err != nil {
		h.writeServiceError(w, err, "merchant stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
