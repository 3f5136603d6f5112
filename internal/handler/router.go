package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zkcommerce/settlement-system/internal/middleware"
	"github.com/zkcommerce/settlement-system/internal/model"
)

// NewRouter собирает маршрутизатор API: сжатие и логирование на всех
// маршрутах, bearer-аутентификация на защищённой группе.
func NewRouter(h *Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.GzipMiddleware)
	r.Use(middleware.Logger(logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/nonce", h.IssueNonce)
		r.Post("/auth/verify", h.VerifyNonce)

		// Публичные проекции: статус эскроу и транзакции видны без
		// учётных данных — в них нет привязки к адресам в открытом виде.
		r.Get("/escrow/{commitment}", h.GetEscrow)
		r.Get("/tx/{id}/status", h.TxStatus)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/receipts", h.CreateReceipt)
			r.Get("/receipts", h.ListReceipts)
			r.Post("/escrow/deposit", h.DepositEscrow)
			r.Post("/escrow/resolve", h.ResolveEscrow)
			r.Post("/tx", h.RegisterTx)
			r.Post("/loyalty/claims", h.CreateLoyaltyClaim)
			r.Get("/loyalty/summary", h.LoyaltySummary)

			r.With(middleware.RequireRole(model.RoleMerchant)).
				Get("/merchant/stats", h.MerchantStats)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r
}

func urlParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}
