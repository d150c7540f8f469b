package handler

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/creditledger/internal/apperror"
)

const signatureHeader = "creem-signature"

// GetCredits возвращает баланс текущего пользователя.
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	balance, err := h.ledger.Balance(r.Context(), user.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

// GetTransactions возвращает журнал операций текущего пользователя, новые первыми.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	txs, err := h.ledger.History(r.Context(), user.UserID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		resp = append(resp, transactionResponse{
			ID:        t.ID,
			Amount:    t.Amount,
			Reason:    t.Reason,
			Metadata:  t.Metadata,
			CreatedAt: t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// PaymentHistory возвращает платежи, по которым пользователю начислены кредиты.
func (h *Handler) PaymentHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	payments, err := h.payments.PaymentHistory(r.Context(), user.UserID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		resp = append(resp, paymentResponse{
			PaymentID:      p.PaymentID,
			ProductID:      p.ProductID,
			SubscriptionID: p.SubscriptionID,
			Amount:         p.Amount,
			Currency:       p.Currency,
			Credits:        p.Credits,
			EventType:      p.EventType,
			TransactionID:  p.TransactionID,
			CreatedAt:      p.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type checkoutRequest struct {
	ProductID string `json:"product_id"`
}

type checkoutResponse struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"checkout_url"`
}

// Checkout создаёт у провайдера ссылку на оплату пакета кредитов.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		h.writeError(w, r, apperror.Validation("product_id is required"))
		return
	}

	checkout, err := h.payments.CreateCheckout(r.Context(), user.UserID, user.Email, req.ProductID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{ID: checkout.ID, CheckoutURL: checkout.CheckoutURL})
}

// PaymentWebhook принимает событие платёжного провайдера. Подпись проверяется по сырому телу запроса.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	outcome, err := h.payments.HandleEvent(r.Context(), body, r.Header.Get(signatureHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("payment webhook handled",
		zap.String("event_type", outcome.EventType),
		zap.String("status", string(outcome.Status)),
		zap.String("payment_id", outcome.PaymentID),
	)
	writeJSON(w, http.StatusOK, outcome)
}
