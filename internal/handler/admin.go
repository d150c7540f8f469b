package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mmeshcher/creditledger/internal/apperror"
	"github.com/mmeshcher/creditledger/internal/model"
)

func parseUnmatchedID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.Validation("unmatched payment id must be a positive integer")
	}
	return id, nil
}

// ListUnmatched возвращает платежи в карантине. По умолчанию — ожидающие разбора.
func (h *Handler) ListUnmatched(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := model.UnmatchedStatus(r.URL.Query().Get("status"))
	list, err := h.payments.ListUnmatched(r.Context(), status, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]unmatchedResponse, 0, len(list))
	for _, u := range list {
		resp = append(resp, unmatchedResponse{
			ID:             u.ID,
			Email:          u.Email,
			PaymentID:      u.PaymentID,
			SubscriptionID: u.SubscriptionID,
			ProductID:      u.ProductID,
			Amount:         u.Amount,
			Currency:       u.Currency,
			Credits:        u.Credits,
			EventType:      u.EventType,
			Status:         u.Status,
			ResolvedUserID: u.ResolvedUserID,
			CreatedAt:      u.CreatedAt,
			ResolvedAt:     u.ResolvedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type resolveRequest struct {
	UserID   uuid.UUID `json:"user_id"`
	AddAlias bool      `json:"add_alias"`
}

// ResolveUnmatched начисляет кредиты из карантина указанному пользователю.
func (h *Handler) ResolveUnmatched(w http.ResponseWriter, r *http.Request) {
	id, err := parseUnmatchedID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.UserID == uuid.Nil {
		h.writeError(w, r, apperror.Validation("user_id is required"))
		return
	}

	res, err := h.payments.ResolveUnmatched(r.Context(), id, req.UserID, req.AddAlias)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// IgnoreUnmatched помечает платёж в карантине как не требующий начисления.
func (h *Handler) IgnoreUnmatched(w http.ResponseWriter, r *http.Request) {
	id, err := parseUnmatchedID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.payments.IgnoreUnmatched(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.UnmatchedIgnored)})
}

type aliasRequest struct {
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
}

// AddAlias привязывает дополнительный email к пользователю.
func (h *Handler) AddAlias(w http.ResponseWriter, r *http.Request) {
	var req aliasRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.UserID == uuid.Nil {
		h.writeError(w, r, apperror.Validation("user_id is required"))
		return
	}

	if err := h.payments.AddAlias(r.Context(), req.UserID, req.Email); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type adjustRequest struct {
	Delta     int64  `json:"delta"`
	Reference string `json:"reference"`
	Operator  string `json:"operator"`
	Note      string `json:"note"`
}

// AdjustUser выполняет ручную корректировку баланса пользователя.
func (h *Handler) AdjustUser(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUUID(chi.URLParam(r, "id"), "user id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req adjustRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.ledger.Adjust(r.Context(), userID, req.Delta, req.Reference, req.Operator, req.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// AdminHealth возвращает сводку состояния системы.
func (h *Handler) AdminHealth(w http.ResponseWriter, r *http.Request) {
	summary, err := h.payments.Health(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// AdminInconsistencies возвращает пользователей, у которых баланс расходится с журналом.
func (h *Handler) AdminInconsistencies(w http.ResponseWriter, r *http.Request) {
	list, err := h.payments.Inconsistencies(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.CreditInconsistency{}
	}
	writeJSON(w, http.StatusOK, list)
}
