package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditledger/internal/apperror"
	"github.com/mmeshcher/creditledger/internal/model"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError отдаёт клиенту короткое сообщение и код ошибки. Внутренняя причина только логируется.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperror.HTTPStatus(err)
	message, code := apperror.Public(err)

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	} else {
		h.logger.Debug("request rejected",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}

	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

type jobResponse struct {
	ID           uuid.UUID       `json:"id"`
	TaskID       string          `json:"task_id,omitempty"`
	Status       model.JobStatus `json:"status"`
	CostCredits  int64           `json:"cost_credits"`
	Model        string          `json:"model"`
	Prompt       string          `json:"prompt"`
	Params       json.RawMessage `json:"params,omitempty"`
	ResultURLs   []string        `json:"result_urls,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Progress     int             `json:"progress"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func newJobResponse(j *model.VideoJob) jobResponse {
	return jobResponse{
		ID:           j.ID,
		TaskID:       j.TaskID,
		Status:       j.Status,
		CostCredits:  j.CostCredits,
		Model:        j.Model,
		Prompt:       j.Prompt,
		Params:       j.Params,
		ResultURLs:   j.ResultURLs,
		ErrorMessage: j.ErrorMessage,
		Progress:     j.Progress,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

type transactionResponse struct {
	ID        uuid.UUID      `json:"id"`
	Amount    int64          `json:"amount"`
	Reason    model.Reason   `json:"reason"`
	Metadata  model.Metadata `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type paymentResponse struct {
	PaymentID      string    `json:"payment_id"`
	ProductID      string    `json:"product_id,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency,omitempty"`
	Credits        int64     `json:"credits"`
	EventType      string    `json:"event_type,omitempty"`
	TransactionID  uuid.UUID `json:"transaction_id"`
	CreatedAt      time.Time `json:"created_at"`
}

type unmatchedResponse struct {
	ID             int64                 `json:"id"`
	Email          string                `json:"email"`
	PaymentID      string                `json:"payment_id"`
	SubscriptionID string                `json:"subscription_id,omitempty"`
	ProductID      string                `json:"product_id,omitempty"`
	Amount         int64                 `json:"amount"`
	Currency       string                `json:"currency,omitempty"`
	Credits        int64                 `json:"credits"`
	EventType      string                `json:"event_type,omitempty"`
	Status         model.UnmatchedStatus `json:"status"`
	ResolvedUserID *uuid.UUID            `json:"resolved_user_id,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	ResolvedAt     *time.Time            `json:"resolved_at,omitempty"`
}
