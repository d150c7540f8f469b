// Package handler содержит HTTP-обработчики API сервиса кредитов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditledger/internal/apperror"
	"github.com/mmeshcher/creditledger/internal/creem"
	"github.com/mmeshcher/creditledger/internal/jobs"
	"github.com/mmeshcher/creditledger/internal/ledger"
	"github.com/mmeshcher/creditledger/internal/middleware"
	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/reconciler"
)

const (
	maxBodyBytes = 1 << 20
	maxListLimit = 500
)

// Ledger определяет операции журнала кредитов, используемые HTTP-обработчиками.
type Ledger interface {
	EnsureAccount(ctx context.Context, userID uuid.UUID, email string) error
	Balance(ctx context.Context, userID uuid.UUID) (model.Balance, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]model.Transaction, error)
	Adjust(ctx context.Context, userID uuid.UUID, delta int64, reference, operator, note string) (ledger.Result, error)
}

// Payments определяет операции сверки платежей.
type Payments interface {
	HandleEvent(ctx context.Context, payload []byte, signature string) (reconciler.Outcome, error)
	CreateCheckout(ctx context.Context, userID uuid.UUID, email, productID string) (*creem.Checkout, error)
	PaymentHistory(ctx context.Context, userID uuid.UUID, limit int) ([]model.Payment, error)

	ListUnmatched(ctx context.Context, status model.UnmatchedStatus, limit int) ([]model.UnmatchedPayment, error)
	ResolveUnmatched(ctx context.Context, id int64, userID uuid.UUID, addAlias bool) (ledger.Result, error)
	IgnoreUnmatched(ctx context.Context, id int64) error
	AddAlias(ctx context.Context, userID uuid.UUID, email string) error
	Health(ctx context.Context) (model.HealthSummary, error)
	Inconsistencies(ctx context.Context) ([]model.CreditInconsistency, error)
}

// Jobs определяет операции над задачами генерации видео.
type Jobs interface {
	Submit(ctx context.Context, userID uuid.UUID, in jobs.SubmitInput) (*model.VideoJob, error)
	HandleCallback(ctx context.Context, genID uuid.UUID, payload []byte) (*model.VideoJob, error)
	Cancel(ctx context.Context, userID, genID uuid.UUID) (*model.VideoJob, error)
	Get(ctx context.Context, userID, genID uuid.UUID, refresh bool) (*model.VideoJob, error)
	List(ctx context.Context, userID uuid.UUID, limit int) ([]model.VideoJob, error)
}

// CallbackVerifier проверяет токен в адресе обратного вызова и возвращает идентификатор генерации.
type CallbackVerifier interface {
	Verify(token string) (uuid.UUID, error)
}

// Services объединяет зависимости обработчиков.
type Services struct {
	Ledger    Ledger
	Payments  Payments
	Jobs      Jobs
	Callbacks CallbackVerifier
}

// Options задаёт параметры HTTP-слоя.
type Options struct {
	AdminKey       string
	AllowedOrigins []string
}

// Handler реализует HTTP-обработчики API сервиса кредитов.
type Handler struct {
	ledger         Ledger
	payments       Payments
	jobs           Jobs
	callbacks      CallbackVerifier
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	opts           Options
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Services, logger *zap.Logger, auth *middleware.AuthMiddleware, opts Options) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		ledger:         s.Ledger,
		payments:       s.Payments,
		jobs:           s.Jobs,
		callbacks:      s.Callbacks,
		logger:         logger,
		authMiddleware: auth,
		opts:           opts,
	}
}

// currentUser возвращает пользователя из контекста и создаёт его зеркальную запись при первом обращении.
func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) (middleware.Identity, bool) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperror.Unauthorized("authentication required"))
		return middleware.Identity{}, false
	}

	if id.Email != "" {
		if err := h.ledger.EnsureAccount(r.Context(), id.UserID, id.Email); err != nil {
			h.writeError(w, r, err)
			return middleware.Identity{}, false
		}
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperror.Validation("request body is empty")
		}
		return apperror.Validation("invalid request body")
	}
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, apperror.Validation("request body is too large or unreadable")
	}
	return body, nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxListLimit {
		return 0, apperror.Validation("limit must be between 1 and %d", maxListLimit)
	}
	return limit, nil
}

func parseUUID(raw, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperror.Validation("%s must be a uuid", name)
	}
	return id, nil
}

// Healthz отвечает на проверку живости процесса.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
