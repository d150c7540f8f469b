// Package ledger реализует журнал кредитов: идемпотентные списания, начисления и возвраты.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditledger/internal/apperror"
	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/repository"
)

const defaultHistoryLimit = 50

// Store описывает контракт хранилища журнала.
type Store interface {
	EnsureUser(ctx context.Context, id uuid.UUID, email string) error
	ApplyTransaction(ctx context.Context, t model.Transaction) (repository.ApplyResult, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (model.Balance, error)
	ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]model.Transaction, error)
	FindTransactionByKey(ctx context.Context, userID uuid.UUID, key string) (*model.Transaction, error)
}

// Result описывает итог операции с журналом. Duplicate означает, что операция уже была применена
// ранее и TransactionID указывает на существующую запись.
type Result struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Duplicate     bool      `json:"duplicate"`
}

// Service — единственный компонент, изменяющий баланс пользователя.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService создаёт сервис журнала кредитов.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger}
}

// Debit списывает amount кредитов. Баланс не может стать отрицательным.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, amount int64, reason model.Reason, meta model.Metadata) (Result, error) {
	if !reason.IsDebit() {
		return Result{}, apperror.Validation("reason %q is not a debit", reason)
	}
	return s.apply(ctx, userID, amount, reason, meta)
}

// Credit начисляет amount кредитов: оплату, ручное начисление или возврат.
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, amount int64, reason model.Reason, meta model.Metadata) (Result, error) {
	if !reason.Valid() || reason.IsDebit() {
		return Result{}, apperror.Validation("reason %q is not a credit", reason)
	}
	return s.apply(ctx, userID, amount, reason, meta)
}

// Adjust выполняет ручную корректировку баланса оператором. Положительный delta начисляет
// кредиты (manual_grant), отрицательный списывает (manual_cleanup). Reference делает операцию идемпотентной.
func (s *Service) Adjust(ctx context.Context, userID uuid.UUID, delta int64, reference, operator, note string) (Result, error) {
	if delta == 0 {
		return Result{}, apperror.Validation("delta must not be zero")
	}
	if reference == "" {
		return Result{}, apperror.Validation("reference is required")
	}

	meta := model.AdjustmentMeta{Reference: reference, Operator: operator, Note: note}
	if delta > 0 {
		return s.Credit(ctx, userID, delta, model.ReasonManualGrant, meta)
	}
	return s.Debit(ctx, userID, -delta, model.ReasonManualCleanup, meta)
}

func (s *Service) apply(ctx context.Context, userID uuid.UUID, amount int64, reason model.Reason, meta model.Metadata) (Result, error) {
	if amount <= 0 {
		return Result{}, apperror.Validation("amount must be positive")
	}
	if userID == uuid.Nil {
		return Result{}, apperror.Validation("user id is required")
	}
	if err := model.CheckMetadata(reason, meta); err != nil {
		return Result{}, apperror.Validation("%v", err)
	}

	t := model.Transaction{
		ID:             uuid.New(),
		UserID:         userID,
		Amount:         reason.SignedAmount(amount),
		Reason:         reason,
		IdempotencyKey: meta.IdempotencyKey(),
		Metadata:       meta,
	}

	res, err := s.store.ApplyTransaction(ctx, t)
	if err != nil {
		return Result{}, s.translate(ctx, err, userID, amount)
	}

	if res.Duplicate {
		s.logger.Debug("duplicate ledger operation",
			zap.String("user_id", userID.String()),
			zap.String("reason", string(reason)),
			zap.String("idempotency_key", t.IdempotencyKey),
		)
	} else {
		s.logger.Info("ledger operation applied",
			zap.String("user_id", userID.String()),
			zap.String("reason", string(reason)),
			zap.Int64("amount", t.Amount),
			zap.String("transaction_id", res.TransactionID.String()),
		)
	}

	return Result{TransactionID: res.TransactionID, Duplicate: res.Duplicate}, nil
}

func (s *Service) translate(ctx context.Context, err error, userID uuid.UUID, amount int64) error {
	switch {
	case errors.Is(err, repository.ErrUserNotFound):
		return apperror.NotFound("user", userID.String())
	case errors.Is(err, repository.ErrInsufficientBalance):
		var available int64
		if b, balErr := s.store.GetBalance(ctx, userID); balErr == nil {
			available = b.Balance
		}
		return apperror.InsufficientBalance(amount, available)
	case errors.Is(err, repository.ErrIdempotencyConflict):
		return apperror.Conflict("operation was already applied to another account")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	s.logger.Error("ledger operation failed", zap.String("user_id", userID.String()), zap.Error(err))
	return apperror.Storage("apply transaction", err)
}

// EnsureAccount создаёт зеркальную запись пользователя при первом обращении.
func (s *Service) EnsureAccount(ctx context.Context, userID uuid.UUID, email string) error {
	if err := s.store.EnsureUser(ctx, userID, email); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return apperror.Conflict("email is registered to another account")
		}
		return apperror.Storage("ensure account", err)
	}
	return nil
}

// Balance возвращает текущий баланс пользователя.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (model.Balance, error) {
	b, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return model.Balance{}, apperror.NotFound("user", userID.String())
		}
		return model.Balance{}, apperror.Storage("get balance", err)
	}
	return b, nil
}

// History возвращает последние операции пользователя.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) ([]model.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultHistoryLimit
	}
	txs, err := s.store.ListTransactionsByUser(ctx, userID, limit)
	if err != nil {
		return nil, apperror.Storage("list transactions", err)
	}
	return txs, nil
}

// Lookup возвращает операцию по ключу идемпотентности или nil, если её нет.
func (s *Service) Lookup(ctx context.Context, userID uuid.UUID, meta model.Metadata) (*model.Transaction, error) {
	if meta == nil || meta.IdempotencyKey() == "" {
		return nil, apperror.Validation("metadata has no idempotency key")
	}
	t, err := s.store.FindTransactionByKey(ctx, userID, meta.IdempotencyKey())
	if err != nil {
		return nil, apperror.Storage("lookup transaction", fmt.Errorf("key %q: %w", meta.IdempotencyKey(), err))
	}
	return t, nil
}
