package reconciler

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditledger/internal/apperror"
	"github.com/mmeshcher/creditledger/internal/creem"
	"github.com/mmeshcher/creditledger/internal/httpclient"
	"github.com/mmeshcher/creditledger/internal/ledger"
	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/repository"
	"github.com/mmeshcher/creditledger/internal/validation"
)

// ListUnmatched возвращает записи карантина. Пустой статус означает pending.
func (s *Service) ListUnmatched(ctx context.Context, status model.UnmatchedStatus, limit int) ([]model.UnmatchedPayment, error) {
	switch status {
	case "":
		status = model.UnmatchedPending
	case model.UnmatchedPending, model.UnmatchedResolved, model.UnmatchedIgnored:
	default:
		return nil, apperror.Validation("unknown status %q", status)
	}
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}

	res, err := s.repo.ListUnmatched(ctx, status, limit)
	if err != nil {
		return nil, apperror.Storage("list unmatched", err)
	}
	return res, nil
}

// ResolveUnmatched назначает платёж из карантина пользователю и начисляет зафиксированные кредиты.
// Запись забирается условным обновлением, поэтому параллельные вызовы не начислят дважды.
// Если начисление не удалось, запись возвращается в pending. Если платёж уже начислен
// другому пользователю, запись остаётся resolved с настоящим получателем и возвращается CONFLICT.
func (s *Service) ResolveUnmatched(ctx context.Context, id int64, userID uuid.UUID, addAlias bool) (ledger.Result, error) {
	u, err := s.repo.GetUnmatched(ctx, id)
	if err != nil {
		return ledger.Result{}, s.unmatchedError(id, err)
	}
	if u.Status != model.UnmatchedPending {
		return ledger.Result{}, apperror.InvalidState("unmatched payment is " + string(u.Status))
	}

	exists, err := s.repo.UserExists(ctx, userID)
	if err != nil {
		return ledger.Result{}, apperror.Storage("check user", err)
	}
	if !exists {
		return ledger.Result{}, apperror.NotFound("user", userID.String())
	}

	if err := s.repo.ClaimUnmatched(ctx, id, userID); err != nil {
		return ledger.Result{}, s.unmatchedError(id, err)
	}

	meta := model.PaymentMeta{
		PaymentID:      u.PaymentID,
		SubscriptionID: u.SubscriptionID,
		ProductID:      u.ProductID,
		Email:          u.Email,
		EventType:      u.EventType,
	}
	res, err := s.ledger.Credit(ctx, userID, u.Credits, model.ReasonCreemPayment, meta)
	if err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			s.logger.Warn("quarantined payment was already credited", zap.String("payment_id", u.PaymentID))
			s.recordActualOwner(ctx, id, u.PaymentID)
			return ledger.Result{}, err
		}
		if reopenErr := s.repo.ReopenUnmatched(ctx, id); reopenErr != nil {
			s.logger.Error("reopen unmatched payment failed", zap.Int64("unmatched_id", id), zap.Error(reopenErr))
		}
		return ledger.Result{}, err
	}

	if _, err := s.repo.RecordPayment(ctx, model.Payment{
		PaymentID:      u.PaymentID,
		UserID:         userID,
		ProductID:      u.ProductID,
		SubscriptionID: u.SubscriptionID,
		Amount:         u.Amount,
		Currency:       u.Currency,
		Credits:        u.Credits,
		EventType:      u.EventType,
		TransactionID:  res.TransactionID,
	}); err != nil {
		s.logger.Error("record resolved payment failed", zap.String("payment_id", u.PaymentID), zap.Error(err))
	}

	if addAlias && u.Email != "" {
		if err := s.repo.AddAlias(ctx, userID, u.Email); err != nil {
			s.logger.Warn("add alias after resolve failed", zap.String("email", u.Email), zap.Error(err))
		}
	}

	s.logger.Info("quarantined payment resolved",
		zap.Int64("unmatched_id", id),
		zap.String("payment_id", u.PaymentID),
		zap.String("user_id", userID.String()),
		zap.Int64("credits", u.Credits),
	)
	return res, nil
}

// recordActualOwner записывает в закрытую запись карантина пользователя, которому платёж
// действительно начислен. Если платёж не записан, получатель остаётся пустым.
func (s *Service) recordActualOwner(ctx context.Context, id int64, paymentID string) {
	var owner *uuid.UUID
	p, err := s.repo.GetPayment(ctx, paymentID)
	switch {
	case err == nil:
		owner = &p.UserID
	case !errors.Is(err, repository.ErrPaymentNotFound):
		s.logger.Error("lookup credited payment failed", zap.String("payment_id", paymentID), zap.Error(err))
	}

	if err := s.repo.SetUnmatchedOwner(ctx, id, owner); err != nil {
		s.logger.Error("update unmatched owner failed", zap.Int64("unmatched_id", id), zap.Error(err))
	}
}

// IgnoreUnmatched закрывает запись карантина без начисления.
func (s *Service) IgnoreUnmatched(ctx context.Context, id int64) error {
	if err := s.repo.IgnoreUnmatched(ctx, id); err != nil {
		return s.unmatchedError(id, err)
	}
	s.logger.Info("quarantined payment ignored", zap.Int64("unmatched_id", id))
	return nil
}

func (s *Service) unmatchedError(id int64, err error) error {
	switch {
	case errors.Is(err, repository.ErrUnmatchedNotFound):
		return apperror.NotFound("unmatched payment", strconv.FormatInt(id, 10))
	case errors.Is(err, repository.ErrUnmatchedNotPending):
		return apperror.InvalidState("unmatched payment is not pending")
	}
	return apperror.Storage("update unmatched payment", err)
}

// AddAlias привязывает дополнительный адрес к пользователю для будущих платежей.
func (s *Service) AddAlias(ctx context.Context, userID uuid.UUID, email string) error {
	if !validation.IsValidEmail(email) {
		return apperror.Validation("invalid email")
	}

	exists, err := s.repo.UserExists(ctx, userID)
	if err != nil {
		return apperror.Storage("check user", err)
	}
	if !exists {
		return apperror.NotFound("user", userID.String())
	}

	if err := s.repo.AddAlias(ctx, userID, email); err != nil {
		if errors.Is(err, repository.ErrAliasTaken) {
			return apperror.Conflict("alias belongs to another user")
		}
		return apperror.Storage("add alias", err)
	}
	return nil
}

// CreateCheckout создаёт checkout-сессию для настроенного продукта. user_id передаётся
// в metadata и request_id, чтобы webhook сопоставился напрямую.
func (s *Service) CreateCheckout(ctx context.Context, userID uuid.UUID, email, productID string) (*creem.Checkout, error) {
	if _, ok := s.opts.ProductCredits[productID]; !ok {
		return nil, apperror.Validation("unknown product %q", productID)
	}
	if s.checkout == nil {
		return nil, apperror.Configuration("payment provider is not configured")
	}

	req := creem.CheckoutRequest{
		ProductID:  productID,
		RequestID:  userID.String(),
		SuccessURL: s.opts.CheckoutSuccessURL,
		Metadata:   map[string]string{"user_id": userID.String()},
	}
	if email != "" {
		req.Customer = &creem.CheckoutCustomer{Email: validation.NormalizeEmail(email)}
	}

	checkout, err := s.checkout.CreateCheckout(ctx, req)
	if err != nil {
		retryable := true
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) {
			retryable = statusErr.Retryable()
		}
		s.logger.Error("create checkout failed", zap.String("product_id", productID), zap.Error(err))
		return nil, apperror.Upstream("creem", retryable, err)
	}
	return checkout, nil
}

// PaymentHistory возвращает платежи пользователя, новые первыми.
func (s *Service) PaymentHistory(ctx context.Context, userID uuid.UUID, limit int) ([]model.Payment, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}
	res, err := s.repo.ListPaymentsByUser(ctx, userID, limit)
	if err != nil {
		return nil, apperror.Storage("list payments", err)
	}
	return res, nil
}

// Health возвращает сводку состояния системы.
func (s *Service) Health(ctx context.Context) (model.HealthSummary, error) {
	h, err := s.repo.HealthSummary(ctx)
	if err != nil {
		return model.HealthSummary{}, apperror.Storage("health summary", err)
	}
	return h, nil
}

// Inconsistencies возвращает пользователей, у которых баланс расходится с журналом.
func (s *Service) Inconsistencies(ctx context.Context) ([]model.CreditInconsistency, error) {
	res, err := s.repo.FindCreditInconsistencies(ctx)
	if err != nil {
		return nil, apperror.Storage("find inconsistencies", err)
	}
	return res, nil
}
