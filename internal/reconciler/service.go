// Package reconciler сопоставляет события платёжного провайдера с пользователями и начисляет кредиты.
package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditledger/internal/apperror"
	"github.com/mmeshcher/creditledger/internal/creem"
	"github.com/mmeshcher/creditledger/internal/ledger"
	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/repository"
	"github.com/mmeshcher/creditledger/internal/validation"
)

const (
	provider         = "creem"
	defaultListLimit = 100
)

// Repository описывает хранилище, используемое сверкой платежей.
type Repository interface {
	UserExists(ctx context.Context, id uuid.UUID) (bool, error)
	FindUserByCustomerID(ctx context.Context, customerID string) (uuid.UUID, error)
	FindUserByEmail(ctx context.Context, email string) (uuid.UUID, error)
	FindUserByAlias(ctx context.Context, email string) (uuid.UUID, error)
	FindUserFuzzy(ctx context.Context, email string) (uuid.UUID, error)
	SetCustomerID(ctx context.Context, userID uuid.UUID, customerID string) error
	AddAlias(ctx context.Context, userID uuid.UUID, email string) error

	RecordPayment(ctx context.Context, p model.Payment) (bool, error)
	GetPayment(ctx context.Context, paymentID string) (*model.Payment, error)
	ListPaymentsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]model.Payment, error)
	UpsertSubscription(ctx context.Context, s model.Subscription) error

	CreateUnmatched(ctx context.Context, u model.UnmatchedPayment) (int64, bool, error)
	GetUnmatched(ctx context.Context, id int64) (*model.UnmatchedPayment, error)
	ListUnmatched(ctx context.Context, status model.UnmatchedStatus, limit int) ([]model.UnmatchedPayment, error)
	ClaimUnmatched(ctx context.Context, id int64, userID uuid.UUID) error
	ReopenUnmatched(ctx context.Context, id int64) error
	SetUnmatchedOwner(ctx context.Context, id int64, owner *uuid.UUID) error
	IgnoreUnmatched(ctx context.Context, id int64) error
	ResolveUnmatchedByPayment(ctx context.Context, paymentID string, userID uuid.UUID) (bool, error)

	LogEmailMatch(ctx context.Context, l model.EmailMatchLog) error
	SaveWebhookLog(ctx context.Context, l model.WebhookLog) error

	HealthSummary(ctx context.Context) (model.HealthSummary, error)
	FindCreditInconsistencies(ctx context.Context) ([]model.CreditInconsistency, error)
}

// Ledger — часть журнала кредитов, нужная сверке.
type Ledger interface {
	Credit(ctx context.Context, userID uuid.UUID, amount int64, reason model.Reason, meta model.Metadata) (ledger.Result, error)
}

// CheckoutClient создаёт checkout-сессии у провайдера.
type CheckoutClient interface {
	CreateCheckout(ctx context.Context, req creem.CheckoutRequest) (*creem.Checkout, error)
}

// Options задаёт параметры сверки.
type Options struct {
	WebhookSecret      string
	ProductCredits     map[string]int64
	CheckoutSuccessURL string
}

// Outcome описывает итог обработки webhook.
type Outcome struct {
	Status        model.WebhookStatus `json:"status"`
	EventType     string              `json:"event_type,omitempty"`
	PaymentID     string              `json:"payment_id,omitempty"`
	MatchType     model.MatchType     `json:"match_type,omitempty"`
	UserID        *uuid.UUID          `json:"user_id,omitempty"`
	Credits       int64               `json:"credits,omitempty"`
	TransactionID *uuid.UUID          `json:"transaction_id,omitempty"`
}

// Service обрабатывает события провайдера и операции оператора над карантином.
type Service struct {
	repo     Repository
	ledger   Ledger
	checkout CheckoutClient
	opts     Options
	logger   *zap.Logger
}

// NewService создаёт сервис сверки. checkout может быть nil, тогда CreateCheckout недоступен.
func NewService(repo Repository, l Ledger, checkout CheckoutClient, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		ledger:   l,
		checkout: checkout,
		opts:     opts,
		logger:   logger,
	}
}

// HandleEvent проверяет подпись, разбирает событие и применяет его. Для любого бизнес-итога
// (начислено, дубликат, карантин, проигнорировано) ошибка не возвращается.
func (s *Service) HandleEvent(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	if s.opts.WebhookSecret == "" {
		return Outcome{Status: model.WebhookConfigError}, apperror.Configuration("webhook secret is not configured")
	}
	if err := creem.VerifySignature(payload, signature, s.opts.WebhookSecret); err != nil {
		s.logger.Warn("webhook signature rejected", zap.Error(err))
		return Outcome{}, apperror.Unauthorized("invalid webhook signature")
	}

	ev, err := creem.ParseEvent(payload)
	if err != nil {
		s.saveLog(ctx, model.WebhookLog{Provider: provider, Payload: payload, Status: model.WebhookFailed, Error: err.Error()})
		return Outcome{Status: model.WebhookFailed}, apperror.Validation("malformed webhook payload")
	}

	var out Outcome
	switch ev.Kind {
	case creem.KindPayment:
		out, err = s.handlePayment(ctx, ev)
	case creem.KindSubscription:
		out, err = s.handleSubscription(ctx, ev)
	default:
		s.logger.Info("webhook event ignored", zap.String("event_type", ev.Type), zap.String("event_id", ev.ID))
		out = Outcome{Status: model.WebhookIgnored}
	}
	out.EventType = ev.Type

	entry := model.WebhookLog{EventID: ev.ID, Provider: provider, EventType: ev.Type, Payload: payload, Status: out.Status}
	if err != nil {
		entry.Error = err.Error()
	}
	s.saveLog(ctx, entry)

	return out, err
}

func (s *Service) handlePayment(ctx context.Context, ev *creem.Event) (Outcome, error) {
	out := Outcome{PaymentID: ev.PaymentID}

	credits, ok := s.opts.ProductCredits[ev.ProductID]
	if !ok || credits <= 0 {
		s.logger.Error("payment for unknown product",
			zap.String("product_id", ev.ProductID),
			zap.String("payment_id", ev.PaymentID),
		)
		out.Status = model.WebhookConfigError
		return out, apperror.Configuration(fmt.Sprintf("product %q has no credit mapping", ev.ProductID))
	}
	out.Credits = credits

	if ev.PaymentID == "" {
		out.Status = model.WebhookFailed
		return out, apperror.Validation("payment event has no payment id")
	}

	userID, match, err := s.resolveUser(ctx, ev)
	if err != nil {
		out.Status = model.WebhookFailed
		return out, apperror.Storage("resolve user", err)
	}
	out.MatchType = match

	if match == model.MatchNone {
		return s.quarantine(ctx, ev, credits, out)
	}
	out.UserID = &userID

	res, err := s.ledger.Credit(ctx, userID, credits, model.ReasonCreemPayment, paymentMeta(ev))
	if err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			s.logger.Warn("payment already credited to another user",
				zap.String("payment_id", ev.PaymentID),
				zap.String("user_id", userID.String()),
			)
			out.Status = model.WebhookDuplicate
			return out, nil
		}
		out.Status = model.WebhookFailed
		return out, err
	}
	out.TransactionID = &res.TransactionID

	if _, err := s.repo.RecordPayment(ctx, model.Payment{
		PaymentID:      ev.PaymentID,
		UserID:         userID,
		ProductID:      ev.ProductID,
		SubscriptionID: ev.SubscriptionID,
		Amount:         ev.Amount,
		Currency:       ev.Currency,
		Credits:        credits,
		EventType:      ev.Type,
		TransactionID:  res.TransactionID,
	}); err != nil {
		out.Status = model.WebhookFailed
		return out, apperror.Storage("record payment", err)
	}

	if resolved, err := s.repo.ResolveUnmatchedByPayment(ctx, ev.PaymentID, userID); err != nil {
		s.logger.Error("auto-resolve quarantine failed", zap.String("payment_id", ev.PaymentID), zap.Error(err))
	} else if resolved {
		s.logger.Info("quarantined payment auto-resolved", zap.String("payment_id", ev.PaymentID))
	}

	s.rememberCustomer(ctx, userID, ev)
	if ev.SubscriptionID != "" {
		status := ev.SubscriptionStatus
		if status == "" {
			status = "active"
		}
		if err := s.saveSubscription(ctx, userID, ev, status); err != nil {
			s.logger.Error("save subscription failed", zap.String("subscription_id", ev.SubscriptionID), zap.Error(err))
		}
	}
	s.logMatch(ctx, ev, &userID, match)

	if res.Duplicate {
		out.Status = model.WebhookDuplicate
	} else {
		out.Status = model.WebhookProcessed
		s.logger.Info("payment credited",
			zap.String("payment_id", ev.PaymentID),
			zap.String("user_id", userID.String()),
			zap.String("match_type", string(match)),
			zap.Int64("credits", credits),
		)
	}
	return out, nil
}

func (s *Service) quarantine(ctx context.Context, ev *creem.Event, credits int64, out Outcome) (Outcome, error) {
	id, created, err := s.repo.CreateUnmatched(ctx, model.UnmatchedPayment{
		Email:          ev.CustomerEmail,
		PaymentID:      ev.PaymentID,
		SubscriptionID: ev.SubscriptionID,
		ProductID:      ev.ProductID,
		Amount:         ev.Amount,
		Currency:       ev.Currency,
		Credits:        credits,
		EventType:      ev.Type,
	})
	if err != nil {
		out.Status = model.WebhookFailed
		return out, apperror.Storage("quarantine payment", err)
	}

	if created {
		s.logMatch(ctx, ev, nil, model.MatchNone)
	}
	s.logger.Warn("payment quarantined",
		zap.Int64("unmatched_id", id),
		zap.String("payment_id", ev.PaymentID),
		zap.String("email", ev.CustomerEmail),
		zap.Bool("created", created),
	)

	out.Status = model.WebhookQuarantined
	return out, nil
}

func (s *Service) handleSubscription(ctx context.Context, ev *creem.Event) (Outcome, error) {
	out := Outcome{}
	if ev.SubscriptionID == "" {
		out.Status = model.WebhookIgnored
		return out, nil
	}

	userID, match, err := s.resolveUser(ctx, ev)
	if err != nil {
		out.Status = model.WebhookFailed
		return out, apperror.Storage("resolve user", err)
	}
	out.MatchType = match
	if match == model.MatchNone {
		s.logger.Warn("subscription event for unknown user",
			zap.String("subscription_id", ev.SubscriptionID),
			zap.String("event_type", ev.Type),
		)
		out.Status = model.WebhookIgnored
		return out, nil
	}
	out.UserID = &userID

	status := ev.SubscriptionStatus
	if status == "" {
		status = subscriptionStatusFromEvent(ev.Type)
	}
	if err := s.saveSubscription(ctx, userID, ev, status); err != nil {
		out.Status = model.WebhookFailed
		return out, apperror.Storage("save subscription", err)
	}
	s.rememberCustomer(ctx, userID, ev)

	out.Status = model.WebhookProcessed
	return out, nil
}

func subscriptionStatusFromEvent(eventType string) string {
	switch eventType {
	case creem.EventSubscriptionActive, creem.EventSubscriptionUpdate:
		return "active"
	case creem.EventSubscriptionTrialing:
		return "trialing"
	case creem.EventSubscriptionCanceled:
		return "canceled"
	case creem.EventSubscriptionExpired:
		return "expired"
	case creem.EventSubscriptionPaused:
		return "paused"
	}
	return "unknown"
}

// resolveUser ищет пользователя: metadata и customer id, точный email, алиас, нечёткий email.
func (s *Service) resolveUser(ctx context.Context, ev *creem.Event) (uuid.UUID, model.MatchType, error) {
	if id, err := uuid.Parse(ev.UserID); err == nil {
		exists, err := s.repo.UserExists(ctx, id)
		if err != nil {
			return uuid.Nil, model.MatchNone, err
		}
		if exists {
			return id, model.MatchDirect, nil
		}
	}

	if ev.CustomerID != "" {
		id, err := s.repo.FindUserByCustomerID(ctx, ev.CustomerID)
		if err == nil {
			return id, model.MatchDirect, nil
		}
		if !errors.Is(err, repository.ErrUserNotFound) {
			return uuid.Nil, model.MatchNone, err
		}
	}

	email := validation.NormalizeEmail(ev.CustomerEmail)
	if email == "" {
		return uuid.Nil, model.MatchNone, nil
	}

	lookups := []struct {
		match model.MatchType
		find  func(context.Context, string) (uuid.UUID, error)
	}{
		{model.MatchExact, s.repo.FindUserByEmail},
		{model.MatchAlias, s.repo.FindUserByAlias},
		{model.MatchFuzzy, s.repo.FindUserFuzzy},
	}
	for _, l := range lookups {
		id, err := l.find(ctx, email)
		if err == nil {
			return id, l.match, nil
		}
		if !errors.Is(err, repository.ErrUserNotFound) {
			return uuid.Nil, model.MatchNone, err
		}
	}

	return uuid.Nil, model.MatchNone, nil
}

func paymentMeta(ev *creem.Event) model.PaymentMeta {
	return model.PaymentMeta{
		PaymentID:      ev.PaymentID,
		SubscriptionID: ev.SubscriptionID,
		ProductID:      ev.ProductID,
		Email:          validation.NormalizeEmail(ev.CustomerEmail),
		EventType:      ev.Type,
	}
}

func (s *Service) rememberCustomer(ctx context.Context, userID uuid.UUID, ev *creem.Event) {
	if ev.CustomerID == "" {
		return
	}
	if err := s.repo.SetCustomerID(ctx, userID, ev.CustomerID); err != nil {
		s.logger.Error("save customer id failed", zap.String("user_id", userID.String()), zap.Error(err))
	}
}

func (s *Service) saveSubscription(ctx context.Context, userID uuid.UUID, ev *creem.Event, status string) error {
	return s.repo.UpsertSubscription(ctx, model.Subscription{
		ID:               ev.SubscriptionID,
		UserID:           userID,
		CustomerID:       ev.CustomerID,
		ProductID:        ev.ProductID,
		Status:           status,
		CurrentPeriodEnd: ev.CurrentPeriodEnd,
	})
}

func (s *Service) logMatch(ctx context.Context, ev *creem.Event, userID *uuid.UUID, match model.MatchType) {
	err := s.repo.LogEmailMatch(ctx, model.EmailMatchLog{
		SearchedEmail:    ev.CustomerEmail,
		MatchedUserID:    userID,
		MatchType:        match,
		WebhookEventType: ev.Type,
		PaymentID:        ev.PaymentID,
	})
	if err != nil {
		s.logger.Error("save match log failed", zap.String("payment_id", ev.PaymentID), zap.Error(err))
	}
}

func (s *Service) saveLog(ctx context.Context, l model.WebhookLog) {
	if err := s.repo.SaveWebhookLog(ctx, l); err != nil {
		s.logger.Error("save webhook log failed", zap.String("event_id", l.EventID), zap.Error(err))
	}
}
