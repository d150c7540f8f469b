package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/validation"
)

// RecordPayment сохраняет платёж, по которому начислены кредиты. Повторная запись игнорируется.
func (r *PostgresRepository) RecordPayment(ctx context.Context, p model.Payment) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO payments (payment_id, user_id, product_id, subscription_id, amount, currency, credits,
			event_type, transaction_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (payment_id) DO NOTHING`,
		p.PaymentID, p.UserID, p.ProductID, p.SubscriptionID, p.Amount, p.Currency, p.Credits,
		p.EventType, p.TransactionID,
	)
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// GetPayment возвращает платёж по идентификатору.
func (r *PostgresRepository) GetPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT payment_id, user_id, product_id, subscription_id, amount, currency, credits, event_type,
			transaction_id, created_at
		 FROM payments WHERE payment_id = $1`,
		paymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payment: %w", err)
	}
	payments, err := scanPayments(rows)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, ErrPaymentNotFound
	}
	return &payments[0], nil
}

// ListPaymentsByUser возвращает историю платежей пользователя.
func (r *PostgresRepository) ListPaymentsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]model.Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT payment_id, user_id, product_id, subscription_id, amount, currency, credits, event_type,
			transaction_id, created_at
		 FROM payments
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select payments: %w", err)
	}
	return scanPayments(rows)
}

func scanPayments(rows pgx.Rows) ([]model.Payment, error) {
	defer rows.Close()

	var res []model.Payment
	for rows.Next() {
		var p model.Payment
		err := rows.Scan(&p.PaymentID, &p.UserID, &p.ProductID, &p.SubscriptionID, &p.Amount, &p.Currency,
			&p.Credits, &p.EventType, &p.TransactionID, &p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpsertSubscription сохраняет последнее известное состояние подписки.
func (r *PostgresRepository) UpsertSubscription(ctx context.Context, s model.Subscription) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_subscriptions (id, user_id, customer_id, product_id, status, current_period_end)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET user_id = EXCLUDED.user_id,
		     customer_id = COALESCE(NULLIF(EXCLUDED.customer_id, ''), user_subscriptions.customer_id),
		     product_id = COALESCE(NULLIF(EXCLUDED.product_id, ''), user_subscriptions.product_id),
		     status = EXCLUDED.status,
		     current_period_end = COALESCE(EXCLUDED.current_period_end, user_subscriptions.current_period_end),
		     updated_at = now()`,
		s.ID, s.UserID, s.CustomerID, s.ProductID, s.Status, s.CurrentPeriodEnd,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// CreateUnmatched помещает платёж в карантин. На один payment_id создаётся одна запись;
// при повторе возвращается существующая с created = false.
func (r *PostgresRepository) CreateUnmatched(ctx context.Context, u model.UnmatchedPayment) (int64, bool, error) {
	var (
		id      int64
		created bool
	)
	err := r.pool.QueryRow(ctx,
		`WITH ins AS (
			INSERT INTO unmatched_payment_emails (email, payment_id, subscription_id, product_id, amount, currency,
				credits, event_type, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (payment_id) DO NOTHING
			RETURNING id
		 )
		 SELECT id, true FROM ins
		 UNION ALL
		 SELECT id, false FROM unmatched_payment_emails WHERE payment_id = $2
		 LIMIT 1`,
		validation.NormalizeEmail(u.Email), u.PaymentID, u.SubscriptionID, u.ProductID, u.Amount, u.Currency,
		u.Credits, u.EventType, string(model.UnmatchedPending),
	).Scan(&id, &created)
	if err != nil {
		return 0, false, fmt.Errorf("insert unmatched payment: %w", err)
	}
	return id, created, nil
}

const unmatchedColumns = `id, email, payment_id, subscription_id, product_id, amount, currency, credits,
	event_type, status, resolved_user_id, created_at, resolved_at`

// GetUnmatched возвращает запись карантина.
func (r *PostgresRepository) GetUnmatched(ctx context.Context, id int64) (*model.UnmatchedPayment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+unmatchedColumns+` FROM unmatched_payment_emails WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("select unmatched payment: %w", err)
	}
	res, err := scanUnmatched(rows)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, ErrUnmatchedNotFound
	}
	return &res[0], nil
}

// ListUnmatched возвращает записи карантина с указанным статусом, старые первыми.
func (r *PostgresRepository) ListUnmatched(ctx context.Context, status model.UnmatchedStatus, limit int) ([]model.UnmatchedPayment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+unmatchedColumns+` FROM unmatched_payment_emails
		 WHERE status = $1 ORDER BY created_at LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select unmatched payments: %w", err)
	}
	return scanUnmatched(rows)
}

// ClaimUnmatched переводит запись из pending в resolved. Только один вызов может успешно забрать запись.
func (r *PostgresRepository) ClaimUnmatched(ctx context.Context, id int64, userID uuid.UUID) error {
	return r.transitionUnmatched(ctx,
		`UPDATE unmatched_payment_emails
		 SET status = $2, resolved_user_id = $3, resolved_at = now()
		 WHERE id = $1 AND status = $4`,
		id, string(model.UnmatchedResolved), userID, string(model.UnmatchedPending),
	)
}

// ReopenUnmatched возвращает запись в pending после неудачного начисления.
func (r *PostgresRepository) ReopenUnmatched(ctx context.Context, id int64) error {
	return r.transitionUnmatched(ctx,
		`UPDATE unmatched_payment_emails
		 SET status = $2, resolved_user_id = NULL, resolved_at = NULL
		 WHERE id = $1 AND status = $3`,
		id, string(model.UnmatchedPending), string(model.UnmatchedResolved),
	)
}

// SetUnmatchedOwner исправляет получателя у закрытой записи карантина. Nil означает, что получатель неизвестен.
func (r *PostgresRepository) SetUnmatchedOwner(ctx context.Context, id int64, owner *uuid.UUID) error {
	return r.transitionUnmatched(ctx,
		`UPDATE unmatched_payment_emails
		 SET resolved_user_id = $2
		 WHERE id = $1 AND status = $3`,
		id, owner, string(model.UnmatchedResolved),
	)
}

// IgnoreUnmatched помечает запись как не требующую начисления.
func (r *PostgresRepository) IgnoreUnmatched(ctx context.Context, id int64) error {
	return r.transitionUnmatched(ctx,
		`UPDATE unmatched_payment_emails
		 SET status = $2, resolved_at = now()
		 WHERE id = $1 AND status = $3`,
		id, string(model.UnmatchedIgnored), string(model.UnmatchedPending),
	)
}

// ResolveUnmatchedByPayment закрывает запись карантина, если платёж был начислен другим путём.
func (r *PostgresRepository) ResolveUnmatchedByPayment(ctx context.Context, paymentID string, userID uuid.UUID) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE unmatched_payment_emails
		 SET status = $2, resolved_user_id = $3, resolved_at = now()
		 WHERE payment_id = $1 AND status = $4`,
		paymentID, string(model.UnmatchedResolved), userID, string(model.UnmatchedPending),
	)
	if err != nil {
		return false, fmt.Errorf("resolve unmatched payment: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) transitionUnmatched(ctx context.Context, query string, id int64, args ...any) error {
	cmdTag, err := r.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update unmatched payment: %w", err)
	}
	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM unmatched_payment_emails WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check unmatched payment: %w", err)
	}
	if !exists {
		return ErrUnmatchedNotFound
	}
	return ErrUnmatchedNotPending
}

func scanUnmatched(rows pgx.Rows) ([]model.UnmatchedPayment, error) {
	defer rows.Close()

	var res []model.UnmatchedPayment
	for rows.Next() {
		var (
			u      model.UnmatchedPayment
			status string
		)
		err := rows.Scan(&u.ID, &u.Email, &u.PaymentID, &u.SubscriptionID, &u.ProductID, &u.Amount, &u.Currency,
			&u.Credits, &u.EventType, &status, &u.ResolvedUserID, &u.CreatedAt, &u.ResolvedAt)
		if err != nil {
			return nil, fmt.Errorf("scan unmatched payment: %w", err)
		}
		u.Status = model.UnmatchedStatus(status)
		res = append(res, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// LogEmailMatch сохраняет запись аудита сопоставления.
func (r *PostgresRepository) LogEmailMatch(ctx context.Context, l model.EmailMatchLog) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO email_matching_logs (searched_email, matched_user_id, match_type, webhook_event_type, payment_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		validation.NormalizeEmail(l.SearchedEmail), l.MatchedUserID, string(l.MatchType), l.WebhookEventType, l.PaymentID,
	)
	if err != nil {
		return fmt.Errorf("insert match log: %w", err)
	}
	return nil
}

// SaveWebhookLog сохраняет входящее событие и итог его обработки.
func (r *PostgresRepository) SaveWebhookLog(ctx context.Context, l model.WebhookLog) error {
	var payload []byte
	if len(l.Payload) > 0 {
		payload = l.Payload
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO webhook_logs (event_id, provider, event_type, payload, status, error)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		l.EventID, l.Provider, l.EventType, payload, string(l.Status), l.Error,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if payload != nil && errors.As(err, &pgErr) && pgErr.Code == pgerrcode.InvalidTextRepresentation {
			// Тело не является корректным JSON: сохраняем событие без него.
			return r.SaveWebhookLog(ctx, model.WebhookLog{
				EventID: l.EventID, Provider: l.Provider, EventType: l.EventType, Status: l.Status, Error: l.Error,
			})
		}
		return fmt.Errorf("insert webhook log: %w", err)
	}
	return nil
}
