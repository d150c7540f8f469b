package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/creditledger/internal/model"
)

// ApplyResult описывает результат применения транзакции журнала.
type ApplyResult struct {
	TransactionID uuid.UUID
	Duplicate     bool
}

// ApplyTransaction атомарно добавляет запись журнала и обновляет агрегаты пользователя.
// Строка пользователя блокируется, поэтому операции одного пользователя выполняются последовательно.
// Если запись с тем же ключом идемпотентности уже есть, возвращается её идентификатор с Duplicate = true.
func (r *PostgresRepository) ApplyTransaction(ctx context.Context, t model.Transaction) (ApplyResult, error) {
	meta, err := model.EncodeMetadata(t.Metadata)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("encode metadata: %w", err)
	}

	amount := t.Amount
	if amount < 0 {
		amount = -amount
	}
	effect := t.Reason.Effect(amount)

	var res ApplyResult
	err = r.withRetry(ctx, func(ctx context.Context) error {
		var applyErr error
		res, applyErr = r.applyTransaction(ctx, t, effect, meta)
		return applyErr
	})
	return res, err
}

func (r *PostgresRepository) applyTransaction(
	ctx context.Context,
	t model.Transaction,
	effect model.BalanceEffect,
	meta []byte,
) (ApplyResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Блокируем строку пользователя для сериализации изменений баланса.
	var balance int64
	err = tx.QueryRow(ctx, `SELECT credits_balance FROM users WHERE id = $1 FOR UPDATE`, t.UserID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ApplyResult{}, ErrUserNotFound
		}
		return ApplyResult{}, fmt.Errorf("lock user for update: %w", err)
	}

	var (
		existingID   uuid.UUID
		existingUser uuid.UUID
	)
	err = tx.QueryRow(ctx,
		`SELECT id, user_id FROM credit_transactions
		 WHERE idempotency_key = $1 AND (user_id = $2 OR reason = $3)
		 ORDER BY (user_id = $2) DESC
		 LIMIT 1`,
		t.IdempotencyKey, t.UserID, string(model.ReasonCreemPayment),
	).Scan(&existingID, &existingUser)
	switch {
	case err == nil:
		if existingUser != t.UserID {
			return ApplyResult{}, fmt.Errorf("%w: %s", ErrIdempotencyConflict, t.IdempotencyKey)
		}
		return ApplyResult{TransactionID: existingID, Duplicate: true}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return ApplyResult{}, fmt.Errorf("lookup idempotency key: %w", err)
	}

	if balance+effect.Balance < 0 {
		return ApplyResult{}, fmt.Errorf("%w: balance %d, required %d", ErrInsufficientBalance, balance, -effect.Balance)
	}

	id := t.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (id, user_id, amount, reason, idempotency_key, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT DO NOTHING`,
		id, t.UserID, effect.Balance, string(t.Reason), t.IdempotencyKey, meta,
	)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("insert transaction: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		// Строка пользователя заблокирована, поэтому конфликт возможен только с ключом платежа другого пользователя.
		return ApplyResult{}, fmt.Errorf("%w: %s", ErrIdempotencyConflict, t.IdempotencyKey)
	}

	_, err = tx.Exec(ctx,
		`UPDATE users
		 SET credits_balance = credits_balance + $2,
		     credits_spent = GREATEST(credits_spent + $3, 0),
		     credits_total = credits_total + $4,
		     updated_at = now()
		 WHERE id = $1`,
		t.UserID, effect.Balance, effect.Spent, effect.Total,
	)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ApplyResult{}, fmt.Errorf("commit tx: %w", err)
	}

	return ApplyResult{TransactionID: id}, nil
}

// FindTransactionByKey возвращает транзакцию пользователя по ключу идемпотентности.
func (r *PostgresRepository) FindTransactionByKey(ctx context.Context, userID uuid.UUID, key string) (*model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, amount, reason, idempotency_key, metadata, created_at
		 FROM credit_transactions WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key,
	)
	if err != nil {
		return nil, fmt.Errorf("select transaction: %w", err)
	}
	txs, err := scanTransactions(rows)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

// ListTransactionsByUser возвращает последние записи журнала пользователя.
func (r *PostgresRepository) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, amount, reason, idempotency_key, metadata, created_at
		 FROM credit_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	return scanTransactions(rows)
}

// FindOrphanDebits возвращает списания за генерацию старше olderThan, для которых нет ни задачи, ни возврата.
func (r *PostgresRepository) FindOrphanDebits(ctx context.Context, olderThan time.Duration, limit int) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT t.id, t.user_id, t.amount, t.reason, t.idempotency_key, t.metadata, t.created_at
		 FROM credit_transactions t
		 WHERE t.reason = $1
		   AND t.created_at < now() - make_interval(secs => $2)
		   AND NOT EXISTS (SELECT 1 FROM video_jobs j WHERE j.debit_transaction_id = t.id)
		   AND NOT EXISTS (
			 SELECT 1 FROM credit_transactions rf
			 WHERE rf.user_id = t.user_id
			   AND rf.idempotency_key = 'refund:' || substr(t.idempotency_key, length('generation:') + 1)
		   )
		 ORDER BY t.created_at
		 LIMIT $3`,
		string(model.ReasonVideoGeneration), olderThan.Seconds(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orphan debits: %w", err)
	}
	return scanTransactions(rows)
}

func scanTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var (
			t      model.Transaction
			reason string
			meta   []byte
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &reason, &t.IdempotencyKey, &meta, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}

		t.Reason = model.Reason(reason)
		m, err := model.DecodeMetadata(t.Reason, meta)
		if err != nil {
			return nil, err
		}
		t.Metadata = m

		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
