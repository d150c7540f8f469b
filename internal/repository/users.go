package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/validation"
)

// EnsureUser создаёт зеркальную запись пользователя, если её ещё нет.
// Email приводится к нижнему регистру.
func (r *PostgresRepository) EnsureUser(ctx context.Context, id uuid.UUID, email string) error {
	email = validation.NormalizeEmail(email)

	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, email, email_canonical) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		id, email, validation.CanonicalEmail(email),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrUserExists, email)
		}
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	var u model.User
	err := r.pool.QueryRow(ctx,
		`SELECT id, email, credits_balance, credits_spent, credits_total, created_at, updated_at
		 FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Email, &u.CreditsBalance, &u.CreditsSpent, &u.CreditsTotal, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetBalance возвращает баланс, сумму списаний и сумму всех начислений пользователя.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID uuid.UUID) (model.Balance, error) {
	var b model.Balance
	err := r.pool.QueryRow(ctx,
		`SELECT credits_balance, credits_spent, credits_total FROM users WHERE id = $1`,
		userID,
	).Scan(&b.Balance, &b.Spent, &b.Total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Balance{}, ErrUserNotFound
		}
		return model.Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// FindUserByEmail ищет пользователя по точному совпадению email.
func (r *PostgresRepository) FindUserByEmail(ctx context.Context, email string) (uuid.UUID, error) {
	return r.findUserID(ctx,
		`SELECT id FROM users WHERE email = $1`,
		validation.NormalizeEmail(email),
	)
}

// FindUserByAlias ищет пользователя по дополнительному адресу.
func (r *PostgresRepository) FindUserByAlias(ctx context.Context, email string) (uuid.UUID, error) {
	return r.findUserID(ctx,
		`SELECT user_id FROM user_email_aliases WHERE email = $1`,
		validation.NormalizeEmail(email),
	)
}

// FindUserFuzzy ищет пользователя по вариантам написания адреса среди основных адресов и алиасов,
// а также по канонической форме основного адреса.
func (r *PostgresRepository) FindUserFuzzy(ctx context.Context, email string) (uuid.UUID, error) {
	variants := validation.FuzzyVariants(email)
	canonical := validation.CanonicalEmail(email)

	return r.findUserID(ctx,
		`SELECT id FROM (
			SELECT id, 0 AS rank FROM users WHERE email = ANY($1)
			UNION ALL
			SELECT user_id, 1 FROM user_email_aliases WHERE email = ANY($1)
			UNION ALL
			SELECT id, 2 FROM users WHERE email_canonical = $2
		 ) m ORDER BY rank LIMIT 1`,
		variants, canonical,
	)
}

// FindUserByCustomerID ищет пользователя по идентификатору покупателя у платёжного провайдера.
func (r *PostgresRepository) FindUserByCustomerID(ctx context.Context, customerID string) (uuid.UUID, error) {
	return r.findUserID(ctx,
		`SELECT id FROM users WHERE creem_customer_id = $1`,
		customerID,
	)
}

// SetCustomerID запоминает идентификатор покупателя, если он ещё не назначен.
func (r *PostgresRepository) SetCustomerID(ctx context.Context, userID uuid.UUID, customerID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET creem_customer_id = $2, updated_at = now()
		 WHERE id = $1 AND creem_customer_id IS NULL
		   AND NOT EXISTS (SELECT 1 FROM users WHERE creem_customer_id = $2)`,
		userID, customerID,
	)
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("set customer id: %w", err)
	}
	return nil
}

// UserExists сообщает, существует ли пользователь.
func (r *PostgresRepository) UserExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user: %w", err)
	}
	return exists, nil
}

// AddAlias привязывает дополнительный адрес к пользователю.
func (r *PostgresRepository) AddAlias(ctx context.Context, userID uuid.UUID, email string) error {
	email = validation.NormalizeEmail(email)

	var owner uuid.UUID
	err := r.pool.QueryRow(ctx,
		`WITH ins AS (
			INSERT INTO user_email_aliases (email, user_id) VALUES ($1, $2)
			ON CONFLICT (email) DO NOTHING
			RETURNING user_id
		 )
		 SELECT user_id FROM ins
		 UNION ALL
		 SELECT user_id FROM user_email_aliases WHERE email = $1
		 LIMIT 1`,
		email, userID,
	).Scan(&owner)
	if err != nil {
		return fmt.Errorf("add alias: %w", err)
	}
	if owner != userID {
		return fmt.Errorf("%w: %s", ErrAliasTaken, email)
	}
	return nil
}

func (r *PostgresRepository) findUserID(ctx context.Context, query string, args ...any) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, query, args...).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrUserNotFound
		}
		return uuid.Nil, fmt.Errorf("find user: %w", err)
	}
	return id, nil
}
