// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается, если email уже принадлежит другому пользователю.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrIdempotencyConflict возвращается, если ключ уже использован транзакцией другого пользователя.
	ErrIdempotencyConflict = errors.New("idempotency key used by another user")
	// ErrJobNotFound возвращается, если задача генерации не найдена.
	ErrJobNotFound = errors.New("job not found")
	// ErrPaymentNotFound возвращается, если платёж не найден.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrUnmatchedNotFound возвращается, если запись карантина не найдена.
	ErrUnmatchedNotFound = errors.New("unmatched payment not found")
	// ErrUnmatchedNotPending возвращается, если запись карантина уже обработана.
	ErrUnmatchedNotPending = errors.New("unmatched payment is not pending")
	// ErrAliasTaken возвращается, если алиас уже привязан к другому пользователю.
	ErrAliasTaken = errors.New("alias belongs to another user")
)

const (
	defaultMaxRetries = 3
	defaultRetryBase  = 100 * time.Millisecond
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool       *pgxpool.Pool
	maxRetries uint64
	retryBase  time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:       pool,
		maxRetries: defaultMaxRetries,
		retryBase:  defaultRetryBase,
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Pool возвращает пул соединений. Используется очередью фоновых задач.
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

// Ping проверяет доступность базы данных.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// withRetry повторяет fn с экспоненциальной задержкой, пока ошибка остаётся временной.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(r.maxRetries, retry.NewExponential(r.retryBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// IsTransient сообщает, может ли повтор операции завершиться успешно.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return true
		}
		return pgerrcode.IsConnectionException(pgErr.Code)
	}

	return pgconn.SafeToRetry(err) || isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
