// Package ledgertest содержит хранилище журнала в памяти для тестов.
package ledgertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/repository"
)

// Store повторяет семантику PostgresRepository.ApplyTransaction: операции одного пользователя
// сериализуются, ключ идемпотентности уникален в пределах пользователя, ключ платежа уникален глобально.
type Store struct {
	mu    sync.Mutex
	users map[uuid.UUID]*model.User
	txs   []model.Transaction

	// ApplyErr, если задан, возвращается из ApplyTransaction вместо применения операции.
	ApplyErr error
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{users: make(map[uuid.UUID]*model.User)}
}

// EnsureUser создаёт пользователя, если его ещё нет.
func (s *Store) EnsureUser(_ context.Context, id uuid.UUID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; ok {
		return nil
	}
	for _, u := range s.users {
		if u.Email == email {
			return fmt.Errorf("%w: %s", repository.ErrUserExists, email)
		}
	}
	s.users[id] = &model.User{ID: id, Email: email, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	return nil
}

// ApplyTransaction атомарно применяет операцию.
func (s *Store) ApplyTransaction(_ context.Context, t model.Transaction) (repository.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ApplyErr != nil {
		return repository.ApplyResult{}, s.ApplyErr
	}

	u, ok := s.users[t.UserID]
	if !ok {
		return repository.ApplyResult{}, repository.ErrUserNotFound
	}

	for _, existing := range s.txs {
		if existing.IdempotencyKey != t.IdempotencyKey {
			continue
		}
		if existing.UserID == t.UserID {
			return repository.ApplyResult{TransactionID: existing.ID, Duplicate: true}, nil
		}
		if existing.Reason == model.ReasonCreemPayment && t.Reason == model.ReasonCreemPayment {
			return repository.ApplyResult{}, repository.ErrIdempotencyConflict
		}
	}

	amount := t.Amount
	if amount < 0 {
		amount = -amount
	}
	effect := t.Reason.Effect(amount)

	if u.CreditsBalance+effect.Balance < 0 {
		return repository.ApplyResult{}, repository.ErrInsufficientBalance
	}

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Amount = effect.Balance
	t.CreatedAt = time.Now()
	s.txs = append(s.txs, t)

	u.CreditsBalance += effect.Balance
	u.CreditsSpent = max(u.CreditsSpent+effect.Spent, 0)
	u.CreditsTotal += effect.Total
	u.UpdatedAt = time.Now()

	return repository.ApplyResult{TransactionID: t.ID}, nil
}

// GetBalance возвращает баланс пользователя.
func (s *Store) GetBalance(_ context.Context, userID uuid.UUID) (model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return model.Balance{}, repository.ErrUserNotFound
	}
	return model.Balance{Balance: u.CreditsBalance, Spent: u.CreditsSpent, Total: u.CreditsTotal}, nil
}

// ListTransactionsByUser возвращает операции пользователя, новые первыми.
func (s *Store) ListTransactionsByUser(_ context.Context, userID uuid.UUID, limit int) ([]model.Transaction, error) {
	res := s.Transactions(userID)
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// FindTransactionByKey возвращает операцию пользователя по ключу.
func (s *Store) FindTransactionByKey(_ context.Context, userID uuid.UUID, key string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.txs {
		if t.UserID == userID && t.IdempotencyKey == key {
			found := t
			return &found, nil
		}
	}
	return nil, nil
}

// Transactions возвращает копию операций пользователя в порядке применения.
func (s *Store) Transactions(userID uuid.UUID) []model.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []model.Transaction
	for _, t := range s.txs {
		if t.UserID == userID {
			res = append(res, t)
		}
	}
	return res
}

// All возвращает копию всех операций.
func (s *Store) All() []model.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]model.Transaction(nil), s.txs...)
}

// CountByReason возвращает число операций пользователя с указанной причиной.
func (s *Store) CountByReason(userID uuid.UUID, reason model.Reason) int {
	n := 0
	for _, t := range s.Transactions(userID) {
		if t.Reason == reason {
			n++
		}
	}
	return n
}

// LedgerSum возвращает сумму операций пользователя.
func (s *Store) LedgerSum(userID uuid.UUID) int64 {
	var sum int64
	for _, t := range s.Transactions(userID) {
		sum += t.Amount
	}
	return sum
}

// Age сдвигает время создания всех операций в прошлое.
func (s *Store) Age(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.txs {
		s.txs[i].CreatedAt = s.txs[i].CreatedAt.Add(-d)
	}
}
