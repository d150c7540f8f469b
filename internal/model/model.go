// Package model содержит доменные сущности сервиса кредитов.
package model

import (
	"time"

	"github.com/google/uuid"
)

// User представляет аккаунт пользователя и агрегированное состояние его кредитов.
type User struct {
	ID             uuid.UUID
	Email          string
	CreditsBalance int64
	CreditsSpent   int64
	CreditsTotal   int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Balance содержит текущий баланс пользователя.
type Balance struct {
	Balance int64 `json:"balance"`
	Spent   int64 `json:"spent"`
	Total   int64 `json:"total"`
}

// Transaction описывает запись журнала кредитов. Amount положителен для начислений и отрицателен для списаний.
type Transaction struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Amount         int64
	Reason         Reason
	IdempotencyKey string
	Metadata       Metadata
	CreatedAt      time.Time
}

// Payment описывает платёж, по которому уже начислены кредиты.
type Payment struct {
	PaymentID      string
	UserID         uuid.UUID
	ProductID      string
	SubscriptionID string
	Amount         int64
	Currency       string
	Credits        int64
	EventType      string
	TransactionID  uuid.UUID
	CreatedAt      time.Time
}

// Subscription описывает подписку пользователя у платёжного провайдера.
type Subscription struct {
	ID               string
	UserID           uuid.UUID
	CustomerID       string
	ProductID        string
	Status           string
	CurrentPeriodEnd *time.Time
	UpdatedAt        time.Time
}

// HealthSummary содержит агрегированные показатели состояния системы.
type HealthSummary struct {
	Users            int64 `json:"users"`
	Transactions     int64 `json:"transactions"`
	ActiveJobs       int64 `json:"active_jobs"`
	PendingUnmatched int64 `json:"pending_unmatched"`
	Inconsistencies  int64 `json:"inconsistencies"`
}

// CreditInconsistency описывает пользователя, у которого баланс расходится с суммой журнала.
type CreditInconsistency struct {
	UserID     uuid.UUID `json:"user_id"`
	Balance    int64     `json:"balance"`
	LedgerSum  int64     `json:"ledger_sum"`
	Difference int64     `json:"difference"`
}
