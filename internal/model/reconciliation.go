package model

import (
	"time"

	"github.com/google/uuid"
)

// UnmatchedStatus описывает состояние платежа в карантине.
type UnmatchedStatus string

const (
	UnmatchedPending  UnmatchedStatus = "pending"
	UnmatchedResolved UnmatchedStatus = "resolved"
	UnmatchedIgnored  UnmatchedStatus = "ignored"
)

// UnmatchedPayment — платёж, email плательщика которого не удалось сопоставить с пользователем.
// Credits фиксируется в момент карантина и начисляется при разрешении.
type UnmatchedPayment struct {
	ID             int64
	Email          string
	PaymentID      string
	SubscriptionID string
	ProductID      string
	Amount         int64
	Currency       string
	Credits        int64
	EventType      string
	Status         UnmatchedStatus
	ResolvedUserID *uuid.UUID
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// MatchType описывает способ, которым webhook сопоставлен с пользователем.
type MatchType string

const (
	MatchDirect MatchType = "direct"
	MatchExact  MatchType = "exact"
	MatchAlias  MatchType = "alias"
	MatchFuzzy  MatchType = "fuzzy"
	MatchNone   MatchType = "none"
)

// EmailMatchLog — запись аудита попытки сопоставления.
type EmailMatchLog struct {
	SearchedEmail    string
	MatchedUserID    *uuid.UUID
	MatchType        MatchType
	WebhookEventType string
	PaymentID        string
	CreatedAt        time.Time
}

// WebhookStatus описывает итог обработки входящего события.
type WebhookStatus string

const (
	WebhookReceived    WebhookStatus = "received"
	WebhookProcessed   WebhookStatus = "processed"
	WebhookDuplicate   WebhookStatus = "duplicate"
	WebhookQuarantined WebhookStatus = "quarantined"
	WebhookIgnored     WebhookStatus = "ignored"
	WebhookConfigError WebhookStatus = "config_error"
	WebhookFailed      WebhookStatus = "failed"
)

// WebhookLog — журнал входящих событий платёжного провайдера.
type WebhookLog struct {
	EventID   string
	Provider  string
	EventType string
	Payload   []byte
	Status    WebhookStatus
	Error     string
}
