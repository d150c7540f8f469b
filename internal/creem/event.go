package creem

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Типы событий провайдера.
const (
	EventCheckoutCompleted    = "checkout.completed"
	EventSubscriptionPaid     = "subscription.paid"
	EventSubscriptionActive   = "subscription.active"
	EventSubscriptionUpdate   = "subscription.update"
	EventSubscriptionTrialing = "subscription.trialing"
	EventSubscriptionCanceled = "subscription.canceled"
	EventSubscriptionExpired  = "subscription.expired"
	EventSubscriptionPaused   = "subscription.paused"
	EventRefundCreated        = "refund.created"
	EventDisputeCreated       = "dispute.created"
)

// Kind классифицирует событие для сверки.
type Kind int

const (
	// KindIgnored — событие не влияет на кредиты.
	KindIgnored Kind = iota
	// KindPayment — оплата, за которую начисляются кредиты.
	KindPayment
	// KindSubscription — изменение состояния подписки.
	KindSubscription
)

// ErrMalformedEvent возвращается, если тело события невозможно разобрать.
var ErrMalformedEvent = errors.New("malformed webhook event")

// Event — нормализованное событие провайдера.
type Event struct {
	ID                 string
	Type               string
	Kind               Kind
	PaymentID          string
	OrderID            string
	SubscriptionID     string
	SubscriptionStatus string
	CurrentPeriodEnd   *time.Time
	CustomerID         string
	CustomerEmail      string
	ProductID          string
	Amount             int64
	Currency           string
	UserID             string
}

type rawEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	Object    json.RawMessage `json:"object"`
}

type rawObject struct {
	ID                   string         `json:"id"`
	Object               string         `json:"object"`
	RequestID            string         `json:"request_id"`
	Status               string         `json:"status"`
	Order                *rawOrder      `json:"order"`
	Product              ref            `json:"product"`
	Customer             ref            `json:"customer"`
	Subscription         ref            `json:"subscription"`
	LastTransactionID    string         `json:"last_transaction_id"`
	CurrentPeriodEndDate *time.Time     `json:"current_period_end_date"`
	Metadata             map[string]any `json:"metadata"`
	Amount               int64          `json:"amount"`
	Currency             string         `json:"currency"`
}

type rawOrder struct {
	ID          string `json:"id"`
	Customer    ref    `json:"customer"`
	Product     ref    `json:"product"`
	Amount      int64  `json:"amount"`
	AmountPaid  int64  `json:"amount_paid"`
	Currency    string `json:"currency"`
	Transaction string `json:"transaction"`
}

// ref — ссылка на сущность, которая приходит либо строкой-идентификатором, либо объектом.
type ref struct {
	ID     string
	Email  string
	Status string
	Period *time.Time
	Price  int64
	Curr   string
}

func (r *ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}

	var obj struct {
		ID                   string     `json:"id"`
		Email                string     `json:"email"`
		Status               string     `json:"status"`
		CurrentPeriodEndDate *time.Time `json:"current_period_end_date"`
		Price                int64      `json:"price"`
		Currency             string     `json:"currency"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = ref{
		ID:     obj.ID,
		Email:  obj.Email,
		Status: obj.Status,
		Period: obj.CurrentPeriodEndDate,
		Price:  obj.Price,
		Curr:   obj.Currency,
	}
	return nil
}

// ParseEvent разбирает тело webhook. Вызывается только после проверки подписи.
func ParseEvent(payload []byte) (*Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if raw.EventType == "" {
		return nil, fmt.Errorf("%w: event type is empty", ErrMalformedEvent)
	}

	ev := &Event{ID: raw.ID, Type: raw.EventType, Kind: classify(raw.EventType)}
	if ev.Kind == KindIgnored || len(raw.Object) == 0 {
		return ev, nil
	}

	var obj rawObject
	if err := json.Unmarshal(raw.Object, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	ev.CustomerID = obj.Customer.ID
	ev.CustomerEmail = strings.TrimSpace(obj.Customer.Email)
	ev.ProductID = obj.Product.ID
	ev.Currency = obj.Product.Curr
	ev.Amount = obj.Product.Price
	ev.UserID = metadataUserID(obj.Metadata, obj.RequestID)

	isSubscription := obj.Object == "subscription" || strings.HasPrefix(raw.EventType, "subscription.")
	if isSubscription {
		ev.SubscriptionID = obj.ID
		ev.SubscriptionStatus = obj.Status
		ev.CurrentPeriodEnd = obj.CurrentPeriodEndDate
		ev.PaymentID = obj.LastTransactionID
	} else {
		ev.SubscriptionID = obj.Subscription.ID
		ev.SubscriptionStatus = obj.Subscription.Status
		ev.CurrentPeriodEnd = obj.Subscription.Period
	}

	if o := obj.Order; o != nil {
		ev.OrderID = o.ID
		if o.Transaction != "" {
			ev.PaymentID = o.Transaction
		}
		if ev.CustomerID == "" {
			ev.CustomerID = o.Customer.ID
		}
		if ev.ProductID == "" {
			ev.ProductID = o.Product.ID
		}
		switch {
		case o.AmountPaid > 0:
			ev.Amount = o.AmountPaid
		case o.Amount > 0:
			ev.Amount = o.Amount
		}
		if o.Currency != "" {
			ev.Currency = o.Currency
		}
	}
	if obj.Amount > 0 && ev.Amount == 0 {
		ev.Amount = obj.Amount
	}
	if obj.Currency != "" && ev.Currency == "" {
		ev.Currency = obj.Currency
	}

	// Без идентификатора транзакции используем заказ.
	if ev.PaymentID == "" {
		ev.PaymentID = ev.OrderID
	}
	if ev.PaymentID == "" && ev.Kind == KindPayment {
		ev.PaymentID = fallbackPaymentID(raw.ID, obj.ID, isSubscription, ev.CurrentPeriodEnd)
	}

	return ev, nil
}

// fallbackPaymentID возвращает ключ платежа, когда нет ни транзакции, ни заказа.
// Идентификатор подписки общий для всех продлений, поэтому ключ подписки включает конец
// оплаченного периода, а без периода берётся идентификатор события.
func fallbackPaymentID(eventID, objectID string, isSubscription bool, periodEnd *time.Time) string {
	if !isSubscription {
		return objectID
	}
	if objectID != "" && periodEnd != nil {
		return objectID + ":" + periodEnd.UTC().Format(time.RFC3339)
	}
	return eventID
}

func classify(eventType string) Kind {
	switch eventType {
	case EventCheckoutCompleted, EventSubscriptionPaid:
		return KindPayment
	case EventSubscriptionActive, EventSubscriptionUpdate, EventSubscriptionTrialing,
		EventSubscriptionCanceled, EventSubscriptionExpired, EventSubscriptionPaused:
		return KindSubscription
	}
	return KindIgnored
}

func metadataUserID(meta map[string]any, requestID string) string {
	for _, key := range []string{"user_id", "userId", "referenceId"} {
		if v, ok := meta[key].(string); ok && v != "" {
			return v
		}
	}
	return requestID
}
