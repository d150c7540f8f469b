package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrMetadataMismatch возвращается, если вариант метаданных не соответствует причине операции.
var ErrMetadataMismatch = errors.New("metadata does not match reason")

// Metadata — закрытое объединение метаданных транзакции. Каждый вариант определяет ключ идемпотентности.
type Metadata interface {
	IdempotencyKey() string
	allows(r Reason) bool
}

// PaymentMeta сопровождает начисление по платежу провайдера.
type PaymentMeta struct {
	PaymentID      string `json:"payment_id"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	ProductID      string `json:"product_id,omitempty"`
	Email          string `json:"email,omitempty"`
	EventType      string `json:"event_type,omitempty"`
}

// IdempotencyKey возвращает ключ вида payment:<id>.
func (m PaymentMeta) IdempotencyKey() string {
	if m.PaymentID == "" {
		return ""
	}
	return "payment:" + m.PaymentID
}

func (PaymentMeta) allows(r Reason) bool { return r == ReasonCreemPayment }

// GenerationMeta сопровождает списание за генерацию видео.
type GenerationMeta struct {
	GenerationID uuid.UUID `json:"generation_id"`
	Model        string    `json:"model,omitempty"`
}

// IdempotencyKey возвращает ключ вида generation:<id>.
func (m GenerationMeta) IdempotencyKey() string {
	if m.GenerationID == uuid.Nil {
		return ""
	}
	return "generation:" + m.GenerationID.String()
}

func (GenerationMeta) allows(r Reason) bool { return r == ReasonVideoGeneration }

// RefundMeta сопровождает возврат кредитов за генерацию. Возврат по отмене и по ошибке
// провайдера используют один ключ, поэтому по одной генерации возможен только один возврат.
type RefundMeta struct {
	RefundFor             uuid.UUID  `json:"refund_for"`
	OriginalTransactionID *uuid.UUID `json:"original_transaction_id,omitempty"`
	Cause                 string     `json:"cause,omitempty"`
}

// IdempotencyKey возвращает ключ вида refund:<generation id>.
func (m RefundMeta) IdempotencyKey() string {
	if m.RefundFor == uuid.Nil {
		return ""
	}
	return "refund:" + m.RefundFor.String()
}

func (RefundMeta) allows(r Reason) bool { return r.IsRefund() }

// AdjustmentMeta сопровождает ручную корректировку оператором.
type AdjustmentMeta struct {
	Reference string `json:"reference"`
	Operator  string `json:"operator,omitempty"`
	Note      string `json:"note,omitempty"`
}

// IdempotencyKey возвращает ключ вида manual:<reference>.
func (m AdjustmentMeta) IdempotencyKey() string {
	if m.Reference == "" {
		return ""
	}
	return "manual:" + m.Reference
}

func (AdjustmentMeta) allows(r Reason) bool {
	return r == ReasonManualCleanup || r == ReasonManualGrant
}

// CheckMetadata проверяет, что метаданные подходят причине и содержат ключ идемпотентности.
func CheckMetadata(r Reason, m Metadata) error {
	if m == nil {
		return fmt.Errorf("%w: metadata is required for %s", ErrMetadataMismatch, r)
	}
	if !m.allows(r) {
		return fmt.Errorf("%w: %T for %s", ErrMetadataMismatch, m, r)
	}
	if m.IdempotencyKey() == "" {
		return fmt.Errorf("%w: empty idempotency key for %s", ErrMetadataMismatch, r)
	}
	return nil
}

// EncodeMetadata сериализует метаданные для хранения в jsonb.
func EncodeMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// DecodeMetadata восстанавливает вариант метаданных по причине операции.
func DecodeMetadata(r Reason, raw []byte) (Metadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var (
		m   Metadata
		err error
	)
	switch r {
	case ReasonCreemPayment:
		var v PaymentMeta
		err = json.Unmarshal(raw, &v)
		m = v
	case ReasonVideoGeneration:
		var v GenerationMeta
		err = json.Unmarshal(raw, &v)
		m = v
	case ReasonGenerationRefund, ReasonJobCanceled:
		var v RefundMeta
		err = json.Unmarshal(raw, &v)
		m = v
	case ReasonManualCleanup, ReasonManualGrant:
		var v AdjustmentMeta
		err = json.Unmarshal(raw, &v)
		m = v
	default:
		return nil, fmt.Errorf("unknown reason %q", r)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s metadata: %w", r, err)
	}
	return m, nil
}
