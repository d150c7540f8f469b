package model

// Reason задаёт причину операции с кредитами.
type Reason string

const (
	ReasonCreemPayment     Reason = "creem_payment"
	ReasonVideoGeneration  Reason = "video_generation"
	ReasonGenerationRefund Reason = "generation_refund"
	ReasonJobCanceled      Reason = "job_canceled"
	ReasonManualCleanup    Reason = "manual_cleanup"
	ReasonManualGrant      Reason = "manual_grant"
)

// BalanceEffect описывает изменения полей аккаунта при применении транзакции.
type BalanceEffect struct {
	Balance int64
	Spent   int64
	Total   int64
}

// Valid сообщает, известна ли причина.
func (r Reason) Valid() bool {
	switch r {
	case ReasonCreemPayment, ReasonVideoGeneration, ReasonGenerationRefund,
		ReasonJobCanceled, ReasonManualCleanup, ReasonManualGrant:
		return true
	}
	return false
}

// IsDebit сообщает, уменьшает ли операция с этой причиной баланс.
func (r Reason) IsDebit() bool {
	return r == ReasonVideoGeneration || r == ReasonManualCleanup
}

// IsRefund сообщает, является ли операция возвратом ранее списанных кредитов.
func (r Reason) IsRefund() bool {
	return r == ReasonGenerationRefund || r == ReasonJobCanceled
}

// Effect возвращает изменения баланса, потраченных и полученных кредитов для суммы amount > 0.
func (r Reason) Effect(amount int64) BalanceEffect {
	switch r {
	case ReasonCreemPayment, ReasonManualGrant:
		return BalanceEffect{Balance: amount, Total: amount}
	case ReasonVideoGeneration:
		return BalanceEffect{Balance: -amount, Spent: amount}
	case ReasonGenerationRefund, ReasonJobCanceled:
		return BalanceEffect{Balance: amount, Spent: -amount}
	case ReasonManualCleanup:
		return BalanceEffect{Balance: -amount}
	}
	return BalanceEffect{}
}

// SignedAmount возвращает сумму со знаком в соглашении журнала.
func (r Reason) SignedAmount(amount int64) int64 {
	if r.IsDebit() {
		return -amount
	}
	return amount
}
