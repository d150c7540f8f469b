package repository

import (
	"context"
	"fmt"

	"github.com/mmeshcher/creditledger/internal/model"
)

// HealthSummary возвращает агрегированные показатели через хранимую функцию get_system_health_summary.
func (r *PostgresRepository) HealthSummary(ctx context.Context) (model.HealthSummary, error) {
	var h model.HealthSummary
	err := r.pool.QueryRow(ctx,
		`SELECT users, transactions, active_jobs, pending_unmatched, inconsistencies
		 FROM get_system_health_summary()`,
	).Scan(&h.Users, &h.Transactions, &h.ActiveJobs, &h.PendingUnmatched, &h.Inconsistencies)
	if err != nil {
		return model.HealthSummary{}, fmt.Errorf("health summary: %w", err)
	}
	return h, nil
}

// FindCreditInconsistencies возвращает пользователей, у которых баланс не равен сумме журнала.
func (r *PostgresRepository) FindCreditInconsistencies(ctx context.Context) ([]model.CreditInconsistency, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, balance, ledger_sum, difference FROM find_credit_inconsistencies()`,
	)
	if err != nil {
		return nil, fmt.Errorf("select inconsistencies: %w", err)
	}
	defer rows.Close()

	var res []model.CreditInconsistency
	for rows.Next() {
		var c model.CreditInconsistency
		if err := rows.Scan(&c.UserID, &c.Balance, &c.LedgerSum, &c.Difference); err != nil {
			return nil, fmt.Errorf("scan inconsistency: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
