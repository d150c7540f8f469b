package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/creditledger/internal/model"
)

const jobColumns = `id, task_id, user_id, status, cost_credits, model, prompt, params,
	result_urls, error_message, progress, debit_transaction_id, created_at, updated_at`

// CreateJob сохраняет новую задачу генерации.
func (r *PostgresRepository) CreateJob(ctx context.Context, job model.VideoJob) error {
	var params []byte
	if len(job.Params) > 0 {
		params = job.Params
	}
	urls := job.ResultURLs
	if urls == nil {
		urls = []string{}
	}

	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO video_jobs (id, task_id, user_id, status, cost_credits, model, prompt, params,
				result_urls, error_message, progress, debit_transaction_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			job.ID, job.TaskID, job.UserID, string(job.Status), job.CostCredits, job.Model, job.Prompt, params,
			urls, job.ErrorMessage, job.Progress, job.DebitTransactionID,
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
}

// GetJob возвращает задачу по идентификатору генерации.
func (r *PostgresRepository) GetJob(ctx context.Context, id uuid.UUID) (*model.VideoJob, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+jobColumns+` FROM video_jobs WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	return firstJob(rows)
}

// ListJobsByUser возвращает последние задачи пользователя.
func (r *PostgresRepository) ListJobsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]model.VideoJob, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM video_jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select jobs: %w", err)
	}
	return scanJobs(rows)
}

// ListActiveJobs возвращает незавершённые задачи, которые не обновлялись дольше staleAfter.
func (r *PostgresRepository) ListActiveJobs(ctx context.Context, staleAfter time.Duration, limit int) ([]model.VideoJob, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM video_jobs
		 WHERE status IN ($1, $2) AND updated_at < now() - make_interval(secs => $3)
		 ORDER BY updated_at
		 LIMIT $4`,
		string(model.JobStatusPending), string(model.JobStatusProcessing), staleAfter.Seconds(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select active jobs: %w", err)
	}
	return scanJobs(rows)
}

// UpdateJobStatus переводит задачу в новый статус, только если текущий статус входит в from.
// Возвращает false, если задачу успел изменить другой участник.
func (r *PostgresRepository) UpdateJobStatus(ctx context.Context, id uuid.UUID, from []model.JobStatus, upd model.JobUpdate) (bool, error) {
	statuses := make([]string, 0, len(from))
	for _, s := range from {
		statuses = append(statuses, string(s))
	}
	urls := upd.ResultURLs
	if urls == nil {
		urls = []string{}
	}

	var updated bool
	err := r.withRetry(ctx, func(ctx context.Context) error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE video_jobs
			 SET status = $2,
			     result_urls = CASE WHEN cardinality($3::text[]) > 0 THEN $3 ELSE result_urls END,
			     error_message = CASE WHEN $4 <> '' THEN $4 ELSE error_message END,
			     progress = GREATEST(progress, $5),
			     updated_at = now()
			 WHERE id = $1 AND status = ANY($6)`,
			id, string(upd.Status), urls, upd.ErrorMessage, upd.Progress, statuses,
		)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		updated = cmdTag.RowsAffected() == 1
		return nil
	})
	return updated, err
}

// ListUnrefundedJobs возвращает задачи в статусах failed и canceled, по которым ещё нет возврата.
func (r *PostgresRepository) ListUnrefundedJobs(ctx context.Context, limit int) ([]model.VideoJob, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM video_jobs j
		 WHERE j.status IN ($1, $2)
		   AND NOT EXISTS (
			 SELECT 1 FROM credit_transactions rf
			 WHERE rf.user_id = j.user_id AND rf.idempotency_key = 'refund:' || j.id::text
		   )
		 ORDER BY j.updated_at
		 LIMIT $3`,
		string(model.JobStatusFailed), string(model.JobStatusCanceled), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select unrefunded jobs: %w", err)
	}
	return scanJobs(rows)
}

// TouchJob отмечает, что задача была проверена, и обновляет прогресс.
func (r *PostgresRepository) TouchJob(ctx context.Context, id uuid.UUID, progress int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE video_jobs SET progress = GREATEST(progress, $2), updated_at = now()
		 WHERE id = $1 AND status IN ($3, $4)`,
		id, progress, string(model.JobStatusPending), string(model.JobStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	return nil
}

func firstJob(rows pgx.Rows) (*model.VideoJob, error) {
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrJobNotFound
	}
	return &jobs[0], nil
}

func scanJobs(rows pgx.Rows) ([]model.VideoJob, error) {
	defer rows.Close()

	var res []model.VideoJob
	for rows.Next() {
		var (
			j      model.VideoJob
			status string
			params []byte
		)
		err := rows.Scan(&j.ID, &j.TaskID, &j.UserID, &status, &j.CostCredits, &j.Model, &j.Prompt, &params,
			&j.ResultURLs, &j.ErrorMessage, &j.Progress, &j.DebitTransactionID, &j.CreatedAt, &j.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Status = model.JobStatus(status)
		j.Params = params
		res = append(res, j)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
