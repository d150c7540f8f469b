// Package jobs управляет жизненным циклом задач генерации видео: списание при создании,
// обновления от провайдера, отмена и возврат кредитов.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditledger/internal/apperror"
	"github.com/mmeshcher/creditledger/internal/httpclient"
	"github.com/mmeshcher/creditledger/internal/ledger"
	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/repository"
	"github.com/mmeshcher/creditledger/internal/videoapi"
)

// Причины возврата, сохраняемые в metadata.
const (
	CauseSubmitFailed   = "submit_failed"
	CauseProviderFailed = "provider_failed"
	CauseUserCanceled   = "user_canceled"
	CauseOrphanDebit    = "orphan_debit"
)

const (
	defaultListLimit = 50
	maxPromptLength  = 4000
)

// Repository описывает хранилище задач.
type Repository interface {
	CreateJob(ctx context.Context, job model.VideoJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*model.VideoJob, error)
	ListJobsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]model.VideoJob, error)
	ListActiveJobs(ctx context.Context, staleAfter time.Duration, limit int) ([]model.VideoJob, error)
	ListUnrefundedJobs(ctx context.Context, limit int) ([]model.VideoJob, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, from []model.JobStatus, upd model.JobUpdate) (bool, error)
	TouchJob(ctx context.Context, id uuid.UUID, progress int) error
	FindOrphanDebits(ctx context.Context, olderThan time.Duration, limit int) ([]model.Transaction, error)
}

// Ledger — часть журнала кредитов, нужная координатору.
type Ledger interface {
	Debit(ctx context.Context, userID uuid.UUID, amount int64, reason model.Reason, meta model.Metadata) (ledger.Result, error)
	Credit(ctx context.Context, userID uuid.UUID, amount int64, reason model.Reason, meta model.Metadata) (ledger.Result, error)
}

// Provider — API генерации видео.
type Provider interface {
	Configured() bool
	Submit(ctx context.Context, req videoapi.SubmitRequest) (string, error)
	Poll(ctx context.Context, taskID string) (*videoapi.TaskInfo, error)
}

// CallbackSigner формирует подписанный адрес обратного вызова.
type CallbackSigner interface {
	CallbackURL(genID uuid.UUID) (string, error)
}

// Pricing задаёт стоимость генерации по моделям.
type Pricing struct {
	ModelCosts  map[string]int64
	DefaultCost int64
}

// Cost возвращает стоимость генерации моделью.
func (p Pricing) Cost(modelName string) int64 {
	if c, ok := p.ModelCosts[modelName]; ok && c > 0 {
		return c
	}
	return p.DefaultCost
}

// SubmitInput описывает запрос пользователя на генерацию.
type SubmitInput struct {
	Model  string          `json:"model"`
	Prompt string          `json:"prompt"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Coordinator связывает журнал кредитов, хранилище задач и провайдера генерации.
type Coordinator struct {
	repo     Repository
	ledger   Ledger
	provider Provider
	signer   CallbackSigner
	pricing  Pricing
	logger   *zap.Logger
}

// NewCoordinator создаёт координатор задач.
func NewCoordinator(repo Repository, l Ledger, provider Provider, signer CallbackSigner, pricing Pricing, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		repo:     repo,
		ledger:   l,
		provider: provider,
		signer:   signer,
		pricing:  pricing,
		logger:   logger,
	}
}

// Submit списывает стоимость, отправляет задачу провайдеру и сохраняет её в статусе pending.
// Если провайдер отклонил задачу или её не удалось сохранить, кредиты возвращаются до выхода из метода.
func (c *Coordinator) Submit(ctx context.Context, userID uuid.UUID, in SubmitInput) (*model.VideoJob, error) {
	in.Model = strings.TrimSpace(in.Model)
	in.Prompt = strings.TrimSpace(in.Prompt)
	if in.Model == "" {
		return nil, apperror.Validation("model is required")
	}
	if in.Prompt == "" {
		return nil, apperror.Validation("prompt is required")
	}
	if len(in.Prompt) > maxPromptLength {
		return nil, apperror.Validation("prompt is longer than %d characters", maxPromptLength)
	}
	if len(in.Params) > 0 && !isJSONObject(in.Params) {
		return nil, apperror.Validation("params must be a JSON object")
	}
	if c.provider == nil || !c.provider.Configured() {
		return nil, apperror.Configuration("video provider is not configured")
	}

	cost := c.pricing.Cost(in.Model)
	genID := uuid.New()

	debit, err := c.ledger.Debit(ctx, userID, cost, model.ReasonVideoGeneration,
		model.GenerationMeta{GenerationID: genID, Model: in.Model})
	if err != nil {
		return nil, err
	}

	callbackURL, err := c.signer.CallbackURL(genID)
	if err != nil {
		c.compensate(ctx, userID, genID, cost, debit.TransactionID)
		return nil, apperror.Configuration("callback url cannot be signed")
	}

	taskID, err := c.provider.Submit(ctx, videoapi.SubmitRequest{
		Model:       in.Model,
		Prompt:      in.Prompt,
		Params:      in.Params,
		CallbackURL: callbackURL,
	})
	if err != nil {
		c.logger.Error("video provider rejected task",
			zap.String("generation_id", genID.String()),
			zap.String("model", in.Model),
			zap.Error(err),
		)
		c.compensate(ctx, userID, genID, cost, debit.TransactionID)
		return nil, upstreamError(err)
	}

	job := model.VideoJob{
		ID:                 genID,
		TaskID:             taskID,
		UserID:             userID,
		Status:             model.JobStatusPending,
		CostCredits:        cost,
		Model:              in.Model,
		Prompt:             in.Prompt,
		Params:             in.Params,
		DebitTransactionID: &debit.TransactionID,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
	if err := c.repo.CreateJob(ctx, job); err != nil {
		c.logger.Error("save job failed",
			zap.String("generation_id", genID.String()),
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		c.compensate(ctx, userID, genID, cost, debit.TransactionID)
		return nil, apperror.Storage("save job", err)
	}

	c.logger.Info("video job submitted",
		zap.String("generation_id", genID.String()),
		zap.String("task_id", taskID),
		zap.String("user_id", userID.String()),
		zap.Int64("cost", cost),
	)
	return &job, nil
}

func (c *Coordinator) compensate(ctx context.Context, userID, genID uuid.UUID, cost int64, debitID uuid.UUID) {
	// Возврат не должен прерываться отменой запроса клиента.
	ctx = context.WithoutCancel(ctx)
	_, err := c.ledger.Credit(ctx, userID, cost, model.ReasonGenerationRefund, model.RefundMeta{
		RefundFor:             genID,
		OriginalTransactionID: &debitID,
		Cause:                 CauseSubmitFailed,
	})
	if err != nil {
		c.logger.Error("compensating refund failed",
			zap.String("generation_id", genID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}
}

// HandleCallback применяет обратный вызов провайдера к задаче genID. Подлинность genID
// проверяется вызывающим кодом по токену.
func (c *Coordinator) HandleCallback(ctx context.Context, genID uuid.UUID, payload []byte) (*model.VideoJob, error) {
	info, err := videoapi.ParseCallback(payload)
	if err != nil {
		return nil, apperror.Validation("malformed callback payload")
	}

	job, err := c.getJob(ctx, genID)
	if err != nil {
		return nil, err
	}
	if job.TaskID != info.TaskID {
		c.logger.Warn("callback task id mismatch",
			zap.String("generation_id", genID.String()),
			zap.String("task_id", info.TaskID),
		)
		return nil, apperror.Validation("task id does not match job")
	}

	return c.apply(ctx, job, info)
}

// Cancel отменяет незавершённую задачу владельца и возвращает кредиты.
func (c *Coordinator) Cancel(ctx context.Context, userID, genID uuid.UUID) (*model.VideoJob, error) {
	job, err := c.getJob(ctx, genID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, apperror.Forbidden("job belongs to another user")
	}
	if job.Status.IsTerminal() {
		return nil, apperror.InvalidState("job is already " + string(job.Status))
	}

	updated, err := c.repo.UpdateJobStatus(ctx, job.ID, model.ActiveJobStatuses,
		model.JobUpdate{Status: model.JobStatusCanceled})
	if err != nil {
		return nil, apperror.Storage("cancel job", err)
	}
	if !updated {
		current, err := c.getJob(ctx, genID)
		if err != nil {
			return nil, err
		}
		return nil, apperror.InvalidState("job is already " + string(current.Status))
	}

	if err := c.refund(ctx, job, model.ReasonJobCanceled, CauseUserCanceled); err != nil {
		return nil, err
	}

	c.logger.Info("video job canceled", zap.String("generation_id", genID.String()), zap.String("user_id", userID.String()))
	return c.getJob(ctx, genID)
}

// Get возвращает задачу владельца. При refresh незавершённая задача сначала сверяется с провайдером.
func (c *Coordinator) Get(ctx context.Context, userID, genID uuid.UUID, refresh bool) (*model.VideoJob, error) {
	job, err := c.getJob(ctx, genID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, apperror.Forbidden("job belongs to another user")
	}
	if refresh && !job.Status.IsTerminal() {
		return c.Refresh(ctx, job)
	}
	return job, nil
}

// List возвращает последние задачи пользователя.
func (c *Coordinator) List(ctx context.Context, userID uuid.UUID, limit int) ([]model.VideoJob, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultListLimit
	}
	jobs, err := c.repo.ListJobsByUser(ctx, userID, limit)
	if err != nil {
		return nil, apperror.Storage("list jobs", err)
	}
	return jobs, nil
}

// Refresh запрашивает состояние задачи у провайдера и применяет его.
func (c *Coordinator) Refresh(ctx context.Context, job *model.VideoJob) (*model.VideoJob, error) {
	if job.Status.IsTerminal() {
		return job, nil
	}
	info, err := c.provider.Poll(ctx, job.TaskID)
	if err != nil {
		return nil, upstreamError(err)
	}
	return c.apply(ctx, job, info)
}

// apply переводит задачу в статус, сообщённый провайдером. Переход выполняется условным
// обновлением, поэтому конкурирующие обновления и отмена не перезаписывают друг друга.
func (c *Coordinator) apply(ctx context.Context, job *model.VideoJob, info *videoapi.TaskInfo) (*model.VideoJob, error) {
	target := info.Status

	if !model.CanTransition(job.Status, target) {
		if job.Status == model.JobStatusFailed && target == model.JobStatusFailed {
			// Повторное сообщение об ошибке досылает возврат, если он не был записан.
			if err := c.refund(ctx, job, model.ReasonGenerationRefund, CauseProviderFailed); err != nil {
				return nil, err
			}
		}
		if !job.Status.IsTerminal() {
			if err := c.repo.TouchJob(ctx, job.ID, info.Progress); err != nil {
				return nil, apperror.Storage("touch job", err)
			}
			if info.Progress > job.Progress {
				job.Progress = info.Progress
			}
		}
		return job, nil
	}

	from := make([]model.JobStatus, 0, len(model.ActiveJobStatuses))
	for _, s := range model.ActiveJobStatuses {
		if model.CanTransition(s, target) {
			from = append(from, s)
		}
	}

	updated, err := c.repo.UpdateJobStatus(ctx, job.ID, from, model.JobUpdate{
		Status:       target,
		ResultURLs:   info.ResultURLs,
		ErrorMessage: info.FailMsg,
		Progress:     info.Progress,
	})
	if err != nil {
		return nil, apperror.Storage("update job", err)
	}

	current, err := c.getJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if !updated {
		c.logger.Debug("job changed concurrently",
			zap.String("generation_id", job.ID.String()),
			zap.String("status", string(current.Status)),
			zap.String("target", string(target)),
		)
		if current.Status != model.JobStatusFailed || target != model.JobStatusFailed {
			return current, nil
		}
	}

	if updated {
		c.logger.Info("video job updated",
			zap.String("generation_id", job.ID.String()),
			zap.String("from", string(job.Status)),
			zap.String("to", string(target)),
		)
	}

	if target == model.JobStatusFailed {
		if err := c.refund(ctx, current, model.ReasonGenerationRefund, CauseProviderFailed); err != nil {
			return nil, err
		}
	}
	return current, nil
}

func (c *Coordinator) refund(ctx context.Context, job *model.VideoJob, reason model.Reason, cause string) error {
	res, err := c.ledger.Credit(context.WithoutCancel(ctx), job.UserID, job.CostCredits, reason, model.RefundMeta{
		RefundFor:             job.ID,
		OriginalTransactionID: job.DebitTransactionID,
		Cause:                 cause,
	})
	if err != nil {
		c.logger.Error("refund failed",
			zap.String("generation_id", job.ID.String()),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
		return err
	}
	if !res.Duplicate {
		c.logger.Info("credits refunded",
			zap.String("generation_id", job.ID.String()),
			zap.String("user_id", job.UserID.String()),
			zap.String("cause", cause),
			zap.Int64("amount", job.CostCredits),
		)
	}
	return nil
}

// SyncActive опрашивает провайдера по незавершённым задачам, которые не обновлялись дольше staleAfter.
// Ошибки по отдельным задачам логируются и не прерывают обход.
func (c *Coordinator) SyncActive(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	jobs, err := c.repo.ListActiveJobs(ctx, staleAfter, limit)
	if err != nil {
		return 0, apperror.Storage("list active jobs", err)
	}

	synced := 0
	for i := range jobs {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		if _, err := c.Refresh(ctx, &jobs[i]); err != nil {
			c.logger.Warn("job sync failed", zap.String("generation_id", jobs[i].ID.String()), zap.Error(err))
			continue
		}
		synced++
	}
	return synced, nil
}

// RefundOrphanDebits возвращает кредиты за списания старше olderThan, после которых задача так и не
// была создана, а также досылает возвраты по завершившимся ошибкой или отменённым задачам.
func (c *Coordinator) RefundOrphanDebits(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	debits, err := c.repo.FindOrphanDebits(ctx, olderThan, limit)
	if err != nil {
		return 0, apperror.Storage("find orphan debits", err)
	}

	refunded := 0
	for _, t := range debits {
		meta, ok := t.Metadata.(model.GenerationMeta)
		if !ok {
			c.logger.Error("orphan debit without generation metadata", zap.String("transaction_id", t.ID.String()))
			continue
		}
		debitID := t.ID
		res, err := c.ledger.Credit(ctx, t.UserID, -t.Amount, model.ReasonGenerationRefund, model.RefundMeta{
			RefundFor:             meta.GenerationID,
			OriginalTransactionID: &debitID,
			Cause:                 CauseOrphanDebit,
		})
		if err != nil {
			c.logger.Error("orphan refund failed", zap.String("transaction_id", t.ID.String()), zap.Error(err))
			continue
		}
		if !res.Duplicate {
			refunded++
			c.logger.Warn("orphan debit refunded",
				zap.String("generation_id", meta.GenerationID.String()),
				zap.String("user_id", t.UserID.String()),
				zap.Int64("amount", -t.Amount),
			)
		}
	}

	jobs, err := c.repo.ListUnrefundedJobs(ctx, limit)
	if err != nil {
		return refunded, apperror.Storage("list unrefunded jobs", err)
	}
	for i := range jobs {
		job := &jobs[i]
		reason, cause := model.ReasonGenerationRefund, CauseProviderFailed
		if job.Status == model.JobStatusCanceled {
			reason, cause = model.ReasonJobCanceled, CauseUserCanceled
		}
		if err := c.refund(ctx, job, reason, cause); err != nil {
			continue
		}
		refunded++
	}

	return refunded, nil
}

func (c *Coordinator) getJob(ctx context.Context, id uuid.UUID) (*model.VideoJob, error) {
	job, err := c.repo.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return nil, apperror.NotFound("job", id.String())
		}
		return nil, apperror.Storage("get job", err)
	}
	return job, nil
}

func upstreamError(err error) error {
	if errors.Is(err, videoapi.ErrNotConfigured) {
		return apperror.Configuration("video provider is not configured")
	}
	retryable := true
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		retryable = statusErr.Retryable()
	}
	return apperror.Upstream("video provider", retryable, err)
}

func isJSONObject(raw json.RawMessage) bool {
	var obj map[string]any
	return json.Unmarshal(raw, &obj) == nil && obj != nil
}
