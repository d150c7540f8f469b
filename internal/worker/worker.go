// Package worker запускает фоновые задачи сервиса в очереди River поверх PostgreSQL.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditledger/internal/model"
)

// PollJobsArgs — периодический опрос провайдера по незавершённым задачам генерации.
type PollJobsArgs struct{}

// Kind возвращает тип задачи River.
func (PollJobsArgs) Kind() string { return "poll_video_jobs" }

// ReconcileArgs — периодическая сверка журнала: возврат осиротевших списаний и поиск расхождений.
type ReconcileArgs struct{}

// Kind возвращает тип задачи River.
func (ReconcileArgs) Kind() string { return "reconcile_credits" }

// JobSyncer — операции координатора задач, выполняемые в фоне.
type JobSyncer interface {
	SyncActive(ctx context.Context, staleAfter time.Duration, limit int) (int, error)
	RefundOrphanDebits(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// InconsistencyFinder ищет пользователей, у которых баланс расходится с журналом.
type InconsistencyFinder interface {
	Inconsistencies(ctx context.Context) ([]model.CreditInconsistency, error)
}

// Config задаёт расписание и размер пачек.
type Config struct {
	PollInterval      time.Duration
	ReconcileInterval time.Duration
	OrphanDebitAge    time.Duration
	BatchSize         int
}

func (c Config) batch() int {
	if c.BatchSize <= 0 {
		return 100
	}
	return c.BatchSize
}

// PollWorker опрашивает провайдера по задачам, не получавшим обновлений дольше интервала опроса.
type PollWorker struct {
	river.WorkerDefaults[PollJobsArgs]
	jobs   JobSyncer
	cfg    Config
	logger *zap.Logger
}

// NewPollWorker создаёт обработчик опроса.
func NewPollWorker(jobs JobSyncer, cfg Config, logger *zap.Logger) *PollWorker {
	return &PollWorker{jobs: jobs, cfg: cfg, logger: logger}
}

// Work выполняет один проход опроса.
func (w *PollWorker) Work(ctx context.Context, _ *river.Job[PollJobsArgs]) error {
	synced, err := w.jobs.SyncActive(ctx, w.cfg.PollInterval, w.cfg.batch())
	if err != nil {
		return fmt.Errorf("sync active jobs: %w", err)
	}
	if synced > 0 {
		w.logger.Info("active jobs synced", zap.Int("count", synced))
	}
	return nil
}

// ReconcileWorker возвращает кредиты за осиротевшие списания и сообщает о расхождениях баланса.
type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	jobs   JobSyncer
	finder InconsistencyFinder
	cfg    Config
	logger *zap.Logger
}

// NewReconcileWorker создаёт обработчик сверки.
func NewReconcileWorker(jobs JobSyncer, finder InconsistencyFinder, cfg Config, logger *zap.Logger) *ReconcileWorker {
	return &ReconcileWorker{jobs: jobs, finder: finder, cfg: cfg, logger: logger}
}

// Work выполняет один проход сверки.
func (w *ReconcileWorker) Work(ctx context.Context, _ *river.Job[ReconcileArgs]) error {
	refunded, err := w.jobs.RefundOrphanDebits(ctx, w.cfg.OrphanDebitAge, w.cfg.batch())
	if err != nil {
		return fmt.Errorf("refund orphan debits: %w", err)
	}
	if refunded > 0 {
		w.logger.Warn("missing refunds issued", zap.Int("count", refunded))
	}

	rows, err := w.finder.Inconsistencies(ctx)
	if err != nil {
		return fmt.Errorf("find inconsistencies: %w", err)
	}
	for _, r := range rows {
		w.logger.Error("credit balance inconsistency",
			zap.String("user_id", r.UserID.String()),
			zap.Int64("balance", r.Balance),
			zap.Int64("ledger_sum", r.LedgerSum),
			zap.Int64("difference", r.Difference),
		)
	}
	return nil
}

// Migrate применяет схему River.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	return nil
}

// PeriodicJobs возвращает расписание фоновых задач.
func PeriodicJobs(cfg Config) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(cfg.PollInterval),
			func() (river.JobArgs, *river.InsertOpts) { return PollJobsArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(cfg.ReconcileInterval),
			func() (river.JobArgs, *river.InsertOpts) { return ReconcileArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}

// NewClient создаёт клиент River с зарегистрированными обработчиками и расписанием.
func NewClient(pool *pgxpool.Pool, jobs JobSyncer, finder InconsistencyFinder, cfg Config, logger *zap.Logger) (*river.Client[pgx.Tx], error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, NewPollWorker(jobs, cfg, logger))
	river.AddWorker(workers, NewReconcileWorker(jobs, finder, cfg, logger))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 4},
		},
		Workers:      workers,
		PeriodicJobs: PeriodicJobs(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return client, nil
}
