package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/creditledger/internal/apperror"
	"github.com/mmeshcher/creditledger/internal/callback"
	"github.com/mmeshcher/creditledger/internal/httpclient"
	"github.com/mmeshcher/creditledger/internal/ledger"
	"github.com/mmeshcher/creditledger/internal/ledger/ledgertest"
	"github.com/mmeshcher/creditledger/internal/model"
)

type fixture struct {
	coord    *Coordinator
	ledger   *ledger.Service
	store    *ledgertest.Store
	repo     *memJobs
	provider *stubProvider
	signer   *callback.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := ledgertest.NewStore()
	l := ledger.NewService(store, nil)
	repo := newMemJobs(store)
	provider := newStubProvider()
	signer := callback.NewSigner("callback-secret", "https://app.example.com")
	coord := NewCoordinator(repo, l, provider, signer, Pricing{
		ModelCosts:  map[string]int64{"veo3": 10, "veo3_fast": 4},
		DefaultCost: 6,
	}, nil)

	return &fixture{coord: coord, ledger: l, store: store, repo: repo, provider: provider, signer: signer}
}

func (f *fixture) addUser(t *testing.T, credits int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, f.ledger.EnsureAccount(ctx, id, id.String()+"@example.com"))
	if credits > 0 {
		_, err := f.ledger.Credit(ctx, id, credits, model.ReasonManualGrant, model.AdjustmentMeta{Reference: "seed-" + id.String()})
		require.NoError(t, err)
	}
	return id
}

func (f *fixture) balance(t *testing.T, userID uuid.UUID) model.Balance {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (f *fixture) refunds(userID uuid.UUID) int {
	return f.store.CountByReason(userID, model.ReasonGenerationRefund) + f.store.CountByReason(userID, model.ReasonJobCanceled)
}

func TestSubmitDebitsAndCreatesPendingJob(t *testing.T) {
	f := newFixture(t)
	userID := f.addUser(t, 10)

	job, err := f.coord.Submit(context.Background(), userID, SubmitInput{Model: "veo3", Prompt: "a cat surfing"})
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, "task_1", job.TaskID)
	assert.Equal(t, int64(10), job.CostCredits)
	require.NotNil(t, job.DebitTransactionID)
	assert.Equal(t, model.Balance{Balance: 0, Spent: 10, Total: 10}, f.balance(t, userID))

	require.Len(t, f.provider.submitted, 1)
	assert.Contains(t, f.provider.submitted[0].CallbackURL, "/api/jobs/"+job.ID.String()+"/callback?token=")
}

func TestFailedCallbackRefundsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.addUser(t, 10)

	job, err := f.coord.Submit(ctx, userID, SubmitInput{Model: "veo3", Prompt: "x"})
	require.NoError(t, err)

	updated, err := f.coord.HandleCallback(ctx, job.ID, callbackPayload(job.TaskID, "fail"))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, updated.Status)
	assert.Equal(t, "generation failed", updated.ErrorMessage)
	assert.Equal(t, model.Balance{Balance: 10, Spent: 0, Total: 10}, f.balance(t, userID))

	again, err := f.coord.HandleCallback(ctx, job.ID, callbackPayload(job.TaskID, "FAILED"))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, again.Status)
	assert.Equal(t, int64(10), f.balance(t, userID).Balance)
	assert.Equal(t, 1, f.refunds(userID))
}

func TestCallbackLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.addUser(t, 20)

	job, err := f.coord.Submit(ctx, userID, SubmitInput{Model: "veo3_fast", Prompt: "sunset"})
	require.NoError(t, err)

	got, err := f.coord.HandleCallback(ctx, job.ID, callbackPayload(job.TaskID, "generating"))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, got.Status)

	got, err = f.coord.HandleCallback(ctx, job.ID, callbackPayload(job.TaskID, "queuing"))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, got.Status, "processing never regresses to pending")

	got, err = f.coord.HandleCallback(ctx, job.ID, callbackPayload(job.TaskID, "success", "https://cdn.example.com/v.mp4"))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, []string{"https://cdn.example.com/v.mp4"}, got.ResultURLs)
	assert.Equal(t, 100, got.Progress)

	got, err = f.coord.HandleCallback(ctx, job.ID, callbackPayload(job.TaskID, "fail"))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status, "terminal states are absorbing")
	assert.Zero(t, f.refunds(userID))
	assert.Equal(t, int64(16), f.balance(t, userID).Balance)
}

func TestCallbackRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.addUser(t, 10)

	job, err := f.coord.Submit(ctx, userID, SubmitInput{Model: "veo3", Prompt: "x"})
	require.NoError(t, err)

	_, err = f.coord.HandleCallback(ctx, job.ID, callbackPayload("task_other", "fail"))
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = f.coord.HandleCallback(ctx, job.ID, []byte(`{"code":200`))
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = f.coord.HandleCallback(ctx, uuid.New(), callbackPayload(job.TaskID, "fail"))
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	stored, err := f.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, stored.Status)
	assert.Zero(t, f.refunds(userID))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.addUser(t, 10)
	stranger := f.addUser(t, 0)

	job, err := f.coord.Submit(ctx, owner, SubmitInput{Model: "veo3", Prompt: "x"})
	require.NoError(t, err)

	t.Run("another user is denied", func(t *testing.T) {
		_, err := f.coord.Cancel(ctx, stranger, job.ID)
		assert.ErrorIs(t, err, apperror.ErrForbidden)
		assert.Equal(t, 403, apperror.HTTPStatus(err))

		stored, err := f.repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, stored.Status)
		assert.Zero(t, f.refunds(owner))
	})

	t.Run("owner cancels and is refunded", func(t *testing.T) {
		canceled, err := f.coord.Cancel(ctx, owner, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCanceled, canceled.Status)
		assert.Equal(t, int64(10), f.balance(t, owner).Balance)
		assert.Equal(t, 1, f.store.CountByReason(owner, model.ReasonJobCanceled))
	})

	t.Run("second cancel is an invalid state", func(t *testing.T) {
		_, err := f.coord.Cancel(ctx, owner, job.ID)
		assert.ErrorIs(t, err, apperror.ErrInvalidState)
	})

	t.Run("late failure does not refund again", func(t *testing.T) {
		got, err := f.coord.HandleCallback(ctx, job.ID, callbackPayload(job.TaskID, "fail"))
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCanceled, got.Status)
		assert.Equal(t, 1, f.refunds(owner))
		assert.Equal(t, int64(10), f.balance(t, owner).Balance)
	})
}

func TestConcurrentCancelAndFailureRefundOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.addUser(t, 100)

	for range 10 {
		job, err := f.coord.Submit(ctx, userID, SubmitInput{Model: "veo3", Prompt: "race"})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.coord.Cancel(ctx, userID, job.ID)
		}()
		go func() {
			defer wg.Done()
			_, _ = f.coord.HandleCallback(ctx, job.ID, callbackPayload(job.TaskID, "fail"))
		}()
		wg.Wait()

		stored, err := f.repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, stored.Status == model.JobStatusCanceled || stored.Status == model.JobStatusFailed)
	}

	b := f.balance(t, userID)
	assert.Equal(t, model.Balance{Balance: 100, Spent: 0, Total: 100}, b)
	assert.Equal(t, 10, f.refunds(userID))
	assert.Equal(t, b.Balance, f.store.LedgerSum(userID))
}

func TestSubmitCompensation(t *testing.T) {
	t.Run("provider rejects", func(t *testing.T) {
		f := newFixture(t)
		userID := f.addUser(t, 10)
		f.provider.submitErr = &httpclient.StatusError{StatusCode: 422, Body: "bad prompt"}

		_, err := f.coord.Submit(context.Background(), userID, SubmitInput{Model: "veo3", Prompt: "x"})
		assert.ErrorIs(t, err, apperror.ErrUpstream)
		assert.False(t, apperror.IsRetryable(err))

		assert.Equal(t, model.Balance{Balance: 10, Spent: 0, Total: 10}, f.balance(t, userID))
		txs := f.store.Transactions(userID)
		require.Len(t, txs, 3)
		refund, ok := txs[2].Metadata.(model.RefundMeta)
		require.True(t, ok)
		assert.Equal(t, CauseSubmitFailed, refund.Cause)
		assert.Empty(t, f.repo.jobs)
	})

	t.Run("provider unavailable is retryable", func(t *testing.T) {
		f := newFixture(t)
		userID := f.addUser(t, 10)
		f.provider.submitErr = errors.New("dial tcp: connection refused")

		_, err := f.coord.Submit(context.Background(), userID, SubmitInput{Model: "veo3", Prompt: "x"})
		assert.ErrorIs(t, err, apperror.ErrUpstream)
		assert.True(t, apperror.IsRetryable(err))
		assert.Equal(t, int64(10), f.balance(t, userID).Balance)
	})

	t.Run("job cannot be saved", func(t *testing.T) {
		f := newFixture(t)
		userID := f.addUser(t, 10)
		f.repo.createErr = errors.New("connection reset by peer")

		_, err := f.coord.Submit(context.Background(), userID, SubmitInput{Model: "veo3", Prompt: "x"})
		assert.ErrorIs(t, err, apperror.ErrStorage)
		assert.Equal(t, int64(10), f.balance(t, userID).Balance)
		assert.Equal(t, 1, f.refunds(userID))
	})
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.addUser(t, 5)

	_, err := f.coord.Submit(ctx, userID, SubmitInput{Model: "veo3", Prompt: "x"})
	assert.ErrorIs(t, err, apperror.ErrInsufficientBalance)
	assert.Equal(t, 402, apperror.HTTPStatus(err))

	tests := []struct {
		name string
		in   SubmitInput
	}{
		{name: "empty prompt", in: SubmitInput{Model: "veo3", Prompt: "  "}},
		{name: "empty model", in: SubmitInput{Prompt: "x"}},
		{name: "params not an object", in: SubmitInput{Model: "veo3", Prompt: "x", Params: []byte(`[1,2]`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coord.Submit(ctx, userID, tt.in)
			assert.ErrorIs(t, err, apperror.ErrValidation)
		})
	}

	assert.Empty(t, f.provider.submitted)
	assert.Equal(t, int64(5), f.balance(t, userID).Balance)

	job, err := f.coord.Submit(ctx, userID, SubmitInput{Model: "unknown-model", Prompt: "x"})
	require.Error(t, err)
	assert.Nil(t, job)

	job, err = f.coord.Submit(ctx, userID, SubmitInput{Model: "veo3_fast", Prompt: "x", Params: []byte(`{"aspect_ratio":"9:16"}`)})
	require.NoError(t, err)
	assert.Equal(t, int64(4), job.CostCredits)
}

func TestGetRefreshAndSyncActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.addUser(t, 30)

	first, err := f.coord.Submit(ctx, userID, SubmitInput{Model: "veo3", Prompt: "one"})
	require.NoError(t, err)
	second, err := f.coord.Submit(ctx, userID, SubmitInput{Model: "veo3", Prompt: "two"})
	require.NoError(t, err)

	_, err = f.coord.Get(ctx, uuid.New(), first.ID, false)
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	f.provider.setState(first.TaskID, "success", "https://cdn.example.com/1.mp4")
	got, err := f.coord.Get(ctx, userID, first.ID, true)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)

	f.provider.setState(second.TaskID, "error")
	f.repo.age(second.ID, time.Hour)

	synced, err := f.coord.SyncActive(ctx, 30*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, synced)

	stored, err := f.repo.GetJob(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, stored.Status)
	assert.Equal(t, int64(20), f.balance(t, userID).Balance)

	jobs, err := f.coord.List(ctx, userID, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestSyncActiveSkipsProviderErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.addUser(t, 10)

	job, err := f.coord.Submit(ctx, userID, SubmitInput{Model: "veo3", Prompt: "x"})
	require.NoError(t, err)
	f.repo.age(job.ID, time.Hour)
	f.provider.pollErr = &httpclient.StatusError{StatusCode: 503}

	synced, err := f.coord.SyncActive(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, synced)
	assert.Equal(t, 1, f.provider.polls)
}

func TestRefundOrphanDebits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.addUser(t, 20)

	// Списание без задачи: процесс упал между списанием и сохранением задачи.
	genID := uuid.New()
	_, err := f.ledger.Debit(ctx, userID, 10, model.ReasonVideoGeneration, model.GenerationMeta{GenerationID: genID})
	require.NoError(t, err)

	job, err := f.coord.Submit(ctx, userID, SubmitInput{Model: "veo3", Prompt: "kept"})
	require.NoError(t, err)
	assert.Zero(t, f.balance(t, userID).Balance)

	n, err := f.coord.RefundOrphanDebits(ctx, 15*time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh debits are not touched")

	f.store.Age(time.Hour)
	n, err = f.coord.RefundOrphanDebits(ctx, 15*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(10), f.balance(t, userID).Balance)

	n, err = f.coord.RefundOrphanDebits(ctx, 15*time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Задача завершилась ошибкой, но возврат не был записан.
	f.repo.mu.Lock()
	stored := f.repo.jobs[job.ID]
	stored.Status = model.JobStatusFailed
	f.repo.jobs[job.ID] = stored
	f.repo.mu.Unlock()

	n, err = f.coord.RefundOrphanDebits(ctx, 15*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.Balance{Balance: 20, Spent: 0, Total: 20}, f.balance(t, userID))
	assert.Equal(t, f.balance(t, userID).Balance, f.store.LedgerSum(userID))
}
