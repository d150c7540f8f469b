package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/creditledger/internal/ledger/ledgertest"
	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/repository"
	"github.com/mmeshcher/creditledger/internal/videoapi"
)

// memJobs хранит задачи в памяти; поиск осиротевших списаний идёт по журналу ledgertest.Store.
type memJobs struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]model.VideoJob
	store     *ledgertest.Store
	createErr error
}

func newMemJobs(store *ledgertest.Store) *memJobs {
	return &memJobs{jobs: make(map[uuid.UUID]model.VideoJob), store: store}
}

func (r *memJobs) CreateJob(_ context.Context, job model.VideoJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	r.jobs[job.ID] = job
	return nil
}

func (r *memJobs) GetJob(_ context.Context, id uuid.UUID) (*model.VideoJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	return &job, nil
}

func (r *memJobs) ListJobsByUser(_ context.Context, userID uuid.UUID, limit int) ([]model.VideoJob, error) {
	return r.filter(limit, func(j model.VideoJob) bool { return j.UserID == userID }), nil
}

func (r *memJobs) ListActiveJobs(_ context.Context, staleAfter time.Duration, limit int) ([]model.VideoJob, error) {
	cutoff := time.Now().Add(-staleAfter)
	return r.filter(limit, func(j model.VideoJob) bool {
		return !j.Status.IsTerminal() && !j.UpdatedAt.After(cutoff)
	}), nil
}

func (r *memJobs) ListUnrefundedJobs(_ context.Context, limit int) ([]model.VideoJob, error) {
	refunded := r.refundKeys()
	return r.filter(limit, func(j model.VideoJob) bool {
		return (j.Status == model.JobStatusFailed || j.Status == model.JobStatusCanceled) &&
			!refunded["refund:"+j.ID.String()]
	}), nil
}

func (r *memJobs) filter(limit int, keep func(model.VideoJob) bool) []model.VideoJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.VideoJob
	for _, j := range r.jobs {
		if keep(j) {
			res = append(res, j)
		}
	}
	sort.Slice(res, func(i, k int) bool { return res[i].CreatedAt.Before(res[k].CreatedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res
}

func (r *memJobs) UpdateJobStatus(_ context.Context, id uuid.UUID, from []model.JobStatus, upd model.JobUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, s := range from {
		if job.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return false, nil
	}

	job.Status = upd.Status
	if len(upd.ResultURLs) > 0 {
		job.ResultURLs = upd.ResultURLs
	}
	if upd.ErrorMessage != "" {
		job.ErrorMessage = upd.ErrorMessage
	}
	job.Progress = max(job.Progress, upd.Progress)
	job.UpdatedAt = time.Now()
	r.jobs[id] = job
	return true, nil
}

func (r *memJobs) TouchJob(_ context.Context, id uuid.UUID, progress int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok && !job.Status.IsTerminal() {
		job.Progress = max(job.Progress, progress)
		job.UpdatedAt = time.Now()
		r.jobs[id] = job
	}
	return nil
}

func (r *memJobs) FindOrphanDebits(_ context.Context, olderThan time.Duration, limit int) ([]model.Transaction, error) {
	refunded := r.refundKeys()
	cutoff := time.Now().Add(-olderThan)

	r.mu.Lock()
	defer r.mu.Unlock()

	withJob := make(map[uuid.UUID]bool)
	for _, j := range r.jobs {
		if j.DebitTransactionID != nil {
			withJob[*j.DebitTransactionID] = true
		}
	}

	var res []model.Transaction
	for _, t := range r.store.All() {
		if t.Reason != model.ReasonVideoGeneration || !t.CreatedAt.Before(cutoff) || withJob[t.ID] {
			continue
		}
		meta, ok := t.Metadata.(model.GenerationMeta)
		if !ok || refunded["refund:"+meta.GenerationID.String()] {
			continue
		}
		res = append(res, t)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (r *memJobs) refundKeys() map[string]bool {
	keys := make(map[string]bool)
	for _, t := range r.store.All() {
		if t.Reason.IsRefund() {
			keys[t.IdempotencyKey] = true
		}
	}
	return keys
}

func (r *memJobs) age(id uuid.UUID, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job := r.jobs[id]
	job.UpdatedAt = job.UpdatedAt.Add(-d)
	r.jobs[id] = job
}

type stubProvider struct {
	mu        sync.Mutex
	submitErr error
	pollErr   error
	submitted []videoapi.SubmitRequest
	states    map[string]*videoapi.TaskInfo
	polls     int
}

func newStubProvider() *stubProvider {
	return &stubProvider{states: make(map[string]*videoapi.TaskInfo)}
}

func (p *stubProvider) Configured() bool { return true }

func (p *stubProvider) Submit(_ context.Context, req videoapi.SubmitRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitErr != nil {
		return "", p.submitErr
	}
	p.submitted = append(p.submitted, req)
	return fmt.Sprintf("task_%d", len(p.submitted)), nil
}

func (p *stubProvider) Poll(_ context.Context, taskID string) (*videoapi.TaskInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if p.pollErr != nil {
		return nil, p.pollErr
	}
	info, ok := p.states[taskID]
	if !ok {
		return &videoapi.TaskInfo{TaskID: taskID, State: "waiting", Status: model.JobStatusPending}, nil
	}
	return info, nil
}

func (p *stubProvider) setState(taskID, state string, urls ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[taskID] = &videoapi.TaskInfo{
		TaskID:     taskID,
		State:      state,
		Status:     videoapi.MapState(state),
		ResultURLs: urls,
	}
}

func callbackPayload(taskID, state string, urls ...string) []byte {
	data := map[string]any{"taskId": taskID, "state": state}
	if state == "fail" {
		data["failMsg"] = "generation failed"
	}
	if len(urls) > 0 {
		result, _ := json.Marshal(map[string]any{"resultUrls": urls})
		data["resultJson"] = string(result)
	}
	b, _ := json.Marshal(map[string]any{"code": 200, "msg": "success", "data": data})
	return b
}
