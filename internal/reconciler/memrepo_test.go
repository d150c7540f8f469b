package reconciler

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/repository"
	"github.com/mmeshcher/creditledger/internal/validation"
)

// memRepo хранит состояние сверки в памяти и повторяет условные переходы PostgresRepository.
type memRepo struct {
	mu            sync.Mutex
	users         map[uuid.UUID]string
	customers     map[string]uuid.UUID
	aliases       map[string]uuid.UUID
	payments      map[string]model.Payment
	subscriptions map[string]model.Subscription
	unmatched     []model.UnmatchedPayment
	matchLogs     []model.EmailMatchLog
	webhookLogs   []model.WebhookLog

	lookupErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:         make(map[uuid.UUID]string),
		customers:     make(map[string]uuid.UUID),
		aliases:       make(map[string]uuid.UUID),
		payments:      make(map[string]model.Payment),
		subscriptions: make(map[string]model.Subscription),
	}
}

func (r *memRepo) addUser(id uuid.UUID, email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[id] = validation.NormalizeEmail(email)
}

func (r *memRepo) UserExists(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[id]
	return ok, nil
}

func (r *memRepo) FindUserByCustomerID(_ context.Context, customerID string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.customers[customerID]; ok {
		return id, nil
	}
	return uuid.Nil, repository.ErrUserNotFound
}

func (r *memRepo) FindUserByEmail(_ context.Context, email string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookupErr != nil {
		return uuid.Nil, r.lookupErr
	}
	email = validation.NormalizeEmail(email)
	for id, e := range r.users {
		if e == email {
			return id, nil
		}
	}
	return uuid.Nil, repository.ErrUserNotFound
}

func (r *memRepo) FindUserByAlias(_ context.Context, email string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.aliases[validation.NormalizeEmail(email)]; ok {
		return id, nil
	}
	return uuid.Nil, repository.ErrUserNotFound
}

func (r *memRepo) FindUserFuzzy(_ context.Context, email string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	variants := validation.FuzzyVariants(email)
	for id, e := range r.users {
		if slices.Contains(variants, e) {
			return id, nil
		}
	}
	for _, v := range variants {
		if id, ok := r.aliases[v]; ok {
			return id, nil
		}
	}
	canonical := validation.CanonicalEmail(email)
	for id, e := range r.users {
		if validation.CanonicalEmail(e) == canonical {
			return id, nil
		}
	}
	return uuid.Nil, repository.ErrUserNotFound
}

func (r *memRepo) SetCustomerID(_ context.Context, userID uuid.UUID, customerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.customers[customerID]; !ok {
		r.customers[customerID] = userID
	}
	return nil
}

func (r *memRepo) AddAlias(_ context.Context, userID uuid.UUID, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	email = validation.NormalizeEmail(email)
	if owner, ok := r.aliases[email]; ok && owner != userID {
		return repository.ErrAliasTaken
	}
	r.aliases[email] = userID
	return nil
}

func (r *memRepo) RecordPayment(_ context.Context, p model.Payment) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payments[p.PaymentID]; ok {
		return false, nil
	}
	p.CreatedAt = time.Now()
	r.payments[p.PaymentID] = p
	return true, nil
}

func (r *memRepo) GetPayment(_ context.Context, paymentID string) (*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[paymentID]
	if !ok {
		return nil, repository.ErrPaymentNotFound
	}
	return &p, nil
}

func (r *memRepo) ListPaymentsByUser(_ context.Context, userID uuid.UUID, limit int) ([]model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []model.Payment
	for _, p := range r.payments {
		if p.UserID == userID && len(res) < limit {
			res = append(res, p)
		}
	}
	return res, nil
}

func (r *memRepo) UpsertSubscription(_ context.Context, s model.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptions[s.ID] = s
	return nil
}

func (r *memRepo) CreateUnmatched(_ context.Context, u model.UnmatchedPayment) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.unmatched {
		if existing.PaymentID == u.PaymentID {
			return existing.ID, false, nil
		}
	}
	u.ID = int64(len(r.unmatched) + 1)
	u.Email = validation.NormalizeEmail(u.Email)
	u.Status = model.UnmatchedPending
	u.CreatedAt = time.Now()
	r.unmatched = append(r.unmatched, u)
	return u.ID, true, nil
}

func (r *memRepo) GetUnmatched(_ context.Context, id int64) (*model.UnmatchedPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := r.findUnmatched(id)
	if err != nil {
		return nil, err
	}
	res := *u
	return &res, nil
}

func (r *memRepo) findUnmatched(id int64) (*model.UnmatchedPayment, error) {
	for i := range r.unmatched {
		if r.unmatched[i].ID == id {
			return &r.unmatched[i], nil
		}
	}
	return nil, repository.ErrUnmatchedNotFound
}

func (r *memRepo) ListUnmatched(_ context.Context, status model.UnmatchedStatus, limit int) ([]model.UnmatchedPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []model.UnmatchedPayment
	for _, u := range r.unmatched {
		if u.Status == status && len(res) < limit {
			res = append(res, u)
		}
	}
	return res, nil
}

func (r *memRepo) transition(id int64, from, to model.UnmatchedStatus, userID *uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := r.findUnmatched(id)
	if err != nil {
		return err
	}
	if u.Status != from {
		return repository.ErrUnmatchedNotPending
	}
	u.Status = to
	u.ResolvedUserID = userID
	return nil
}

func (r *memRepo) ClaimUnmatched(_ context.Context, id int64, userID uuid.UUID) error {
	return r.transition(id, model.UnmatchedPending, model.UnmatchedResolved, &userID)
}

func (r *memRepo) ReopenUnmatched(_ context.Context, id int64) error {
	return r.transition(id, model.UnmatchedResolved, model.UnmatchedPending, nil)
}

func (r *memRepo) SetUnmatchedOwner(_ context.Context, id int64, owner *uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := r.findUnmatched(id)
	if err != nil {
		return err
	}
	if u.Status != model.UnmatchedResolved {
		return repository.ErrUnmatchedNotPending
	}
	u.ResolvedUserID = owner
	return nil
}

func (r *memRepo) IgnoreUnmatched(_ context.Context, id int64) error {
	return r.transition(id, model.UnmatchedPending, model.UnmatchedIgnored, nil)
}

func (r *memRepo) ResolveUnmatchedByPayment(_ context.Context, paymentID string, userID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.unmatched {
		u := &r.unmatched[i]
		if u.PaymentID == paymentID && u.Status == model.UnmatchedPending {
			u.Status = model.UnmatchedResolved
			u.ResolvedUserID = &userID
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) LogEmailMatch(_ context.Context, l model.EmailMatchLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matchLogs = append(r.matchLogs, l)
	return nil
}

func (r *memRepo) SaveWebhookLog(_ context.Context, l model.WebhookLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.webhookLogs = append(r.webhookLogs, l)
	return nil
}

func (r *memRepo) HealthSummary(_ context.Context) (model.HealthSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending int64
	for _, u := range r.unmatched {
		if u.Status == model.UnmatchedPending {
			pending++
		}
	}
	return model.HealthSummary{Users: int64(len(r.users)), PendingUnmatched: pending}, nil
}

func (r *memRepo) FindCreditInconsistencies(_ context.Context) ([]model.CreditInconsistency, error) {
	return nil, errors.New("not supported")
}

func (r *memRepo) unmatchedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unmatched)
}

func (r *memRepo) lastWebhookLog() model.WebhookLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.webhookLogs[len(r.webhookLogs)-1]
}
