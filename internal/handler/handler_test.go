package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditledger/internal/apperror"
	"github.com/mmeshcher/creditledger/internal/callback"
	"github.com/mmeshcher/creditledger/internal/creem"
	"github.com/mmeshcher/creditledger/internal/jobs"
	"github.com/mmeshcher/creditledger/internal/ledger"
	"github.com/mmeshcher/creditledger/internal/middleware"
	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/reconciler"
)

const (
	testAuthSecret = "test-secret"
	testAdminKey   = "admin-key"
)

type stubLedger struct {
	ensured     map[uuid.UUID]string
	ensureErr   error
	balance     model.Balance
	balanceErr  error
	history     []model.Transaction
	adjustRes   ledger.Result
	adjustErr   error
	adjustDelta int64
}

func (s *stubLedger) EnsureAccount(_ context.Context, userID uuid.UUID, email string) error {
	if s.ensured == nil {
		s.ensured = make(map[uuid.UUID]string)
	}
	s.ensured[userID] = email
	return s.ensureErr
}

func (s *stubLedger) Balance(context.Context, uuid.UUID) (model.Balance, error) {
	return s.balance, s.balanceErr
}

func (s *stubLedger) History(context.Context, uuid.UUID, int) ([]model.Transaction, error) {
	return s.history, nil
}

func (s *stubLedger) Adjust(_ context.Context, _ uuid.UUID, delta int64, _, _, _ string) (ledger.Result, error) {
	s.adjustDelta = delta
	return s.adjustRes, s.adjustErr
}

type stubPayments struct {
	outcome       reconciler.Outcome
	eventErr      error
	gotPayload    []byte
	gotSignature  string
	checkout      *creem.Checkout
	checkoutErr   error
	resolveRes    ledger.Result
	resolveErr    error
	resolvedID    int64
	resolvedUser  uuid.UUID
	unmatched     []model.UnmatchedPayment
	listedStatus  model.UnmatchedStatus
	health        model.HealthSummary
	healthErr     error
	aliasErr      error
	ignoreErr     error
	inconsistency []model.CreditInconsistency
}

func (s *stubPayments) HandleEvent(_ context.Context, payload []byte, signature string) (reconciler.Outcome, error) {
	s.gotPayload = payload
	s.gotSignature = signature
	return s.outcome, s.eventErr
}

func (s *stubPayments) CreateCheckout(context.Context, uuid.UUID, string, string) (*creem.Checkout, error) {
	return s.checkout, s.checkoutErr
}

func (s *stubPayments) PaymentHistory(context.Context, uuid.UUID, int) ([]model.Payment, error) {
	return nil, nil
}

func (s *stubPayments) ListUnmatched(_ context.Context, status model.UnmatchedStatus, _ int) ([]model.UnmatchedPayment, error) {
	s.listedStatus = status
	return s.unmatched, nil
}

func (s *stubPayments) ResolveUnmatched(_ context.Context, id int64, userID uuid.UUID, _ bool) (ledger.Result, error) {
	s.resolvedID = id
	s.resolvedUser = userID
	return s.resolveRes, s.resolveErr
}

func (s *stubPayments) IgnoreUnmatched(context.Context, int64) error {
	return s.ignoreErr
}

func (s *stubPayments) AddAlias(context.Context, uuid.UUID, string) error {
	return s.aliasErr
}

func (s *stubPayments) Health(context.Context) (model.HealthSummary, error) {
	return s.health, s.healthErr
}

func (s *stubPayments) Inconsistencies(context.Context) ([]model.CreditInconsistency, error) {
	return s.inconsistency, nil
}

type stubJobs struct {
	job         *model.VideoJob
	err         error
	submitted   *jobs.SubmitInput
	callbackFor uuid.UUID
	callbackRaw []byte
	refreshed   bool
}

func (s *stubJobs) Submit(_ context.Context, _ uuid.UUID, in jobs.SubmitInput) (*model.VideoJob, error) {
	s.submitted = &in
	return s.job, s.err
}

func (s *stubJobs) HandleCallback(_ context.Context, genID uuid.UUID, payload []byte) (*model.VideoJob, error) {
	s.callbackFor = genID
	s.callbackRaw = payload
	return s.job, s.err
}

func (s *stubJobs) Cancel(context.Context, uuid.UUID, uuid.UUID) (*model.VideoJob, error) {
	return s.job, s.err
}

func (s *stubJobs) Get(_ context.Context, _, _ uuid.UUID, refresh bool) (*model.VideoJob, error) {
	s.refreshed = refresh
	return s.job, s.err
}

func (s *stubJobs) List(context.Context, uuid.UUID, int) ([]model.VideoJob, error) {
	if s.job == nil {
		return nil, s.err
	}
	return []model.VideoJob{*s.job}, s.err
}

type testEnv struct {
	router   http.Handler
	ledger   *stubLedger
	payments *stubPayments
	jobs     *stubJobs
	signer   *callback.Signer
	auth     *middleware.AuthMiddleware
	userID   uuid.UUID
	token    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		ledger:   &stubLedger{},
		payments: &stubPayments{},
		jobs:     &stubJobs{},
		signer:   callback.NewSigner("callback-secret", "https://credits.example.com"),
		auth:     middleware.NewAuthMiddleware(testAuthSecret),
		userID:   uuid.New(),
	}

	token, err := env.auth.IssueToken(env.userID, "user@example.com", time.Hour)
	require.NoError(t, err)
	env.token = token

	h := NewHandler(Services{
		Ledger:    env.ledger,
		Payments:  env.payments,
		Jobs:      env.jobs,
		Callbacks: env.signer,
	}, zap.NewNop(), env.auth, Options{AdminKey: testAdminKey})
	env.router = h.SetupRouter()

	return env
}

func (e *testEnv) do(method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}

	req := httptest.NewRequest(method, target, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) authed() map[string]string {
	return map[string]string{"Authorization": "Bearer " + e.token}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func sampleJob(userID uuid.UUID, status model.JobStatus) *model.VideoJob {
	return &model.VideoJob{
		ID:          uuid.New(),
		TaskID:      "task-1",
		UserID:      userID,
		Status:      status,
		CostCredits: 10,
		Model:       "veo3_fast",
		Prompt:      "a cat surfing",
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

func TestSubmitJob(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		env := newTestEnv(t)
		env.jobs.job = sampleJob(env.userID, model.JobStatusPending)

		w := env.do(http.MethodPost, "/api/jobs", map[string]any{"model": "veo3_fast", "prompt": "a cat surfing"}, env.authed())

		require.Equal(t, http.StatusCreated, w.Code)
		var resp jobResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, env.jobs.job.ID, resp.ID)
		assert.Equal(t, model.JobStatusPending, resp.Status)
		assert.Equal(t, int64(10), resp.CostCredits)

		require.NotNil(t, env.jobs.submitted)
		assert.Equal(t, "a cat surfing", env.jobs.submitted.Prompt)
		assert.Equal(t, "user@example.com", env.ledger.ensured[env.userID])
	})

	t.Run("insufficient credits", func(t *testing.T) {
		env := newTestEnv(t)
		env.jobs.err = apperror.InsufficientBalance(10, 3)

		w := env.do(http.MethodPost, "/api/jobs", map[string]any{"prompt": "x"}, env.authed())

		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.Equal(t, "INSUFFICIENT_BALANCE", decodeError(t, w).Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		env := newTestEnv(t)

		w := env.do(http.MethodPost, "/api/jobs", "{", env.authed())

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "VALIDATION_ERROR", decodeError(t, w).Code)
		assert.Nil(t, env.jobs.submitted)
	})

	t.Run("requires authentication", func(t *testing.T) {
		env := newTestEnv(t)

		w := env.do(http.MethodPost, "/api/jobs", map[string]any{"prompt": "x"}, nil)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Nil(t, env.jobs.submitted)
	})

	t.Run("mirrored email belongs to another account", func(t *testing.T) {
		env := newTestEnv(t)
		env.ledger.ensureErr = apperror.Conflict("email is registered to another account")

		w := env.do(http.MethodPost, "/api/jobs", map[string]any{"prompt": "x"}, env.authed())

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Nil(t, env.jobs.submitted)
	})
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.job = sampleJob(env.userID, model.JobStatusProcessing)

	w := env.do(http.MethodGet, "/api/jobs/"+env.jobs.job.ID.String()+"?refresh=1", nil, env.authed())
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.jobs.refreshed)

	w = env.do(http.MethodGet, "/api/jobs/"+env.jobs.job.ID.String(), nil, env.authed())
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.jobs.refreshed)

	w = env.do(http.MethodGet, "/api/jobs/not-a-uuid", nil, env.authed())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env.jobs.err = apperror.Forbidden("job belongs to another user")
	w = env.do(http.MethodGet, "/api/jobs/"+uuid.NewString(), nil, env.authed())
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.job = sampleJob(env.userID, model.JobStatusCanceled)

	w := env.do(http.MethodPost, "/api/jobs/"+env.jobs.job.ID.String()+"/cancel", nil, env.authed())
	require.Equal(t, http.StatusOK, w.Code)

	var resp jobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, model.JobStatusCanceled, resp.Status)

	env.jobs.err = apperror.InvalidState("job is already completed")
	w = env.do(http.MethodPost, "/api/jobs/"+env.jobs.job.ID.String()+"/cancel", nil, env.authed())
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestJobCallback(t *testing.T) {
	env := newTestEnv(t)
	genID := uuid.New()
	env.jobs.job = sampleJob(env.userID, model.JobStatusFailed)

	callbackURL, err := env.signer.CallbackURL(genID)
	require.NoError(t, err)
	target := callbackURL[len("https://credits.example.com"):]

	payload := `{"code":200,"data":{"taskId":"task-1","state":"fail","failMsg":"nsfw"}}`

	t.Run("accepted", func(t *testing.T) {
		w := env.do(http.MethodPost, target, payload, nil)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, genID, env.jobs.callbackFor)
		assert.JSONEq(t, payload, string(env.jobs.callbackRaw))
		assert.JSONEq(t, `{"status":"failed"}`, w.Body.String())
	})

	t.Run("token for another job", func(t *testing.T) {
		env.jobs.callbackFor = uuid.Nil
		otherToken, err := env.signer.Token(uuid.New())
		require.NoError(t, err)

		w := env.do(http.MethodPost, "/api/jobs/"+genID.String()+"/callback?token="+otherToken, payload, nil)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, uuid.Nil, env.jobs.callbackFor)
	})

	t.Run("missing token", func(t *testing.T) {
		w := env.do(http.MethodPost, "/api/jobs/"+genID.String()+"/callback", payload, nil)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("task mismatch", func(t *testing.T) {
		env.jobs.err = apperror.Validation("task id does not match")

		w := env.do(http.MethodPost, target, payload, nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		env.jobs.err = nil
	})
}

func TestPaymentWebhook(t *testing.T) {
	payload := `{"id":"evt_1","eventType":"checkout.completed","object":{}}`

	t.Run("processed", func(t *testing.T) {
		env := newTestEnv(t)
		userID := uuid.New()
		env.payments.outcome = reconciler.Outcome{
			Status:    model.WebhookProcessed,
			EventType: "checkout.completed",
			PaymentID: "tran_1",
			MatchType: model.MatchExact,
			UserID:    &userID,
			Credits:   100,
		}

		w := env.do(http.MethodPost, "/api/webhooks/payment", payload, map[string]string{"creem-signature": "abc123"})

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, payload, string(env.payments.gotPayload))
		assert.Equal(t, "abc123", env.payments.gotSignature)

		var out reconciler.Outcome
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
		assert.Equal(t, model.WebhookProcessed, out.Status)
		assert.Equal(t, int64(100), out.Credits)
	})

	t.Run("bad signature", func(t *testing.T) {
		env := newTestEnv(t)
		env.payments.eventErr = apperror.Unauthorized("invalid webhook signature")

		w := env.do(http.MethodPost, "/api/webhooks/payment", payload, nil)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "UNAUTHORIZED", decodeError(t, w).Code)
	})

	t.Run("unknown product asks provider to retry", func(t *testing.T) {
		env := newTestEnv(t)
		env.payments.eventErr = apperror.Configuration("unknown product prod_x")

		w := env.do(http.MethodPost, "/api/webhooks/payment", payload, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "CONFIG_ERROR", decodeError(t, w).Code)
	})
}

func TestCreditsAndCheckout(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.balance = model.Balance{Balance: 40, Spent: 60, Total: 100}
	env.ledger.history = []model.Transaction{{
		ID:        uuid.New(),
		UserID:    env.userID,
		Amount:    100,
		Reason:    model.ReasonCreemPayment,
		Metadata:  model.PaymentMeta{PaymentID: "tran_1"},
		CreatedAt: time.Now(),
	}}
	env.payments.checkout = &creem.Checkout{ID: "ch_1", CheckoutURL: "https://pay.example.com/ch_1"}

	w := env.do(http.MethodGet, "/api/credits", nil, env.authed())
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"balance":40,"spent":60,"total":100}`, w.Body.String())

	w = env.do(http.MethodGet, "/api/credits/transactions?limit=10", nil, env.authed())
	require.Equal(t, http.StatusOK, w.Code)
	var txs []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, "creem_payment", txs[0]["reason"])
	assert.Equal(t, map[string]any{"payment_id": "tran_1"}, txs[0]["metadata"])

	w = env.do(http.MethodGet, "/api/credits/transactions?limit=0", nil, env.authed())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/checkout", map[string]string{"product_id": "prod_1"}, env.authed())
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"ch_1","checkout_url":"https://pay.example.com/ch_1"}`, w.Body.String())

	w = env.do(http.MethodPost, "/api/checkout", map[string]string{}, env.authed())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorDoesNotLeakCause(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.balanceErr = apperror.Storage("get balance", errors.New("pq: password authentication failed for user admin"))

	w := env.do(http.MethodGet, "/api/credits", nil, env.authed())

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "STORAGE_ERROR", resp.Code)
	assert.NotContains(t, w.Body.String(), "password")
}

func TestAdminRoutes(t *testing.T) {
	admin := map[string]string{middleware.AdminKeyHeader: testAdminKey}

	t.Run("requires admin key", func(t *testing.T) {
		env := newTestEnv(t)

		w := env.do(http.MethodGet, "/api/admin/health", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		w = env.do(http.MethodGet, "/api/admin/health", nil, env.authed())
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("list and resolve unmatched", func(t *testing.T) {
		env := newTestEnv(t)
		env.payments.unmatched = []model.UnmatchedPayment{{ID: 7, Email: "buyer@example.com", PaymentID: "tran_9", Credits: 50, Status: model.UnmatchedPending}}
		env.payments.resolveRes = ledger.Result{TransactionID: uuid.New()}
		userID := uuid.New()

		w := env.do(http.MethodGet, "/api/admin/unmatched?status=pending", nil, admin)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, model.UnmatchedPending, env.payments.listedStatus)
		var list []unmatchedResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
		require.Len(t, list, 1)
		assert.Equal(t, "tran_9", list[0].PaymentID)

		w = env.do(http.MethodPost, "/api/admin/unmatched/7/resolve", map[string]any{"user_id": userID, "add_alias": true}, admin)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int64(7), env.payments.resolvedID)
		assert.Equal(t, userID, env.payments.resolvedUser)

		w = env.do(http.MethodPost, "/api/admin/unmatched/abc/resolve", map[string]any{"user_id": userID}, admin)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = env.do(http.MethodPost, "/api/admin/unmatched/7/resolve", map[string]any{}, admin)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		env.payments.resolveErr = apperror.InvalidState("unmatched payment is already resolved")
		w = env.do(http.MethodPost, "/api/admin/unmatched/7/resolve", map[string]any{"user_id": userID}, admin)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("ignore, alias and adjust", func(t *testing.T) {
		env := newTestEnv(t)
		userID := uuid.New()

		w := env.do(http.MethodPost, "/api/admin/unmatched/3/ignore", nil, admin)
		assert.Equal(t, http.StatusOK, w.Code)

		w = env.do(http.MethodPost, "/api/admin/aliases", map[string]any{"user_id": userID, "email": "alt@example.com"}, admin)
		assert.Equal(t, http.StatusNoContent, w.Code)

		env.payments.aliasErr = apperror.Conflict("alias belongs to another user")
		w = env.do(http.MethodPost, "/api/admin/aliases", map[string]any{"user_id": userID, "email": "alt@example.com"}, admin)
		assert.Equal(t, http.StatusConflict, w.Code)

		env.ledger.adjustRes = ledger.Result{TransactionID: uuid.New()}
		w = env.do(http.MethodPost, "/api/admin/users/"+userID.String()+"/adjust",
			map[string]any{"delta": -15, "reference": "ticket-9", "operator": "ops"}, admin)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int64(-15), env.ledger.adjustDelta)
	})

	t.Run("health and inconsistencies", func(t *testing.T) {
		env := newTestEnv(t)
		env.payments.health = model.HealthSummary{Users: 3, PendingUnmatched: 1}

		w := env.do(http.MethodGet, "/api/admin/health", nil, admin)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"users":3,"transactions":0,"active_jobs":0,"pending_unmatched":1,"inconsistencies":0}`, w.Body.String())

		w = env.do(http.MethodGet, "/api/admin/inconsistencies", nil, admin)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `[]`, w.Body.String())
	})
}

func TestRoutingFallbacks(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/api/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, w).Code)
}
