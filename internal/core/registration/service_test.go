package registration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/RegularizePGFN/regularize-bot/internal/core/classify"
	"github.com/RegularizePGFN/regularize-bot/internal/core/evidence"
	"github.com/RegularizePGFN/regularize-bot/internal/core/job"
	"github.com/RegularizePGFN/regularize-bot/internal/core/otp"
	"github.com/RegularizePGFN/regularize-bot/internal/core/portal"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// memoryStore records the progress trail of every registration.
type memoryStore struct {
	mu    sync.Mutex
	recs  map[string]*Record
	trail map[string][]int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{recs: map[string]*Record{}, trail: map[string][]int{}}
}

func (m *memoryStore) Create(_ context.Context, r *Record) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.recs[id] = newRecord(id, r, time.Now().UTC())
	return id, nil
}

func (m *memoryStore) Update(_ context.Context, id string, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return ErrNotFound
	}
	next := *r
	if err := next.apply(u, time.Now().UTC()); err != nil {
		return err
	}
	m.recs[id] = &next
	if u.Progress != nil {
		m.trail[id] = append(m.trail[id], *u.Progress)
	}
	return nil
}

func (m *memoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	return &out, nil
}

// flakyStore fails Get while getErr is set.
type flakyStore struct {
	*memoryStore
	getErr error
}

func (f *flakyStore) Get(ctx context.Context, id string) (*Record, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.memoryStore.Get(ctx, id)
}

type fakeQueue struct {
	tasks   []*asynq.Task
	retries []int
	err     error
}

func (q *fakeQueue) Enqueue(task *asynq.Task, _ string, maxRetries int, _ ...asynq.Option) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	q.retries = append(q.retries, maxRetries)
	return nil
}

type otpFunc func(ctx context.Context, id string, timeout time.Duration) (string, error)

func (f otpFunc) Wait(ctx context.Context, id string, timeout time.Duration) (string, error) {
	return f(ctx, id, timeout)
}

type fakeCapturer struct {
	html    []byte
	pageURL string
}

func (f *fakeCapturer) Capture(_ context.Context, id, _ string, html []byte, pageURL string) (evidence.Artifact, error) {
	f.html, f.pageURL = html, pageURL
	return evidence.Artifact{URL: "https://files.example/" + id + ".pdf", ContentType: "application/pdf"}, nil
}

type fakeRecorder struct {
	started  int
	finished []bool
}

func (r *fakeRecorder) Started(context.Context) { r.started++ }
func (r *fakeRecorder) Finished(_ context.Context, ok bool, _ time.Duration) {
	r.finished = append(r.finished, ok)
}

type solverFunc func(ctx context.Context, siteKey, pageURL string) (string, error)

func (f solverFunc) Solve(ctx context.Context, siteKey, pageURL string) (string, error) {
	return f(ctx, siteKey, pageURL)
}

const formPage = `<html><body><form method="post">
<input type="hidden" name="_csrf" value="abc">
<input name="cpfCnpj"><label>Nome da mãe</label>
<div class="h-captcha" data-sitekey="reg-site-key"></div>
</form></body></html>`

// fakeRegularize serves the form, accepts a submission carrying a solved
// token and confirms the OTP. onSubmit answers each form post.
func fakeRegularize(t *testing.T, onSubmit func(w http.ResponseWriter, form url.Values)) *portal.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/cadastro":
			_, _ = w.Write([]byte(formPage))
		case r.Method == http.MethodPost && r.URL.Path == "/cadastro":
			require.NoError(t, r.ParseForm())
			onSubmit(w, r.PostForm)
		case r.Method == http.MethodPost && r.URL.Path == "/cadastro/validar-codigo":
			require.NoError(t, r.ParseForm())
			if r.PostForm.Get("codigo") != "123456" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				return
			}
			_, _ = w.Write([]byte(`<h1>Cadastro realizado com sucesso</h1>`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	c, err := portal.New(portal.Options{BaseURL: srv.URL, FormPath: "/cadastro", OTPPath: "/cadastro/validar-codigo", Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func continueRedirect(w http.ResponseWriter, _ url.Values) {
	w.Header().Set("Location", "/cadastro/continuar")
	w.WriteHeader(http.StatusFound)
}

type harness struct {
	svc      *Service
	store    *memoryStore
	queue    *fakeQueue
	capturer *fakeCapturer
	recorder *fakeRecorder
}

func newHarness(t *testing.T, p *portal.Client, code otpFunc) *harness {
	t.Helper()
	h := &harness{store: newMemoryStore(), queue: &fakeQueue{}, capturer: &fakeCapturer{}, recorder: &fakeRecorder{}}
	h.svc = NewService(Deps{
		Store:      h.store,
		Queue:      h.queue,
		Vault:      NewVault(time.Minute),
		Portal:     p,
		Classifier: classify.New(classify.DefaultRules()),
		Solver: solverFunc(func(_ context.Context, siteKey, _ string) (string, error) {
			return "token-for-" + siteKey, nil
		}),
		OTP:      code,
		Evidence: h.capturer,
		Metrics:  h.recorder,
	}, Options{OTPTimeout: time.Second, BcryptCost: bcrypt.MinCost, MaxChallengeRounds: 2})
	return h
}

func fixedCode(context.Context, string, time.Duration) (string, error) { return "123456", nil }

func validRequest() Request {
	return Request{
		Identifier: "11.222.333/0001-44",
		CPF:        "123.456.789-09",
		MotherName: "Maria da Silva",
		BirthDate:  "1980-05-17",
		Email:      "Contato@Empresa.com.br",
		Phone:      "(11) 98765-4321",
		Password:   "s3nh4-forte",
		Phrase:     "minha frase de segurança",
	}
}

func TestRegistrationCompletes(t *testing.T) {
	var posted url.Values
	p := fakeRegularize(t, func(w http.ResponseWriter, form url.Values) {
		posted = form
		continueRedirect(w, form)
	})
	h := newHarness(t, p, fixedCode)
	ctx := context.Background()

	sub, err := h.svc.Submit(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, MessageStarted, sub.Message)
	require.Len(t, h.queue.tasks, 1)
	assert.Equal(t, []int{0}, h.queue.retries)
	assert.NotContains(t, string(h.queue.tasks[0].Payload()), "s3nh4")

	rec, err := h.store.Get(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, rec.Status)
	assert.Equal(t, "11222333000144", rec.Identifier)
	assert.Equal(t, "12345678909", rec.CPF)
	assert.Equal(t, "11987654321", rec.Phone)
	assert.Equal(t, "contato@empresa.com.br", rec.Email)
	assert.NotContains(t, rec.PasswordHash, "s3nh4")
	assert.True(t, VerifySecret(rec.PasswordHash, "s3nh4-forte"))
	assert.True(t, VerifySecret(rec.PhraseHash, "minha frase de segurança"))

	require.NoError(t, h.svc.HandleTask(ctx, h.queue.tasks[0]))

	rec, err = h.store.Get(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	require.NotNil(t, rec.Step)
	assert.Equal(t, StepDone, *rec.Step)
	require.NotNil(t, rec.ProofURL)
	assert.Contains(t, *rec.ProofURL, sub.JobID)
	assert.NotNil(t, rec.StartedAt)
	assert.NotNil(t, rec.FinishedAt)
	assert.Nil(t, rec.Error)

	assert.Equal(t, []int{10, 20, 40, 60, 80, 90, 100}, h.store.trail[sub.JobID])
	assert.Equal(t, "s3nh4-forte", posted.Get("senha"))
	assert.Equal(t, "11222333000144", posted.Get("cpfCnpj"))
	assert.Equal(t, "abc", posted.Get("_csrf"))
	assert.Equal(t, "token-for-reg-site-key", posted.Get("h-captcha-response"))
	assert.Contains(t, string(h.capturer.html), "Cadastro realizado")
	assert.Equal(t, 0, h.svc.Vault.Len())
	assert.Equal(t, 1, h.recorder.started)
	assert.Equal(t, []bool{true}, h.recorder.finished)
}

func TestAlreadyRegisteredFails(t *testing.T) {
	p := fakeRegularize(t, func(w http.ResponseWriter, _ url.Values) {
		w.Header().Set("Location", "/login")
		w.WriteHeader(http.StatusFound)
	})
	h := newHarness(t, p, fixedCode)
	ctx := context.Background()

	sub, err := h.svc.Submit(ctx, validRequest())
	require.NoError(t, err)
	err = h.svc.Run(ctx, sub.JobID)
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	rec, err := h.store.Get(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, MessageRegistered, *rec.Error)
	assert.Equal(t, 60, rec.Progress)
	assert.NotNil(t, rec.FinishedAt)
	assert.Equal(t, []bool{false}, h.recorder.finished)
}

func TestOTPTimeoutFails(t *testing.T) {
	p := fakeRegularize(t, continueRedirect)
	h := newHarness(t, p, func(context.Context, string, time.Duration) (string, error) {
		return "", otp.ErrTimeout
	})
	ctx := context.Background()

	sub, err := h.svc.Submit(ctx, validRequest())
	require.NoError(t, err)
	require.Error(t, h.svc.Run(ctx, sub.JobID))

	rec, err := h.store.Get(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, rec.Status)
	assert.Equal(t, 80, rec.Progress)
	require.NotNil(t, rec.Error)
	assert.Contains(t, *rec.Error, "OTP")
}

func TestMissingSecretsFailWithoutPortalTraffic(t *testing.T) {
	var hits int
	p := fakeRegularize(t, func(w http.ResponseWriter, form url.Values) {
		hits++
		continueRedirect(w, form)
	})
	h := newHarness(t, p, fixedCode)
	ctx := context.Background()

	sub, err := h.svc.Submit(ctx, validRequest())
	require.NoError(t, err)
	h.svc.Vault.Take(sub.JobID)

	err = h.svc.Run(ctx, sub.JobID)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	rec, err := h.store.Get(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, rec.Status)
	assert.Equal(t, ErrSecretsUnavailable.Error(), *rec.Error)
	assert.Zero(t, hits)
	assert.Zero(t, h.recorder.started)
}

func TestRedeliveredRegistrationIsNotRepeated(t *testing.T) {
	p := fakeRegularize(t, continueRedirect)
	h := newHarness(t, p, fixedCode)
	ctx := context.Background()

	sub, err := h.svc.Submit(ctx, validRequest())
	require.NoError(t, err)
	processing := job.StatusProcessing
	require.NoError(t, h.store.Update(ctx, sub.JobID, Update{Status: &processing}.step(StepOTP)))

	require.Error(t, h.svc.Run(ctx, sub.JobID))
	rec, _ := h.store.Get(ctx, sub.JobID)
	assert.Equal(t, job.StatusFailed, rec.Status)
	assert.Equal(t, 0, h.svc.Vault.Len())

	// Terminal records are left alone.
	assert.NoError(t, h.svc.Run(ctx, sub.JobID))
}

func TestExhaustedDeliveryFailsTheRegistration(t *testing.T) {
	p := fakeRegularize(t, continueRedirect)
	h := newHarness(t, p, fixedCode)
	flaky := &flakyStore{memoryStore: h.store}
	h.svc.Store = flaky
	ctx := context.Background()

	sub, err := h.svc.Submit(ctx, validRequest())
	require.NoError(t, err)
	flaky.getErr = errors.New("redis down")

	runErr := h.svc.HandleTask(ctx, h.queue.tasks[0])
	require.Error(t, runErr)
	assert.False(t, errors.Is(runErr, asynq.SkipRetry))

	flaky.getErr = nil
	h.svc.FailExhausted(ctx, h.queue.tasks[0], runErr)

	rec, err := h.store.Get(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Contains(t, *rec.Error, "tentativas esgotadas")
	assert.Contains(t, *rec.Error, "redis down")
	assert.NotNil(t, rec.FinishedAt)
	assert.Equal(t, 0, h.svc.Vault.Len())
	assert.Empty(t, h.recorder.finished, "never started")
}

func TestPersistentChallengeFails(t *testing.T) {
	p := fakeRegularize(t, func(w http.ResponseWriter, _ url.Values) {
		_, _ = w.Write([]byte(formPage))
	})
	h := newHarness(t, p, fixedCode)
	ctx := context.Background()

	sub, err := h.svc.Submit(ctx, validRequest())
	require.NoError(t, err)
	require.Error(t, h.svc.Run(ctx, sub.JobID))

	rec, _ := h.store.Get(ctx, sub.JobID)
	assert.Equal(t, job.StatusFailed, rec.Status)
	assert.Contains(t, *rec.Error, "desafio persistiu")
}

func TestSubmitRejectsInvalidBundles(t *testing.T) {
	h := newHarness(t, fakeRegularize(t, continueRedirect), fixedCode)

	cases := []struct {
		field  string
		mutate func(r *Request)
	}{
		{"cnpj", func(r *Request) { r.Identifier = "123" }},
		{"cpf", func(r *Request) { r.CPF = "1234" }},
		{"dataNascimento", func(r *Request) { r.BirthDate = "17/05/1980" }},
		{"email", func(r *Request) { r.Email = "not-an-email" }},
		{"celular", func(r *Request) { r.Phone = "1234" }},
		{"senha", func(r *Request) { r.Password = "curta" }},
		{"fraseSeguranca", func(r *Request) { r.Phrase = "curta" }},
	}
	for _, tc := range cases {
		t.Run(tc.field, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			_, err := h.svc.Submit(context.Background(), req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
	assert.Empty(t, h.queue.tasks)
	assert.Empty(t, h.store.recs)
}

func TestEnqueueFailureDropsSecrets(t *testing.T) {
	h := newHarness(t, fakeRegularize(t, continueRedirect), fixedCode)
	h.queue.err = errors.New("redis down")

	_, err := h.svc.Submit(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, 0, h.svc.Vault.Len())
	for _, rec := range h.store.recs {
		assert.Equal(t, job.StatusFailed, rec.Status)
	}
}

func TestApplyKeepsProgressForwardAndTerminalFrozen(t *testing.T) {
	rec := newRecord("r1", &Record{Identifier: "11222333000144"}, time.Now())
	now := time.Now()

	require.NoError(t, rec.apply(Update{}.step(StepForm), now))
	assert.ErrorIs(t, rec.apply(Update{}.step(StepPortal), now), ErrInconsistent)

	done := job.StatusCompleted
	require.NoError(t, rec.apply(Update{Status: &done}.step(StepDone), now))
	msg := "late"
	assert.ErrorIs(t, rec.apply(Update{Error: &msg}, now), ErrInconsistent)
}

func TestPublicViewHidesDigests(t *testing.T) {
	rec := &Record{ID: "r1", Identifier: "11222333000144", PasswordHash: "$2a$hash", PhraseHash: "$2a$other"}
	b, err := json.Marshal(rec.Public())
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "11222333000144", m["cnpj"])
	assert.NotContains(t, m, "senha_hash")
	assert.NotContains(t, m, "frase_seguranca_hash")
}

func TestVault(t *testing.T) {
	v := NewVault(time.Minute)
	now := time.Now()
	v.now = func() time.Time { return now }

	v.Put("a", Secrets{Password: "p", Phrase: "f"})
	s, ok := v.Take("a")
	require.True(t, ok)
	assert.Equal(t, "p", s.Password)
	_, ok = v.Take("a")
	assert.False(t, ok)

	v.Put("b", Secrets{Password: "p"})
	now = now.Add(2 * time.Minute)
	_, ok = v.Take("b")
	assert.False(t, ok)
}
