package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/RegularizePGFN/regularize-bot/internal/core/captcha"
	"github.com/RegularizePGFN/regularize-bot/internal/core/classify"
	"github.com/RegularizePGFN/regularize-bot/internal/core/evidence"
	"github.com/RegularizePGFN/regularize-bot/internal/core/job"
	"github.com/RegularizePGFN/regularize-bot/internal/core/otp"
	"github.com/RegularizePGFN/regularize-bot/internal/core/portal"
	"github.com/RegularizePGFN/regularize-bot/internal/core/probe"
	"github.com/RegularizePGFN/regularize-bot/internal/logger"
	"github.com/RegularizePGFN/regularize-bot/internal/platform/tasks"

	"github.com/hibiken/asynq"
)

var ErrAlreadyRegistered = errors.New(MessageRegistered)

// Capturer stores the final portal page as proof of completion.
type Capturer interface {
	Capture(ctx context.Context, registrationID, identifier string, html []byte, pageURL string) (evidence.Artifact, error)
}

// Recorder receives registration lifecycle events for the daily metrics.
type Recorder interface {
	Started(ctx context.Context)
	Finished(ctx context.Context, ok bool, elapsed time.Duration)
}

type Deps struct {
	Store      Store
	Queue      probe.Enqueuer
	Vault      *Vault
	Portal     *portal.Client
	Classifier *classify.Classifier
	// Solver may be nil; a challenge then fails the registration.
	Solver   captcha.Solver
	OTP      otp.Source
	Evidence Capturer
	// Metrics may be nil.
	Metrics Recorder
}

type Options struct {
	OTPTimeout         time.Duration
	BcryptCost         int
	MaxChallengeRounds int
	TaskTimeout        time.Duration
}

// Service runs the registration step machine. Portal submission is not
// idempotent, so a registration is attempted once and never resumed.
type Service struct {
	Deps
	opts Options
	log  *logger.Logger
	now  func() time.Time
}

func NewService(deps Deps, opts Options) *Service {
	if opts.OTPTimeout <= 0 {
		opts.OTPTimeout = 10 * time.Minute
	}
	return &Service{Deps: deps, opts: opts, log: logger.New("RegistrationService"), now: time.Now}
}

type Submission struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

// Submit validates the bundle, persists it with digests only and queues
// the worker. The cleartext credentials stay in the vault.
func (s *Service) Submit(ctx context.Context, req Request) (Submission, error) {
	if err := req.Validate(); err != nil {
		return Submission{}, err
	}
	rec, err := req.record(s.opts.BcryptCost)
	if err != nil {
		return Submission{}, err
	}
	id, err := s.Store.Create(ctx, rec)
	if err != nil {
		return Submission{}, fmt.Errorf("create registration: %w", err)
	}
	s.Vault.Put(id, Secrets{Password: req.Password, Phrase: req.Phrase})

	payload, _ := json.Marshal(tasks.Payload{JobID: id})
	opts := []asynq.Option{asynq.TaskID(id)}
	if s.opts.TaskTimeout > 0 {
		opts = append(opts, asynq.Timeout(s.opts.TaskTimeout))
	}
	if err := s.Queue.Enqueue(asynq.NewTask(tasks.TypeRegistration, payload), tasks.QueueDefault, 0, opts...); err != nil {
		s.Vault.Take(id)
		failed, msg := job.StatusFailed, "falha ao enfileirar: "+err.Error()
		_ = s.Store.Update(ctx, id, Update{Status: &failed, Error: &msg})
		return Submission{}, fmt.Errorf("enqueue registration %s: %w", id, err)
	}

	s.log.LogInfof("Registration %s queued for %s", id, rec.Identifier)
	return Submission{JobID: id, Message: MessageStarted}, nil
}

func (s *Service) HandleTask(ctx context.Context, task *asynq.Task) error {
	var p tasks.Payload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("decode registration payload: %v: %w", err, asynq.SkipRetry)
	}
	return s.Run(ctx, p.JobID)
}

// Run executes every step for one registration and leaves the record in
// completed or failed.
func (s *Service) Run(ctx context.Context, id string) (err error) {
	log := s.log.ForJob(id)

	rec, err := s.Store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("registration %s: %v: %w", id, err, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("load registration %s: %w", id, err)
	}
	if rec.Status.Terminal() {
		log.LogInfof("Registration already %s, nothing to do", rec.Status)
		return nil
	}

	secrets, ok := s.Vault.Take(id)
	if rec.Status != job.StatusPending {
		return s.fail(ctx, id, nil, errors.New("cadastro interrompido antes de concluir; reenvie o cadastro"))
	}
	if !ok {
		return s.fail(ctx, id, nil, ErrSecretsUnavailable)
	}

	started := s.now().UTC()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("stack", string(debug.Stack())).Msgf("panic in registration: %v", r)
			err = s.fail(ctx, id, &started, fmt.Errorf("panic: %v", r))
		}
	}()

	processing := job.StatusProcessing
	if err := s.Store.Update(ctx, id, Update{Status: &processing, StartedAt: &started}.step(StepStarting)); err != nil {
		return s.fail(ctx, id, nil, fmt.Errorf("mark processing: %w", err))
	}
	if s.Metrics != nil {
		s.Metrics.Started(ctx)
	}

	if err := s.execute(ctx, rec, secrets, started); err != nil {
		return s.fail(ctx, id, &started, err)
	}
	log.LogSuccessf("Registration completed for %s", rec.Identifier)
	return nil
}

func (s *Service) execute(ctx context.Context, rec *Record, sec Secrets, started time.Time) error {
	advance := func(label string) error {
		if err := s.Store.Update(ctx, rec.ID, Update{}.step(label)); err != nil {
			return fmt.Errorf("record step %q: %w", label, err)
		}
		return nil
	}

	if err := advance(StepPortal); err != nil {
		return err
	}
	sess, err := s.Portal.NewSession()
	if err != nil {
		return err
	}
	page, err := sess.Load(ctx, rec.Identifier)
	if err != nil {
		return fmt.Errorf("acessar portal: %w", err)
	}

	if err := advance(StepForm); err != nil {
		return err
	}
	fields := formFields(rec, sec)

	if err := advance(StepChallenge); err != nil {
		return err
	}
	if res := s.Classifier.Classify(page); res.Verdict == classify.VerdictChallenge {
		token, err := s.solve(ctx, res.Challenge)
		if err != nil {
			return err
		}
		merge(fields, probe.TokenFields(token))
	}
	if err := s.submit(ctx, sess, rec.Identifier, fields); err != nil {
		return err
	}

	if err := advance(StepOTP); err != nil {
		return err
	}
	code, err := s.OTP.Wait(ctx, rec.ID, s.opts.OTPTimeout)
	if err != nil {
		return fmt.Errorf("aguardar código OTP: %w", err)
	}
	if s.Portal.OTPURL() == "" {
		return errors.New("portal OTP path not configured")
	}
	final, err := sess.Post(ctx, rec.Identifier, s.Portal.OTPURL(), url.Values{"codigo": {code}})
	if err != nil {
		return fmt.Errorf("enviar código OTP: %w", err)
	}

	if err := advance(StepFinalize); err != nil {
		return err
	}
	art, err := s.Evidence.Capture(ctx, rec.ID, rec.Identifier, final.Body, final.FinalURL)
	if err != nil {
		return fmt.Errorf("gerar comprovante: %w", err)
	}

	done, finished := job.StatusCompleted, s.now().UTC()
	if err := s.Store.Update(ctx, rec.ID, Update{Status: &done, ProofURL: &art.URL, FinishedAt: &finished}.step(StepDone)); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if s.Metrics != nil {
		s.Metrics.Finished(ctx, true, finished.Sub(started))
	}
	return nil
}

// submit posts the form, solving challenges until the portal answers or
// the round limit is hit. An already-registered reply is an error.
func (s *Service) submit(ctx context.Context, sess *portal.Session, identifier string, fields url.Values) error {
	for round := 0; ; round++ {
		resp, err := sess.Submit(ctx, identifier, fields)
		if err != nil {
			return fmt.Errorf("enviar formulário: %w", err)
		}
		res := s.Classifier.Classify(resp)
		switch {
		case res.Verdict == classify.VerdictChallenge:
			if round >= s.opts.MaxChallengeRounds {
				return fmt.Errorf("desafio persistiu após %d tentativas", round)
			}
			token, err := s.solve(ctx, res.Challenge)
			if err != nil {
				return err
			}
			merge(fields, probe.TokenFields(token))
		case res.Registered():
			return ErrAlreadyRegistered
		default:
			return nil
		}
	}
}

func (s *Service) solve(ctx context.Context, ch *classify.Challenge) (string, error) {
	if s.Solver == nil {
		return "", errors.New("desafio detectado e nenhum solucionador configurado")
	}
	if ch == nil || ch.SiteKey == "" {
		return "", errors.New("desafio sem sitekey")
	}
	pageURL := ch.PageURL
	if pageURL == "" {
		pageURL = s.Portal.FormURL()
	}
	token, err := s.Solver.Solve(ctx, ch.SiteKey, pageURL)
	if err != nil {
		return "", fmt.Errorf("resolver hCaptcha: %w", err)
	}
	return token, nil
}

// fail writes the terminal failed state. started is nil when the attempt
// never began, so it does not count as a finished registration.
// FailExhausted marks the registration failed once its task is archived
// after a retryable error, and drops any secrets still held for it.
func (s *Service) FailExhausted(ctx context.Context, task *asynq.Task, cause error) {
	var p tasks.Payload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return
	}
	s.Vault.Take(p.JobID)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	rec, err := s.Store.Get(wctx, p.JobID)
	if err != nil {
		s.log.ForJob(p.JobID).LogError("Could not load registration after last retry", err)
		return
	}
	if rec.Status.Terminal() {
		return
	}
	_ = s.fail(wctx, p.JobID, rec.StartedAt, fmt.Errorf("tentativas esgotadas: %w", cause))
}

func (s *Service) fail(ctx context.Context, id string, started *time.Time, cause error) error {
	log := s.log.ForJob(id)
	log.LogError("Registration failed", cause)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	failed, msg, now := job.StatusFailed, cause.Error(), s.now().UTC()
	if err := s.Store.Update(wctx, id, Update{Status: &failed, Error: &msg, FinishedAt: &now}); err != nil {
		log.LogError("Could not record failure", err)
		return fmt.Errorf("%v; recording failure: %w", cause, err)
	}
	if started != nil && s.Metrics != nil {
		s.Metrics.Finished(wctx, false, now.Sub(*started))
	}
	return fmt.Errorf("%v: %w", cause, asynq.SkipRetry)
}

// formFields maps a record and its credentials onto the portal's form.
func formFields(rec *Record, sec Secrets) url.Values {
	f := url.Values{
		"cpf":              {rec.CPF},
		"dataNascimento":   {rec.BirthDate},
		"email":            {rec.Email},
		"celular":          {rec.Phone},
		"senha":            {sec.Password},
		"confirmacaoSenha": {sec.Password},
		"fraseSeguranca":   {sec.Phrase},
	}
	if rec.MotherName != nil {
		f.Set("nomeMae", *rec.MotherName)
	}
	return f
}

func merge(dst, src url.Values) {
	for k, v := range src {
		dst[k] = v
	}
}
