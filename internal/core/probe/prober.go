package probe

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/RegularizePGFN/regularize-bot/internal/core/captcha"
	"github.com/RegularizePGFN/regularize-bot/internal/core/classify"
	"github.com/RegularizePGFN/regularize-bot/internal/core/job"
	"github.com/RegularizePGFN/regularize-bot/internal/core/portal"
	"github.com/RegularizePGFN/regularize-bot/internal/logger"
)

const (
	MessageRegistered = "CNPJ já possui cadastro na Regularize"
	MessageAvailable  = "CNPJ não possui cadastro na Regularize"
	messageErrorFmt   = "Erro ao consultar: %s"
)

// Checker resolves one identifier into an outcome. It never returns an
// error: failures are reported as item-level outcomes.
type Checker interface {
	Check(ctx context.Context, identifier string) job.Outcome
}

// TokenFields returns the form fields that carry a solved challenge.
func TokenFields(token string) url.Values {
	return url.Values{
		"h-captcha-response":   {token},
		"g-recaptcha-response": {token},
	}
}

// Prober checks whether an identifier already has a portal account by
// submitting it to the registration form and classifying the reply.
type Prober struct {
	portal     *portal.Client
	classifier *classify.Classifier
	solver     captcha.Solver
	maxRounds  int
	log        *logger.Logger
	now        func() time.Time
}

// NewProber builds a prober. solver may be nil, in which case any challenge
// ends the item with a captcha_failed outcome.
func NewProber(p *portal.Client, c *classify.Classifier, solver captcha.Solver, maxRounds int) *Prober {
	return &Prober{portal: p, classifier: c, solver: solver, maxRounds: maxRounds, log: logger.New("Prober"), now: time.Now}
}

func (p *Prober) Check(ctx context.Context, identifier string) job.Outcome {
	sess, err := p.portal.NewSession()
	if err != nil {
		return p.failure(identifier, classify.MethodTransportError, err, "")
	}
	page, err := sess.Load(ctx, identifier)
	if err != nil {
		return p.failure(identifier, classify.MethodTransportError, err, "")
	}

	// A widget on the form page is solved before the first post and counts
	// against the same round budget as widgets shown after a submit.
	round := 0
	var fields url.Values
	if res := p.classifier.Classify(page); res.Verdict == classify.VerdictChallenge {
		if p.maxRounds < 1 {
			return p.failure(identifier, classify.MethodCaptchaFailed,
				fmt.Errorf("desafio persistiu após %d tentativas", round), res.Evidence)
		}
		token, method, serr := p.solve(ctx, res.Challenge)
		if serr != nil {
			return p.failure(identifier, method, serr, res.Evidence)
		}
		fields = TokenFields(token)
		round = 1
	}

	resp, err := sess.Submit(ctx, identifier, fields)
	for ; ; round++ {
		if err != nil {
			return p.failure(identifier, classify.MethodTransportError, err, "")
		}
		res := p.classifier.Classify(resp)
		if res.Verdict != classify.VerdictChallenge {
			return p.verdict(identifier, res)
		}

		if round >= p.maxRounds {
			return p.failure(identifier, classify.MethodCaptchaFailed,
				fmt.Errorf("desafio persistiu após %d tentativas", round), res.Evidence)
		}
		token, method, serr := p.solve(ctx, res.Challenge)
		if serr != nil {
			return p.failure(identifier, method, serr, res.Evidence)
		}
		p.log.LogDebugf("Resubmitting %s with solved challenge (round %d)", identifier, round+1)
		resp, err = sess.Submit(ctx, identifier, TokenFields(token))
	}
}

func (p *Prober) solve(ctx context.Context, ch *classify.Challenge) (string, classify.Method, error) {
	if p.solver == nil {
		return "", classify.MethodCaptchaFailed, errors.New("desafio detectado e nenhum solucionador configurado")
	}
	if ch == nil || ch.SiteKey == "" {
		return "", classify.MethodCaptchaFailed, errors.New("desafio sem sitekey")
	}
	pageURL := ch.PageURL
	if pageURL == "" {
		pageURL = p.portal.FormURL()
	}
	token, err := p.solver.Solve(ctx, ch.SiteKey, pageURL)
	if errors.Is(err, captcha.ErrTimeout) {
		return "", classify.MethodCaptchaTimeout, err
	}
	if err != nil {
		return "", classify.MethodCaptchaFailed, err
	}
	return token, "", nil
}

func (p *Prober) verdict(identifier string, res classify.Result) job.Outcome {
	registered := res.Registered()
	msg := MessageAvailable
	if registered {
		msg = MessageRegistered
	}
	return job.Outcome{
		Identifier: identifier,
		Registered: &registered,
		Status:     job.ItemSuccess,
		Message:    msg,
		FinalURL:   res.FinalURL,
		Method:     string(res.Method),
		Evidence:   res.Evidence,
		Timestamp:  p.now().UTC(),
	}
}

func (p *Prober) failure(identifier string, method classify.Method, err error, evidence string) job.Outcome {
	out := job.Outcome{
		Identifier: identifier,
		Status:     job.ItemError,
		Message:    fmt.Sprintf(messageErrorFmt, err.Error()),
		Method:     string(method),
		Evidence:   evidence,
		Timestamp:  p.now().UTC(),
	}
	if pe, ok := portal.AsError(err); ok {
		out.FinalURL = pe.URL
	}
	return out
}
