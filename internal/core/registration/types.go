// Package registration creates a portal account for one CNPJ on behalf of
// its responsible party and tracks the attempt as a step-labelled record.
package registration

import (
	"errors"
	"fmt"
	"time"

	"github.com/RegularizePGFN/regularize-bot/internal/core/job"
)

// Step labels and the progress reached when each one starts.
const (
	StepStarting  = "Iniciando processo"
	StepPortal    = "Acessando site Regularize"
	StepForm      = "Preenchendo formulário"
	StepChallenge = "Resolvendo hCaptcha"
	StepOTP       = "Aguardando código OTP"
	StepFinalize  = "Finalizando cadastro"
	StepDone      = "Cadastro concluído"

	MessageStarted    = "Cadastro iniciado com sucesso"
	MessageRegistered = "CNPJ já possui cadastro na Regularize"
)

var progressOf = map[string]int{
	StepStarting:  10,
	StepPortal:    20,
	StepForm:      40,
	StepChallenge: 60,
	StepOTP:       80,
	StepFinalize:  90,
	StepDone:      100,
}

var (
	ErrNotFound = errors.New("registration not found")
	// ErrSecretsUnavailable means the cleartext credentials left memory
	// before the worker picked the registration up. It must be resubmitted.
	ErrSecretsUnavailable = errors.New("credenciais não estão mais disponíveis; reenvie o cadastro")
	ErrInconsistent       = errors.New("inconsistent registration update")
)

// Record is one row of the cadastros table. Credentials are stored only as
// digests.
type Record struct {
	ID           string     `json:"id"`
	Identifier   string     `json:"cnpj"`
	CPF          string     `json:"cpf"`
	MotherName   *string    `json:"nome_mae"`
	BirthDate    string     `json:"data_nascimento"`
	Email        string     `json:"email"`
	Phone        string     `json:"celular"`
	PasswordHash string     `json:"senha_hash"`
	PhraseHash   string     `json:"frase_seguranca_hash"`
	Status       job.Status `json:"status"`
	Progress     int        `json:"progresso"`
	Step         *string    `json:"etapa_atual"`
	ProofURL     *string    `json:"comprovante_url"`
	Error        *string    `json:"error_message"`
	StartedAt    *time.Time `json:"tempo_inicio"`
	FinishedAt   *time.Time `json:"tempo_fim"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// View is a record as served over the API. The shallower empty hash fields
// shadow the embedded ones and are omitted.
type View struct {
	*Record
	PasswordHash string `json:"senha_hash,omitempty"`
	PhraseHash   string `json:"frase_seguranca_hash,omitempty"`
}

func (r *Record) Public() View { return View{Record: r} }

// Update is a partial write; nil fields are left untouched.
type Update struct {
	Status     *job.Status
	Progress   *int
	Step       *string
	ProofURL   *string
	Error      *string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

func (u Update) step(label string) Update {
	p := progressOf[label]
	u.Step = &label
	u.Progress = &p
	return u
}

func newRecord(id string, r *Record, now time.Time) *Record {
	out := *r
	out.ID = id
	out.Status = job.StatusPending
	out.Progress = 0
	out.Step, out.ProofURL, out.Error = nil, nil, nil
	out.StartedAt, out.FinishedAt = nil, nil
	out.CreatedAt = now
	out.UpdatedAt = now
	return &out
}

// apply enforces that a terminal record is frozen and progress only moves
// forward within 0..100.
func (r *Record) apply(u Update, now time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: registration %s is already %s", ErrInconsistent, r.ID, r.Status)
	}
	if u.Progress != nil {
		if *u.Progress < r.Progress || *u.Progress > 100 {
			return fmt.Errorf("%w: progress %d -> %d", ErrInconsistent, r.Progress, *u.Progress)
		}
		r.Progress = *u.Progress
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.Step != nil {
		r.Step = u.Step
	}
	if u.ProofURL != nil {
		r.ProofURL = u.ProofURL
	}
	if u.Error != nil {
		r.Error = u.Error
	}
	if u.StartedAt != nil {
		r.StartedAt = u.StartedAt
	}
	if u.FinishedAt != nil {
		r.FinishedAt = u.FinishedAt
	}
	r.UpdatedAt = now
	return nil
}

// columns renders the update as a cadastros column map.
func (u Update) columns(now time.Time) map[string]interface{} {
	m := map[string]interface{}{"updated_at": now}
	if u.Status != nil {
		m["status"] = *u.Status
	}
	if u.Progress != nil {
		m["progresso"] = *u.Progress
	}
	if u.Step != nil {
		m["etapa_atual"] = *u.Step
	}
	if u.ProofURL != nil {
		m["comprovante_url"] = *u.ProofURL
	}
	if u.Error != nil {
		m["error_message"] = *u.Error
	}
	if u.StartedAt != nil {
		m["tempo_inicio"] = *u.StartedAt
	}
	if u.FinishedAt != nil {
		m["tempo_fim"] = *u.FinishedAt
	}
	return m
}
