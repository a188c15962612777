package registration

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/RegularizePGFN/regularize-bot/internal/core/cnpj"

	"github.com/go-playground/validator/v10"
)

// Request is the registration bundle as submitted by the dashboard.
type Request struct {
	Identifier string `json:"cnpj" validate:"required,cnpj"`
	CPF        string `json:"cpf" validate:"required,cpf"`
	MotherName string `json:"nomeMae" validate:"omitempty,max=200"`
	BirthDate  string `json:"dataNascimento" validate:"required,datetime=2006-01-02"`
	Email      string `json:"email" validate:"required,email"`
	Phone      string `json:"celular" validate:"required,phone"`
	Password   string `json:"senha" validate:"required,min=8,max=128"`
	Phrase     string `json:"fraseSeguranca" validate:"required,min=10,max=140"`
}

// ValidationError names the first field that failed validation, using its
// JSON name.
type ValidationError struct {
	Field string
	Tag   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("campo inválido: %s (%s)", e.Field, e.Tag)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("cnpj", func(fl validator.FieldLevel) bool {
		return cnpj.Valid(fl.Field().String())
	})
	_ = v.RegisterValidation("cpf", func(fl validator.FieldLevel) bool {
		_, err := cnpj.CanonicalizeCPF(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		n := len(cnpj.Digits(fl.Field().String()))
		return n == 10 || n == 11 || n == 12 || n == 13
	})
	return v
}

// Validate checks the bundle and returns a *ValidationError for the first
// bad field.
func (r *Request) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &ValidationError{Field: verrs[0].Field(), Tag: verrs[0].Tag()}
	}
	return err
}

// Secrets is the cleartext credential pair. It lives only in the vault and
// on the worker's stack while the form is submitted.
type Secrets struct {
	Password string
	Phrase   string
}

// record builds the persisted form of the request: canonical digits and
// digests in place of the credentials.
func (r *Request) record(cost int) (*Record, error) {
	id, err := cnpj.Canonicalize(r.Identifier)
	if err != nil {
		return nil, err
	}
	cpf, err := cnpj.CanonicalizeCPF(r.CPF)
	if err != nil {
		return nil, err
	}
	pw, err := HashSecret(r.Password, cost)
	if err != nil {
		return nil, fmt.Errorf("hash senha: %w", err)
	}
	phrase, err := HashSecret(r.Phrase, cost)
	if err != nil {
		return nil, fmt.Errorf("hash frase de segurança: %w", err)
	}
	rec := &Record{
		Identifier:   id,
		CPF:          cpf,
		BirthDate:    r.BirthDate,
		Email:        strings.ToLower(strings.TrimSpace(r.Email)),
		Phone:        cnpj.Digits(r.Phone),
		PasswordHash: pw,
		PhraseHash:   phrase,
	}
	if m := strings.TrimSpace(r.MotherName); m != "" {
		rec.MotherName = &m
	}
	return rec, nil
}
