// Package cnpj canonicalizes Brazilian business (CNPJ) and personal (CPF)
// tax identifiers. The canonical form is digits only; punctuation is a
// display concern.
package cnpj

import (
	"errors"
	"fmt"
	"strings"
)

const (
	Length    = 14
	CPFLength = 11
)

var (
	ErrInvalid    = errors.New("cnpj must have exactly 14 digits")
	ErrInvalidCPF = errors.New("cpf must have exactly 11 digits")
)

// Digits drops every character that is not an ASCII digit.
func Digits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

// Canonicalize returns the 14-digit form of raw or ErrInvalid.
// Check digits are not verified; the portal is the authority on existence.
func Canonicalize(raw string) (string, error) {
	d := Digits(raw)
	if len(d) != Length {
		return "", fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	return d, nil
}

func Valid(raw string) bool {
	_, err := Canonicalize(raw)
	return err == nil
}

// Format renders a canonical CNPJ as 00.000.000/0000-00. Input that is not
// canonical is returned untouched.
func Format(c string) string {
	if len(c) != Length || Digits(c) != c {
		return c
	}
	return c[0:2] + "." + c[2:5] + "." + c[5:8] + "/" + c[8:12] + "-" + c[12:14]
}

// Partition canonicalizes a batch, keeping input order and duplicates.
// Rejected entries are returned as supplied.
func Partition(raw []string) (valid, rejected []string) {
	for _, r := range raw {
		c, err := Canonicalize(r)
		if err != nil {
			rejected = append(rejected, r)
			continue
		}
		valid = append(valid, c)
	}
	return valid, rejected
}

func CanonicalizeCPF(raw string) (string, error) {
	d := Digits(raw)
	if len(d) != CPFLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidCPF, raw)
	}
	return d, nil
}
