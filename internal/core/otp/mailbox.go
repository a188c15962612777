// Package otp carries one-time passcodes from whoever receives the portal's
// e-mail to the registration worker waiting for them.
package otp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	rds "github.com/RegularizePGFN/regularize-bot/internal/platform/redis"
)

var (
	ErrTimeout = errors.New("no one-time code received in time")
	ErrEmpty   = errors.New("one-time code is empty")
)

// Source blocks until a code for the registration arrives.
type Source interface {
	Wait(ctx context.Context, registrationID string, timeout time.Duration) (string, error)
}

// Mailbox is a Redis list per registration. Deliver pushes, Wait pops with
// BLPOP, so a code delivered before the worker starts waiting is kept.
type Mailbox struct {
	redis *rds.Service
	ttl   time.Duration
}

func NewMailbox(r *rds.Service, ttl time.Duration) *Mailbox {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Mailbox{redis: r, ttl: ttl}
}

func (m *Mailbox) Deliver(ctx context.Context, registrationID, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrEmpty
	}
	k := key(registrationID)
	pipe := m.redis.Client().TxPipeline()
	pipe.RPush(ctx, k, code)
	pipe.Expire(ctx, k, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deliver code: %w", err)
	}
	return nil
}

func (m *Mailbox) Wait(ctx context.Context, registrationID string, timeout time.Duration) (string, error) {
	res, err := m.redis.Client().BLPop(ctx, timeout, key(registrationID)).Result()
	if rds.IsNil(err) {
		return "", ErrTimeout
	}
	if err != nil {
		return "", fmt.Errorf("wait for code: %w", err)
	}
	// BLPOP replies with [key, value].
	if len(res) != 2 {
		return "", fmt.Errorf("wait for code: unexpected reply %v", res)
	}
	return res[1], nil
}

func key(id string) string { return "otp:" + id }
