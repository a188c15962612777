package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rds "github.com/RegularizePGFN/regularize-bot/internal/platform/redis"

	"github.com/google/uuid"
)

// Store persists registration records. Update must be atomic per call.
type Store interface {
	Create(ctx context.Context, r *Record) (string, error)
	Update(ctx context.Context, id string, u Update) error
	Get(ctx context.Context, id string) (*Record, error)
}

const recordTTL = 30 * 24 * time.Hour

// RedisStore keeps each record as JSON under registration:<id>. It backs
// deployments without Supabase.
type RedisStore struct {
	redis *rds.Service
	now   func() time.Time
}

func NewRedisStore(r *rds.Service) *RedisStore {
	return &RedisStore{redis: r, now: time.Now}
}

func (s *RedisStore) Create(ctx context.Context, r *Record) (string, error) {
	id := uuid.NewString()
	b, err := json.Marshal(newRecord(id, r, s.now().UTC()))
	if err != nil {
		return "", err
	}
	ok, err := s.redis.Client().SetNX(ctx, key(id), b, recordTTL).Result()
	if err != nil {
		return "", fmt.Errorf("create registration: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("create registration: id %s already exists", id)
	}
	return id, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, u Update) error {
	var r Record
	err := s.redis.UpdateJSON(ctx, key(id), recordTTL, &r, func(found bool) error {
		if !found {
			return ErrNotFound
		}
		return r.apply(u, s.now().UTC())
	})
	if err != nil {
		return err
	}
	s.redis.Publish(ctx, key(id), "updated")
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	var r Record
	if err := s.redis.GetJSON(ctx, key(id), &r); err != nil {
		if rds.IsNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get registration %s: %w", id, err)
	}
	return &r, nil
}

func key(id string) string { return "registration:" + id }
