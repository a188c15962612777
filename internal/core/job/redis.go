package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rds "github.com/RegularizePGFN/regularize-bot/internal/platform/redis"

	"github.com/google/uuid"
)

const (
	activeTTL   = 24 * time.Hour
	terminalTTL = 7 * 24 * time.Hour
)

// RedisStore keeps each job as one JSON document under job:<id> and
// publishes "updated" on the same key after every write.
type RedisStore struct {
	redis *rds.Service
	now   func() time.Time
}

func NewRedisStore(r *rds.Service) *RedisStore {
	return &RedisStore{redis: r, now: time.Now}
}

func (s *RedisStore) Create(ctx context.Context, spec Spec) (string, error) {
	id := uuid.NewString()
	b, err := json.Marshal(newJob(id, spec, s.now().UTC()))
	if err != nil {
		return "", err
	}
	created, err := s.redis.Client().SetNX(ctx, key(id), b, activeTTL).Result()
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	if !created {
		return "", fmt.Errorf("create job: id %s already exists", id)
	}
	s.redis.Publish(ctx, key(id), "created")
	return id, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, u Update) error {
	var j Job
	ttl := activeTTL
	if u.Status != nil && u.Status.Terminal() {
		ttl = terminalTTL
	}
	err := s.redis.UpdateJSON(ctx, key(id), ttl, &j, func(found bool) error {
		if !found {
			return ErrNotFound
		}
		return j.apply(u, s.now().UTC())
	})
	if err != nil {
		return err
	}
	s.redis.Publish(ctx, key(id), "updated")
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := s.redis.GetJSON(ctx, key(id), &j); err != nil {
		if rds.IsNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}

func key(id string) string { return "job:" + id }
