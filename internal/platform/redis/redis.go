package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RegularizePGFN/regularize-bot/internal/logger"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
)

type Options struct {
	Addr     string
	Password string
}

type Service struct {
	client *redisv8.Client
	log    *logger.Logger
}

func New(opts Options) (*Service, error) {
	c := redisv8.NewClient(&redisv8.Options{Addr: opts.Addr, Password: opts.Password})
	if err := c.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect redis at %s: %w", opts.Addr, err)
	}
	return &Service{client: c, log: logger.New("Redis")}, nil
}

func (s *Service) Close() error            { return s.client.Close() }
func (s *Service) Client() *redisv8.Client { return s.client }

// HealthCheck pings and round-trips a short-lived key.
func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.log.LogErrorf("Redis health check failed: %v", err)
		return fmt.Errorf("redis ping failed: %w", err)
	}

	key := "health:test:" + time.Now().Format("20060102150405.000")
	if err := s.client.Set(ctx, key, "ok", 10*time.Second).Err(); err != nil {
		return fmt.Errorf("redis write test failed: %w", err)
	}
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis read test failed: %w", err)
	}
	if val != "ok" {
		return fmt.Errorf("redis value mismatch: got %s, want ok", val)
	}
	_ = s.client.Del(ctx, key).Err()
	return nil
}

func (s *Service) AsynqRedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: s.client.Options().Addr, Password: s.client.Options().Password}
}

// GetJSON decodes the value at key. A missing key returns redis.Nil.
func (s *Service) GetJSON(ctx context.Context, key string, dest interface{}) error {
	b, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dest)
}

// UpdateJSON runs a read-modify-write of a JSON value under WATCH, so
// concurrent readers see either the old or the new document, never a mix.
// mutate receives found=false when the key does not exist yet.
func (s *Service) UpdateJSON(ctx context.Context, key string, ttl time.Duration, dest interface{}, mutate func(found bool) error) error {
	txf := func(tx *redisv8.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		found := true
		switch {
		case err == redisv8.Nil:
			found = false
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(b, dest); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
		}
		if err := mutate(found); err != nil {
			return err
		}
		out, err := json.Marshal(dest)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redisv8.Pipeliner) error {
			pipe.Set(ctx, key, out, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == redisv8.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: too much contention", key)
}

// Publish notifies subscribers of key that its value changed.
func (s *Service) Publish(ctx context.Context, channel, msg string) {
	if err := s.client.Publish(ctx, channel, msg).Err(); err != nil {
		s.log.LogDebugf("publish on %s failed: %v", channel, err)
	}
}

// IsNil reports whether err means the key does not exist.
func IsNil(err error) bool { return err == redisv8.Nil }
