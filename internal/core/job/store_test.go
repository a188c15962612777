package job

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/RegularizePGFN/regularize-bot/internal/platform/postgres"
	rds "github.com/RegularizePGFN/regularize-bot/internal/platform/redis"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outcome(id string) Outcome {
	registered := true
	return Outcome{Identifier: id, Registered: &registered, Status: ItemSuccess, Message: "ok", Timestamp: time.Now().UTC()}
}

// exerciseStore runs the behaviour every Store implementation must share.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	id, err := s.Create(ctx, Spec{Identifiers: []string{"11222333000144", "11222333000144"}})
	require.NoError(t, err)

	j, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, 2, j.Total)
	assert.Equal(t, 0, j.Progress)
	assert.Empty(t, j.Results)
	assert.Nil(t, j.Error)

	require.NoError(t, s.Update(ctx, id, Update{Status: StatusPtr(StatusProcessing)}))

	one := 1
	require.NoError(t, s.Update(ctx, id, Update{Progress: &one, Results: []Outcome{outcome("11222333000144")}}))
	j, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, j.Status)
	assert.Equal(t, 1, j.Progress)
	require.Len(t, j.Results, 1)
	assert.Equal(t, "11222333000144", j.Results[0].Identifier)

	two := 2
	err = s.Update(ctx, id, Update{Progress: &two, Results: []Outcome{outcome("a")}})
	assert.ErrorIs(t, err, ErrInconsistent)

	three := 3
	err = s.Update(ctx, id, Update{Progress: &three, Results: []Outcome{outcome("a"), outcome("b"), outcome("c")}})
	assert.Error(t, err)

	msg := "store exploded"
	require.NoError(t, s.Update(ctx, id, Update{Status: StatusPtr(StatusFailed), Error: &msg}))
	j, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, j.Status)
	require.NotNil(t, j.Error)
	assert.Equal(t, msg, *j.Error)
	assert.Equal(t, 1, j.Progress, "progress frozen at the last durable write")

	_, err = s.Get(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, "00000000-0000-0000-0000-000000000000", Update{Status: StatusPtr(StatusFailed)}), ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id, err := s.Create(ctx, Spec{Identifiers: []string{"11222333000144"}})
	require.NoError(t, err)

	j, err := s.Get(ctx, id)
	require.NoError(t, err)
	j.Identifiers[0] = "mutated"
	j.Status = StatusCompleted

	again, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "11222333000144", again.Identifiers[0])
	assert.Equal(t, StatusPending, again.Status)
}

func TestMemoryStoreReadersNeverSeeTornWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = "11222333000144"
	}
	id, err := s.Create(ctx, Spec{Identifiers: ids})
	require.NoError(t, err)

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			j, err := s.Get(ctx, id)
			if assert.NoError(t, err) {
				assert.Equal(t, j.Progress, len(j.Results))
				assert.LessOrEqual(t, j.Progress, j.Total)
			}
		}
	}()

	var results []Outcome
	for range ids {
		results = append(results, outcome("11222333000144"))
		n := len(results)
		require.NoError(t, s.Update(ctx, id, Update{Progress: &n, Results: results}))
	}
	close(done)
	wg.Wait()
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := postgres.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(ctx, Migrations, MigrationsDir))

	exerciseStore(t, NewPostgresStore(db.Pool))
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	r, err := rds.New(rds.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	exerciseStore(t, NewRedisStore(r))
}
