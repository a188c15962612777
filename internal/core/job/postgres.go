package job

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrations holds the goose migrations for the probe_jobs table.
//
//go:embed migrations/*.sql
var Migrations embed.FS

const MigrationsDir = "migrations"

// PostgresStore keeps jobs in the probe_jobs table. Every Update is a
// single UPDATE statement, so progress and results change together.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, spec Spec) (string, error) {
	id := uuid.NewString()
	ids := append([]string{}, spec.Identifiers...)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO probe_jobs (id, status, total, cnpjs) VALUES ($1, $2, $3, $4)`,
		id, string(StatusPending), len(ids), ids)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, u Update) error {
	var results []byte
	progress := u.Progress
	if u.Results != nil {
		b, err := json.Marshal(u.Results)
		if err != nil {
			return err
		}
		results = b
		n := len(u.Results)
		if progress != nil && *progress != n {
			return fmt.Errorf("%w: progress %d with %d results", ErrInconsistent, *progress, n)
		}
		progress = &n
	} else if progress != nil {
		return fmt.Errorf("%w: progress without results", ErrInconsistent)
	}

	var status *string
	if u.Status != nil {
		st := string(*u.Status)
		status = &st
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE probe_jobs SET
			status        = COALESCE($2, status),
			progress      = COALESCE($3, progress),
			results       = COALESCE($4::jsonb, results),
			error_message = COALESCE($5, error_message),
			updated_at    = now()
		WHERE id = $1 AND COALESCE($3, progress) >= progress`,
		id, status, progress, results, u.Error)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: progress moved back", ErrInconsistent)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	var (
		j       Job
		status  string
		results []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, status, progress, total, cnpjs, results, error_message, created_at, updated_at
		FROM probe_jobs WHERE id = $1`, id).
		Scan(&j.ID, &status, &j.Progress, &j.Total, &j.Identifiers, &results, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	j.Status = Status(status)
	if err := json.Unmarshal(results, &j.Results); err != nil {
		return nil, fmt.Errorf("decode results of job %s: %w", id, err)
	}
	return &j, nil
}
