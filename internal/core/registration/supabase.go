package registration

import (
	"context"
	"fmt"
	"time"

	supa "github.com/antoineross/supabase-go"
	"github.com/google/uuid"
)

const table = "cadastros"

// SupabaseStore writes records to the cadastros table the dashboard reads.
// A registration has a single writer, so Update validates against a fresh
// read and then writes only the changed columns.
type SupabaseStore struct {
	client *supa.Client
	now    func() time.Time
}

func NewSupabaseStore(client *supa.Client) *SupabaseStore {
	return &SupabaseStore{client: client, now: time.Now}
}

func (s *SupabaseStore) Create(ctx context.Context, r *Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	row := newRecord(id, r, s.now().UTC())
	if _, _, err := s.client.From(table).Insert(row, false, "", "minimal", "").Execute(); err != nil {
		return "", fmt.Errorf("insert %s: %w", table, err)
	}
	return id, nil
}

func (s *SupabaseStore) Update(ctx context.Context, id string, u Update) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if err := current.apply(u, now); err != nil {
		return err
	}
	if _, _, err := s.client.From(table).Update(u.columns(now), "minimal", "").Eq("id", id).Execute(); err != nil {
		return fmt.Errorf("update %s %s: %w", table, id, err)
	}
	return nil
}

func (s *SupabaseStore) Get(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	var rows []Record
	if _, err := s.client.From(table).Select("*", "", false).Eq("id", id).ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("select %s %s: %w", table, id, err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}
