package job

import "context"

// Store persists probe jobs. Update must be atomic per call: a reader
// never observes Progress without its matching Results.
type Store interface {
	Create(ctx context.Context, spec Spec) (string, error)
	Update(ctx context.Context, id string, u Update) error
	Get(ctx context.Context, id string) (*Job, error)
}
