package job

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// ItemStatus is the status of a single identifier within a batch.
type ItemStatus string

const (
	ItemSuccess ItemStatus = "success"
	ItemError   ItemStatus = "error"
)

// Job is a probe batch. Results is ordered like Identifiers and always has
// Progress entries.
type Job struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	Progress    int       `json:"progress"`
	Total       int       `json:"total"`
	Identifiers []string  `json:"cnpjs"`
	Results     []Outcome `json:"results"`
	Error       *string   `json:"error"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Outcome is the result for one identifier. Registered is nil when no
// verdict could be reached.
type Outcome struct {
	Identifier string     `json:"cnpj"`
	Registered *bool      `json:"hasRegistration"`
	Status     ItemStatus `json:"status"`
	Message    string     `json:"message"`
	FinalURL   string     `json:"finalUrl,omitempty"`
	Method     string     `json:"method,omitempty"`
	Evidence   string     `json:"evidence,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Spec describes a job to create.
type Spec struct {
	Identifiers []string
}

// Update is a partial write. Nil fields are left untouched; Results, when
// set, replaces the whole slice.
type Update struct {
	Status   *Status
	Progress *int
	Results  []Outcome
	Error    *string
}

var (
	ErrNotFound     = errors.New("job not found")
	ErrInconsistent = errors.New("inconsistent job update")
)

func newJob(id string, spec Spec, now time.Time) *Job {
	ids := append([]string(nil), spec.Identifiers...)
	return &Job{
		ID:          id,
		Status:      StatusPending,
		Total:       len(ids),
		Identifiers: ids,
		Results:     []Outcome{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// apply merges u into j, refusing writes that would break
// progress == len(results) <= total.
func (j *Job) apply(u Update, now time.Time) error {
	progress, results := j.Progress, j.Results
	if u.Results != nil {
		results = append([]Outcome(nil), u.Results...)
		progress = len(results)
	}
	if u.Progress != nil {
		if *u.Progress != len(results) {
			return fmt.Errorf("%w: progress %d with %d results", ErrInconsistent, *u.Progress, len(results))
		}
		progress = *u.Progress
	}
	if progress > j.Total {
		return fmt.Errorf("%w: progress %d exceeds total %d", ErrInconsistent, progress, j.Total)
	}
	if progress < j.Progress {
		return fmt.Errorf("%w: progress moved back from %d to %d", ErrInconsistent, j.Progress, progress)
	}

	j.Progress, j.Results = progress, results
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.Error != nil {
		msg := *u.Error
		j.Error = &msg
	}
	j.UpdatedAt = now
	return nil
}

func (j *Job) clone() *Job {
	c := *j
	c.Identifiers = append([]string(nil), j.Identifiers...)
	c.Results = append([]Outcome{}, j.Results...)
	if j.Error != nil {
		msg := *j.Error
		c.Error = &msg
	}
	return &c
}

func StatusPtr(s Status) *Status { return &s }
