package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/remediator/internal/core/domain"
)

var (
	// ErrStorage matches every error returned for an underlying I/O failure.
	ErrStorage = errors.New("storage failure")

	// ErrRunNotFound is returned when a run record doesn't exist.
	ErrRunNotFound = errors.New("run not found")
)

// Error wraps a backend failure with the operation that caused it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStorage) true for every *Error.
func (e *Error) Is(target error) bool { return target == ErrStorage }

// Wrap returns nil for a nil err, otherwise an *Error for op.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// ApplyFunc mutates a run record inside StateStore.Apply. A record that did
// not exist yet is passed with status unknown and the default budget.
type ApplyFunc func(rec *domain.RunRecord) error

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status domain.RunStatus // empty = any
	Limit  int              // 0 = no limit
}

// StateStore is the only mutation surface for run records and the watermark.
// Every operation is atomic with respect to other callers on the same run id.
type StateStore interface {
	// UpsertRun inserts or fully overwrites a record.
	UpsertRun(ctx context.Context, runID, pipelineID string, status domain.RunStatus, retryCount int) error

	// GetRetryCount returns the remaining budget, or the default threshold
	// for a run that has never been recorded.
	GetRetryCount(ctx context.Context, runID string) (int, error)

	// SetRetryCount sets the budget unconditionally, creating the record on miss.
	SetRetryCount(ctx context.Context, runID string, n int) error

	// UpdateStatus sets status and timestamp, creating the record on miss.
	UpdateStatus(ctx context.Context, runID string, status domain.RunStatus) error

	// GetStatus returns the stored status and whether a record exists.
	GetStatus(ctx context.Context, runID string) (domain.RunStatus, bool, error)

	// GetRun returns a copy of the record, or ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (*domain.RunRecord, error)

	// ListRuns returns records ordered by most recent update first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*domain.RunRecord, error)

	// SeedRun records a rerun's lineage and inherited budget. An existing
	// record keeps its status and only gains the parent link and budget.
	SeedRun(ctx context.Context, runID, pipelineID, parentRunID string, retryCount int) error

	// Apply runs fn as one read-modify-write on the record.
	Apply(ctx context.Context, runID string, fn ApplyFunc) error

	// PruneRuns deletes records in a final status last updated before the
	// cutoff and returns how many were removed.
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	// GetLastQueryTime returns the watermark and whether one was stored.
	GetLastQueryTime(ctx context.Context) (time.Time, bool, error)

	// SetLastQueryTime stores the watermark.
	SetLastQueryTime(ctx context.Context, t time.Time) error

	Close() error
}
