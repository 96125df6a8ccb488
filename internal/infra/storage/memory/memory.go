package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/remediator/internal/core/domain"
	"github.com/vietddude/remediator/internal/infra/storage"
)

// MemoryStorage is an in-process StateStore. A single lock covers every
// operation, which makes Apply trivially atomic.
type MemoryStorage struct {
	runs      map[string]*domain.RunRecord
	lastQuery *time.Time
	threshold int
	now       func() time.Time
	mu        sync.RWMutex
}

// NewMemoryStorage creates an empty store. threshold is the budget reported
// for runs that have never been recorded.
func NewMemoryStorage(threshold int) *MemoryStorage {
	return &MemoryStorage{
		runs:      make(map[string]*domain.RunRecord),
		threshold: threshold,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

var _ storage.StateStore = (*MemoryStorage)(nil)

// getOrCreate must be called with mu held for writing.
func (s *MemoryStorage) getOrCreate(runID string) *domain.RunRecord {
	rec, ok := s.runs[runID]
	if !ok {
		rec = &domain.RunRecord{
			RunID:      runID,
			RetryCount: s.threshold,
			Status:     domain.RunStatusUnknown,
		}
		s.runs[runID] = rec
	}
	return rec
}

func (s *MemoryStorage) UpsertRun(
	ctx context.Context,
	runID, pipelineID string,
	status domain.RunStatus,
	retryCount int,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent := ""
	if old, ok := s.runs[runID]; ok {
		parent = old.ParentRunID
	}
	s.runs[runID] = &domain.RunRecord{
		RunID:       runID,
		PipelineID:  pipelineID,
		RetryCount:  retryCount,
		Status:      status,
		LastUpdated: s.now(),
		ParentRunID: parent,
	}
	return nil
}

func (s *MemoryStorage) GetRetryCount(ctx context.Context, runID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.runs[runID]; ok {
		return rec.RetryCount, nil
	}
	return s.threshold, nil
}

func (s *MemoryStorage) SetRetryCount(ctx context.Context, runID string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.getOrCreate(runID)
	rec.RetryCount = n
	rec.LastUpdated = s.now()
	return nil
}

func (s *MemoryStorage) UpdateStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.getOrCreate(runID)
	rec.Status = status
	rec.LastUpdated = s.now()
	return nil
}

func (s *MemoryStorage) GetStatus(ctx context.Context, runID string) (domain.RunStatus, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[runID]
	if !ok {
		return "", false, nil
	}
	return rec.Status, true, nil
}

func (s *MemoryStorage) GetRun(ctx context.Context, runID string) (*domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[runID]
	if !ok {
		return nil, storage.ErrRunNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStorage) ListRuns(ctx context.Context, filter storage.RunFilter) ([]*domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].LastUpdated.After(out[j].LastUpdated)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStorage) SeedRun(
	ctx context.Context,
	runID, pipelineID, parentRunID string,
	retryCount int,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.getOrCreate(runID)
	if rec.PipelineID == "" {
		rec.PipelineID = pipelineID
	}
	rec.ParentRunID = parentRunID
	if rec.Status == domain.RunStatusUnknown {
		rec.RetryCount = retryCount
	}
	rec.LastUpdated = s.now()
	return nil
}

func (s *MemoryStorage) Apply(ctx context.Context, runID string, fn storage.ApplyFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec domain.RunRecord
	if old, ok := s.runs[runID]; ok {
		rec = *old
	} else {
		rec = domain.RunRecord{RunID: runID, RetryCount: s.threshold, Status: domain.RunStatusUnknown}
	}
	if err := fn(&rec); err != nil {
		return err
	}
	rec.RunID = runID
	rec.LastUpdated = s.now()
	s.runs[runID] = &rec
	return nil
}

func (s *MemoryStorage) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.runs {
		if rec.Status.Final() && rec.LastUpdated.Before(before) {
			delete(s.runs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStorage) GetLastQueryTime(ctx context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastQuery == nil {
		return time.Time{}, false, nil
	}
	return *s.lastQuery, true, nil
}

func (s *MemoryStorage) SetLastQueryTime(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := t.UTC()
	s.lastQuery = &u
	return nil
}

func (s *MemoryStorage) Close() error { return nil }
