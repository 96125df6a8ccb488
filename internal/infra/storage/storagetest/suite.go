// Package storagetest holds behaviour tests shared by every StateStore backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/remediator/internal/core/domain"
	"github.com/vietddude/remediator/internal/infra/storage"
)

// Factory opens a fresh, empty store with the given default threshold.
type Factory func(t *testing.T, threshold int) storage.StateStore

// Run exercises the StateStore contract against a backend.
func Run(t *testing.T, newStore Factory) {
	t.Run("RetryCountDefaultsToThreshold", func(t *testing.T) {
		s := newStore(t, 3)
		n, err := s.GetRetryCount(context.Background(), "never-seen")
		if err != nil {
			t.Fatalf("GetRetryCount: %v", err)
		}
		if n != 3 {
			t.Errorf("retry count = %d, want 3", n)
		}
	})

	t.Run("UpdateStatusUpsertsOnMiss", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, 2)
		if err := s.UpdateStatus(ctx, "run-x", domain.RunStatusRetrying); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
		status, found, err := s.GetStatus(ctx, "run-x")
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if !found || status != domain.RunStatusRetrying {
			t.Errorf("status = %q found = %v", status, found)
		}
		rec, err := s.GetRun(ctx, "run-x")
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if rec.LastUpdated.IsZero() {
			t.Error("expected timestamp to be set")
		}
	})

	t.Run("GetStatusAbsent", func(t *testing.T) {
		s := newStore(t, 2)
		_, found, err := s.GetStatus(context.Background(), "nope")
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if found {
			t.Error("expected no record")
		}
		if _, err := s.GetRun(context.Background(), "nope"); !errors.Is(err, storage.ErrRunNotFound) {
			t.Errorf("GetRun err = %v, want ErrRunNotFound", err)
		}
	})

	t.Run("UpsertOverwrites", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, 2)
		if err := s.SetRetryCount(ctx, "r3", 0); err != nil {
			t.Fatalf("SetRetryCount: %v", err)
		}
		if err := s.UpsertRun(ctx, "r3", "copy_sales", domain.RunStatusSucceeded, 2); err != nil {
			t.Fatalf("UpsertRun: %v", err)
		}
		rec, err := s.GetRun(ctx, "r3")
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if rec.RetryCount != 2 || rec.Status != domain.RunStatusSucceeded || rec.PipelineID != "copy_sales" {
			t.Errorf("unexpected record %+v", rec)
		}
	})

	t.Run("SeedRunKeepsExistingStatus", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, 3)
		if err := s.SeedRun(ctx, "child", "p", "parent", 1); err != nil {
			t.Fatalf("SeedRun: %v", err)
		}
		rec, err := s.GetRun(ctx, "child")
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if rec.ParentRunID != "parent" || rec.RetryCount != 1 || rec.Status != domain.RunStatusUnknown {
			t.Errorf("unexpected seeded record %+v", rec)
		}

		if err := s.UpsertRun(ctx, "child2", "p", domain.RunStatusSucceeded, 3); err != nil {
			t.Fatalf("UpsertRun: %v", err)
		}
		if err := s.SeedRun(ctx, "child2", "p", "parent", 0); err != nil {
			t.Fatalf("SeedRun: %v", err)
		}
		rec, _ = s.GetRun(ctx, "child2")
		if rec.Status != domain.RunStatusSucceeded || rec.RetryCount != 3 || rec.ParentRunID != "parent" {
			t.Errorf("seed overwrote settled record: %+v", rec)
		}
	})

	t.Run("ApplyCreatesWithDefaults", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, 4)
		var seen domain.RunRecord
		err := s.Apply(ctx, "fresh", func(rec *domain.RunRecord) error {
			seen = *rec
			rec.RetryCount--
			rec.Status = domain.RunStatusRetrying
			rec.PipelineID = "p"
			return nil
		})
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if seen.RetryCount != 4 || seen.Status != domain.RunStatusUnknown {
			t.Errorf("apply saw %+v", seen)
		}
		rec, _ := s.GetRun(ctx, "fresh")
		if rec.RetryCount != 3 || rec.Status != domain.RunStatusRetrying {
			t.Errorf("unexpected record %+v", rec)
		}
	})

	t.Run("ApplyErrorLeavesRecord", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, 2)
		_ = s.UpsertRun(ctx, "r", "p", domain.RunStatusUnknown, 2)
		boom := errors.New("boom")
		err := s.Apply(ctx, "r", func(rec *domain.RunRecord) error {
			rec.RetryCount = 0
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Apply err = %v, want boom", err)
		}
		n, _ := s.GetRetryCount(ctx, "r")
		if n != 2 {
			t.Errorf("retry count = %d, want 2", n)
		}
	})

	t.Run("ApplyIsAtomicPerRun", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, 40)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.Apply(ctx, "contended", func(rec *domain.RunRecord) error {
					rec.RetryCount--
					return nil
				})
			}()
		}
		wg.Wait()
		n, err := s.GetRetryCount(ctx, "contended")
		if err != nil {
			t.Fatalf("GetRetryCount: %v", err)
		}
		if n != 20 {
			t.Errorf("retry count = %d, want 20", n)
		}
	})

	t.Run("ListRunsFilters", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, 2)
		for i := 0; i < 3; i++ {
			_ = s.UpdateStatus(ctx, fmt.Sprintf("ok-%d", i), domain.RunStatusSucceeded)
		}
		_ = s.UpdateStatus(ctx, "bad", domain.RunStatusFailedNoRetry)

		all, err := s.ListRuns(ctx, storage.RunFilter{})
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(all) != 4 {
			t.Errorf("len = %d, want 4", len(all))
		}
		failed, _ := s.ListRuns(ctx, storage.RunFilter{Status: domain.RunStatusFailedNoRetry})
		if len(failed) != 1 || failed[0].RunID != "bad" {
			t.Errorf("unexpected filtered result %+v", failed)
		}
		limited, _ := s.ListRuns(ctx, storage.RunFilter{Limit: 2})
		if len(limited) != 2 {
			t.Errorf("len = %d, want 2", len(limited))
		}
	})

	t.Run("Watermark", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, 2)
		if _, found, err := s.GetLastQueryTime(ctx); err != nil || found {
			t.Fatalf("expected no watermark, found=%v err=%v", found, err)
		}
		want := time.Date(2024, 5, 1, 10, 30, 0, 123456000, time.UTC)
		if err := s.SetLastQueryTime(ctx, want); err != nil {
			t.Fatalf("SetLastQueryTime: %v", err)
		}
		got, found, err := s.GetLastQueryTime(ctx)
		if err != nil || !found {
			t.Fatalf("GetLastQueryTime found=%v err=%v", found, err)
		}
		if !got.Equal(want) {
			t.Errorf("watermark = %v, want %v", got, want)
		}
	})

	t.Run("PruneRunsKeepsActiveRecords", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, 2)
		seed := map[string]domain.RunStatus{
			"done":       domain.RunStatusSucceeded,
			"given-up":   domain.RunStatusFailedNoRetry,
			"replaced":   domain.RunStatusSuperseded,
			"in-flight":  domain.RunStatusRetrying,
			"rejected":   domain.RunStatusFailedRerunError,
			"not-judged": domain.RunStatusUnknown,
		}
		for id, status := range seed {
			if err := s.UpsertRun(ctx, id, "p", status, 1); err != nil {
				t.Fatalf("UpsertRun %s: %v", id, err)
			}
		}

		n, err := s.PruneRuns(ctx, time.Now().Add(-time.Hour))
		if err != nil || n != 0 {
			t.Fatalf("recent records pruned: n=%d err=%v", n, err)
		}

		n, err = s.PruneRuns(ctx, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("PruneRuns: %v", err)
		}
		if n != 3 {
			t.Errorf("pruned %d records, want 3", n)
		}
		left, _ := s.ListRuns(ctx, storage.RunFilter{})
		if len(left) != 3 {
			t.Fatalf("left = %+v", left)
		}
		for _, rec := range left {
			if rec.Status.Final() {
				t.Errorf("final record %s survived pruning", rec.RunID)
			}
		}
	})
}
