//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"promptsync/internal/domain"
	"promptsync/internal/domain/model"
)

func TestJobRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}

	ctx := context.Background()
	tm := NewTxManager(testPool)
	repo := NewJobRepo(testPool, tm)

	newJob := func(t *testing.T, opts model.JobOptions) *model.Job {
		t.Helper()
		job, err := model.NewJob(model.JobTypeSync, map[string]any{"operation_id": "op-1"}, opts)
		if err != nil {
			t.Fatalf("new job: %v", err)
		}
		if err := repo.Save(ctx, nil, job); err != nil {
			t.Fatalf("save job: %v", err)
		}
		return job
	}

	t.Run("should save and reload a job with payload", func(t *testing.T) {
		cleanup(t)
		job := newJob(t, model.JobOptions{Priority: 3, Timeout: 90 * time.Second})

		got, err := repo.FindByID(ctx, nil, job.ID)
		if err != nil {
			t.Fatalf("find job: %v", err)
		}
		if got.Priority != 3 || got.Timeout != 90*time.Second {
			t.Errorf("round-trip lost fields: priority=%d timeout=%s", got.Priority, got.Timeout)
		}
		if got.Payload["operation_id"] != "op-1" {
			t.Errorf("payload lost: %v", got.Payload)
		}
	})

	t.Run("claim picks highest priority and flips to active", func(t *testing.T) {
		cleanup(t)
		low := newJob(t, model.JobOptions{Priority: 1})
		high := newJob(t, model.JobOptions{Priority: 9})

		claimed, err := repo.ClaimNext(ctx, time.Now())
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if claimed.ID != high.ID {
			t.Errorf("expected high-priority job %s, got %s", high.ID, claimed.ID)
		}
		if claimed.Status != model.JobStatusActive {
			t.Errorf("claimed job not active: %s", claimed.Status)
		}

		claimed, err = repo.ClaimNext(ctx, time.Now())
		if err != nil {
			t.Fatalf("second claim: %v", err)
		}
		if claimed.ID != low.ID {
			t.Errorf("expected remaining job %s, got %s", low.ID, claimed.ID)
		}
	})

	t.Run("claim skips delayed jobs", func(t *testing.T) {
		cleanup(t)
		newJob(t, model.JobOptions{Delay: time.Hour})

		_, err := repo.ClaimNext(ctx, time.Now())
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for delayed job, got %v", err)
		}
	})

	t.Run("claim never double-claims under concurrency", func(t *testing.T) {
		cleanup(t)
		newJob(t, model.JobOptions{})

		type res struct {
			job *model.Job
			err error
		}
		results := make(chan res, 2)
		for i := 0; i < 2; i++ {
			go func() {
				j, err := repo.ClaimNext(ctx, time.Now())
				results <- res{j, err}
			}()
		}
		var claims int
		for i := 0; i < 2; i++ {
			r := <-results
			if r.err == nil {
				claims++
			} else if !errors.Is(r.err, domain.ErrNotFound) {
				t.Fatalf("unexpected claim error: %v", r.err)
			}
		}
		if claims != 1 {
			t.Errorf("expected exactly 1 successful claim, got %d", claims)
		}
	})

	t.Run("cancel and cancellation flag", func(t *testing.T) {
		cleanup(t)
		job := newJob(t, model.JobOptions{})

		if err := repo.CancelByID(ctx, job.ID); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		cancelled, err := repo.IsCancelled(ctx, job.ID)
		if err != nil {
			t.Fatalf("isCancelled: %v", err)
		}
		if !cancelled {
			t.Error("expected cancelled flag")
		}
		if err := repo.CancelByID(ctx, job.ID); !errors.Is(err, domain.ErrJobNotCancellable) {
			t.Errorf("cancelling twice should report not cancellable, got %v", err)
		}
	})

	t.Run("resetFailed requeues failed jobs only", func(t *testing.T) {
		cleanup(t)
		failed := newJob(t, model.JobOptions{})
		failed.Status = model.JobStatusFailed
		failed.Attempts = 3
		if err := repo.Save(ctx, nil, failed); err != nil {
			t.Fatalf("save failed job: %v", err)
		}
		newJob(t, model.JobOptions{}) // stays pending

		n, err := repo.ResetFailed(ctx)
		if err != nil {
			t.Fatalf("resetFailed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 reset, got %d", n)
		}
		got, _ := repo.FindByID(ctx, nil, failed.ID)
		if got.Status != model.JobStatusPending || got.Attempts != 0 {
			t.Errorf("failed job not reset: status=%s attempts=%d", got.Status, got.Attempts)
		}
	})

	t.Run("deleteTerminalBefore prunes old terminal jobs", func(t *testing.T) {
		cleanup(t)
		old := newJob(t, model.JobOptions{})
		old.Status = model.JobStatusCompleted
		if err := repo.Save(ctx, nil, old); err != nil {
			t.Fatalf("save: %v", err)
		}
		// Backdate past the cutoff.
		if _, err := testPool.Exec(ctx, `UPDATE jobs SET updated_at = NOW() - INTERVAL '48 hours' WHERE id = $1`, old.ID); err != nil {
			t.Fatalf("backdate: %v", err)
		}
		newJob(t, model.JobOptions{})

		n, err := repo.DeleteTerminalBefore(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 pruned, got %d", n)
		}
	})
}

func TestRecurringJobRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}

	ctx := context.Background()
	repo := NewRecurringJobRepo(testPool)

	t.Run("save, reload, disable, delete", func(t *testing.T) {
		cleanup(t)
		spec, err := model.NewRecurringJobSpec(model.JobTypeCleanup, nil, time.Hour, 0)
		if err != nil {
			t.Fatalf("new spec: %v", err)
		}
		if err := repo.Save(ctx, nil, spec); err != nil {
			t.Fatalf("save: %v", err)
		}

		got, err := repo.FindByID(ctx, nil, spec.ID)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if got.Interval != time.Hour || !got.Enabled {
			t.Errorf("round-trip lost fields: %+v", got)
		}

		if err := repo.SetEnabled(ctx, spec.ID, false); err != nil {
			t.Fatalf("disable: %v", err)
		}
		got, _ = repo.FindByID(ctx, nil, spec.ID)
		if got.Enabled {
			t.Error("spec still enabled")
		}

		if err := repo.Delete(ctx, spec.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := repo.FindByID(ctx, nil, spec.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})
}
