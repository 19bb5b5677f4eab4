package usecase_test

import (
	"testing"
	"time"

	"promptsync/internal/domain/model"
	"promptsync/internal/usecase"
)

func pairAt(t0 time.Time, localAt, remoteAt time.Time, localContent, remoteContent string) (*model.Prompt, *model.RemoteRecord) {
	mark := t0
	local := &model.Prompt{
		ID:         "p-1",
		Name:       "greeting",
		Content:    localContent,
		RemoteID:   "r-1",
		LastSyncAt: &mark,
		UpdatedAt:  localAt,
	}
	remote := &model.RemoteRecord{
		ID:        "r-1",
		Name:      "greeting",
		Content:   remoteContent,
		UpdatedAt: remoteAt,
	}
	return local, remote
}

func TestDetectConflict(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("identical content is a no-op regardless of timestamps", func(t *testing.T) {
		local, remote := pairAt(t0, t0.Add(10*time.Minute), t0.Add(5*time.Minute), "hello", "hello")

		if v := usecase.DetectConflict(local, remote); v != usecase.VerdictNoChange {
			t.Errorf("expected VerdictNoChange, got %v", v)
		}
	})

	t.Run("only local changed since watermark: local wins", func(t *testing.T) {
		// local at T+10, remote at T+5, lastSyncAt=T
		local, remote := pairAt(t0, t0.Add(10*time.Minute), t0.Add(5*time.Minute), "edited locally", "hello")
		remote.UpdatedAt = t0.Add(-5 * time.Minute)

		if v := usecase.DetectConflict(local, remote); v != usecase.VerdictKeepLocal {
			t.Errorf("expected VerdictKeepLocal, got %v", v)
		}
	})

	t.Run("only remote changed since watermark: normal update", func(t *testing.T) {
		local, remote := pairAt(t0, t0.Add(-time.Minute), t0.Add(5*time.Minute), "hello", "edited remotely")

		if v := usecase.DetectConflict(local, remote); v != usecase.VerdictApplyRemote {
			t.Errorf("expected VerdictApplyRemote, got %v", v)
		}
	})

	t.Run("both diverged with differing content: conflict", func(t *testing.T) {
		local, remote := pairAt(t0, t0.Add(10*time.Minute), t0.Add(5*time.Minute), "local edit", "remote edit")

		if v := usecase.DetectConflict(local, remote); v != usecase.VerdictConflict {
			t.Errorf("expected VerdictConflict, got %v", v)
		}
	})

	t.Run("no watermark: remote copy is authoritative", func(t *testing.T) {
		local, remote := pairAt(t0, t0.Add(10*time.Minute), t0.Add(5*time.Minute), "local", "remote")
		local.LastSyncAt = nil

		if v := usecase.DetectConflict(local, remote); v != usecase.VerdictApplyRemote {
			t.Errorf("expected VerdictApplyRemote, got %v", v)
		}
	})

	t.Run("tag-only difference still counts as changed content", func(t *testing.T) {
		local, remote := pairAt(t0, t0.Add(10*time.Minute), t0.Add(5*time.Minute), "same", "same")
		local.Tags = []string{"a"}
		remote.Tags = []string{"a", "b"}

		if v := usecase.DetectConflict(local, remote); v != usecase.VerdictConflict {
			t.Errorf("expected VerdictConflict, got %v", v)
		}
	})
}

func TestResolveConflict(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	local, remote := pairAt(t0, t0.Add(10*time.Minute), t0.Add(20*time.Minute), "local edit", "remote edit")
	conflict := model.NewConflict(local, remote, "both sides changed")

	t.Run("manual records only", func(t *testing.T) {
		res := usecase.ResolveConflict(&conflict, model.ResolveManual)
		if res.Resolved || res.Apply {
			t.Errorf("manual policy must not resolve or mutate, got %+v", res)
		}
	})

	t.Run("local-wins resolves without applying remote", func(t *testing.T) {
		res := usecase.ResolveConflict(&conflict, model.ResolveLocalWins)
		if !res.Resolved || res.Apply {
			t.Errorf("expected resolved without apply, got %+v", res)
		}
	})

	t.Run("remote-wins resolves and applies", func(t *testing.T) {
		res := usecase.ResolveConflict(&conflict, model.ResolveRemoteWins)
		if !res.Resolved || !res.Apply {
			t.Errorf("expected resolved with apply, got %+v", res)
		}
	})

	t.Run("newest-wins picks the later side and is idempotent", func(t *testing.T) {
		first := usecase.ResolveConflict(&conflict, model.ResolveNewestWins)
		second := usecase.ResolveConflict(&conflict, model.ResolveNewestWins)

		if !first.Resolved || !first.Apply {
			t.Errorf("remote is newer, expected apply, got %+v", first)
		}
		if first != second {
			t.Errorf("resolution not deterministic: %+v vs %+v", first, second)
		}
	})

	t.Run("newest-wins tie keeps local", func(t *testing.T) {
		tied := conflict
		tied.RemoteSnapshot.UpdatedAt = tied.LocalSnapshot.UpdatedAt

		res := usecase.ResolveConflict(&tied, model.ResolveNewestWins)
		if !res.Resolved || res.Apply {
			t.Errorf("expected tie to keep local, got %+v", res)
		}
	})
}
