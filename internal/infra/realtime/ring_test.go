package realtime

import (
	"strconv"
	"testing"

	"promptsync/internal/domain/model"
	"promptsync/internal/domain/ports/adapter"
)

func rev(id string) adapter.ChangeEvent {
	return adapter.ChangeEvent{Kind: adapter.ChangeInsert, Record: model.RemoteRecord{ID: id}}
}

func TestRingKeepsNewestWhenFull(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Append(rev(strconv.Itoa(i)))
	}

	if r.Len() != 3 {
		t.Fatalf("expected capped size 3, got %d", r.Len())
	}
	got := r.Snapshot()
	want := []string{"2", "3", "4"}
	for i := range want {
		if got[i].Record.ID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i].Record.ID)
		}
	}
}

func TestRingSnapshotBeforeFull(t *testing.T) {
	r := NewRing(8)
	r.Append(rev("a"))
	r.Append(rev("b"))

	got := r.Snapshot()
	if len(got) != 2 || got[0].Record.ID != "a" || got[1].Record.ID != "b" {
		t.Errorf("unexpected snapshot: %+v", got)
	}
}
