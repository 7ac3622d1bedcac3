package proxycore

import (
	"testing"
	"time"
)

func TestPendingTableAddAndRemove(t *testing.T) {
	table := newPendingTable()
	req := &pendingRequest{ID: float64(1), Method: "tools/call", Tool: "read_file", StartTime: time.Now()}

	if !table.Add(float64(1), req) {
		t.Fatal("Add should succeed for a fresh id")
	}
	if table.Len() != 1 {
		t.Fatalf("Len = %d, want 1", table.Len())
	}

	got, ok := table.Remove(float64(1))
	if !ok {
		t.Fatal("Remove should find the request just added")
	}
	if got.Tool != "read_file" {
		t.Errorf("got tool %q, want read_file", got.Tool)
	}
	if table.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after Remove", table.Len())
	}
}

func TestPendingTableRejectsDuplicateID(t *testing.T) {
	table := newPendingTable()
	table.Add("dup", &pendingRequest{ID: "dup"})
	if table.Add("dup", &pendingRequest{ID: "dup"}) {
		t.Fatal("Add should reject a second request under the same id")
	}
}

func TestPendingTableRemoveIsExactlyOnce(t *testing.T) {
	table := newPendingTable()
	table.Add("x", &pendingRequest{ID: "x"})

	_, first := table.Remove("x")
	_, second := table.Remove("x")
	if !first {
		t.Fatal("first Remove should win the race")
	}
	if second {
		t.Fatal("second Remove should lose the race once the entry is gone")
	}
}

func TestPendingTableSnapshotAndRemoveByKey(t *testing.T) {
	table := newPendingTable()
	table.Add(float64(1), &pendingRequest{ID: float64(1), Tool: "a"})
	table.Add(float64(2), &pendingRequest{ID: float64(2), Tool: "b"})

	snap := table.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}

	for key := range snap {
		if _, ok := table.RemoveByKey(key); !ok {
			t.Fatalf("RemoveByKey(%q) failed", key)
		}
	}
	if table.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after draining via RemoveByKey", table.Len())
	}
}

func TestIdKeyDistinguishesTypes(t *testing.T) {
	if idKey("1") == idKey(float64(1)) {
		t.Fatal("string \"1\" and numeric 1 must not collide")
	}
	if idKey(nil) != idKey(nil) {
		t.Fatal("idKey(nil) must be stable")
	}
}
