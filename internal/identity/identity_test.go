package identity

import "testing"

func TestBindLookupReverseLookup(t *testing.T) {
	r := New()
	r.Bind(1, "p-1")

	got, ok := r.Lookup(1)
	if !ok || got != "p-1" {
		t.Fatalf("Lookup(1) = (%q, %v), want (p-1, true)", got, ok)
	}
	wid, ok := r.ReverseLookup("p-1")
	if !ok || wid != 1 {
		t.Fatalf("ReverseLookup(p-1) = (%d, %v), want (1, true)", wid, ok)
	}
}

func TestBindRebindDropsOldReverseMapping(t *testing.T) {
	r := New()
	r.Bind(1, "p-1")
	r.Bind(1, "p-2")

	if _, ok := r.ReverseLookup("p-1"); ok {
		t.Error("ReverseLookup(p-1) still bound after rebinding window 1 to p-2")
	}
	wid, ok := r.ReverseLookup("p-2")
	if !ok || wid != 1 {
		t.Fatalf("ReverseLookup(p-2) = (%d, %v), want (1, true)", wid, ok)
	}
}

func TestUnbindClearsForwardAndReverse(t *testing.T) {
	r := New()
	r.Bind(1, "p-1")
	r.Unbind(1)

	if _, ok := r.Lookup(1); ok {
		t.Error("Lookup(1) still bound after Unbind")
	}
	if _, ok := r.ReverseLookup("p-1"); ok {
		t.Error("ReverseLookup(p-1) still bound after Unbind")
	}
}

func TestUnbindUnknownWindowIsNoop(t *testing.T) {
	r := New()
	r.Unbind(99)
	if _, ok := r.Lookup(99); ok {
		t.Fatal("Lookup(99) unexpectedly bound")
	}
}

func TestSnapshotPreservesBindOrder(t *testing.T) {
	r := New()
	r.Bind(3, "p-3")
	r.Bind(1, "p-1")
	r.Bind(2, "p-2")

	got := r.Snapshot()
	want := []Mapping{{WindowID: 3, PermanentID: "p-3"}, {WindowID: 1, PermanentID: "p-1"}, {WindowID: 2, PermanentID: "p-2"}}
	if len(got) != len(want) {
		t.Fatalf("Snapshot() = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Snapshot()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRestoreReplacesContents(t *testing.T) {
	r := New()
	r.Bind(1, "p-1")

	r.Restore([]Mapping{{WindowID: 5, PermanentID: "p-5"}})

	if _, ok := r.Lookup(1); ok {
		t.Error("Lookup(1) still present after Restore discarded it")
	}
	got, ok := r.Lookup(5)
	if !ok || got != "p-5" {
		t.Fatalf("Lookup(5) = (%q, %v), want (p-5, true)", got, ok)
	}
}

func TestNewPermanentIDIsUnique(t *testing.T) {
	a := NewPermanentID()
	b := NewPermanentID()
	if a == b {
		t.Fatalf("NewPermanentID produced duplicate ids: %q", a)
	}
}
