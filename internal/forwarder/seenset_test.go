package forwarder

import "testing"

func TestSeenSetInsertAndContains(t *testing.T) {
	s := newSeenSet(10)
	if s.Contains("a") {
		t.Fatal("empty set should not contain a")
	}
	s.Insert("a")
	if !s.Contains("a") {
		t.Error("set should contain a after insert")
	}
}

func TestSeenSetEvictsOldestBeyondLimit(t *testing.T) {
	s := newSeenSet(3)
	s.Insert("a")
	s.Insert("b")
	s.Insert("c")
	s.Insert("d")

	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}
	if s.Contains("a") {
		t.Error("oldest entry a should have been evicted")
	}
	for _, id := range []string{"b", "c", "d"} {
		if !s.Contains(id) {
			t.Errorf("expected %s to still be present", id)
		}
	}
}

func TestSeenSetInsertIsIdempotent(t *testing.T) {
	s := newSeenSet(2)
	s.Insert("a")
	s.Insert("a")
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after re-inserting a", s.Len())
	}
}
