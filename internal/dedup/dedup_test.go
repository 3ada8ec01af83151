package dedup

import "testing"

func TestDedup_RemovesLaterDuplicate(t *testing.T) {
	got := Dedup([]int{1, 2, 2, 3}, func(a, b int) bool { return a == b })
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestDedup_RestartsAfterRemoval(t *testing.T) {
	// After removing index 2 (duplicate of 0), indices 1 and 2 (now "b","b")
	// become adjacent duplicates and must also be caught by the restart.
	got := Dedup([]string{"a", "b", "a", "b"}, func(a, b string) bool { return a == b })
	want := []string{"a", "b"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDedup_EmptyAndNoDuplicates(t *testing.T) {
	if got := Dedup([]int{}, func(a, b int) bool { return a == b }); len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
	got := Dedup([]int{1, 2, 3}, func(a, b int) bool { return a == b })
	if len(got) != 3 {
		t.Fatalf("got %v, want 3 elements unchanged", got)
	}
}
