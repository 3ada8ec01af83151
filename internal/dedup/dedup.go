// Package dedup implements the pairwise-compare-and-restart structural
// dedup algorithm spec.md §4.5 requires for protocol entries, generalized
// to any comparable element type. Structurally grounded on the teacher's
// payload.Validator, which also compares structured values field-by-field
// under a tolerance list rather than with a simple equality check.
package dedup

// Dedup removes later duplicates from items: for each pair (i, j) with
// i < j, if equal(items[i], items[j]) holds, items[j] is dropped and the
// scan restarts from the beginning — matching spec.md §4.5's "on any equal
// pair, drop the second occurrence and restart" rule exactly, rather than a
// single linear pass, so a removal that makes two previously-distinct
// earlier entries newly adjacent-equal is still caught.
func Dedup[T any](items []T, equal func(a, b T) bool) []T {
	out := append([]T(nil), items...)
	for {
		restarted := false
		for i := 0; i < len(out) && !restarted; i++ {
			for j := i + 1; j < len(out); j++ {
				if equal(out[i], out[j]) {
					out = append(out[:j], out[j+1:]...)
					restarted = true
					break
				}
			}
		}
		if !restarted {
			return out
		}
	}
}
