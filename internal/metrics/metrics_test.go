package metrics

import "testing"

func TestCounters(t *testing.T) {
	m := New()
	m.IncPagesBuffered()
	m.IncPagesBuffered()
	m.IncPagesEvicted()
	m.IncCacheHits()
	m.IncAPIRequests()
	m.IncFailedAuths()

	snap := m.Snapshot()
	if snap.PagesBuffered != 2 {
		t.Errorf("PagesBuffered = %d, want 2", snap.PagesBuffered)
	}
	if snap.PagesEvicted != 1 {
		t.Errorf("PagesEvicted = %d, want 1", snap.PagesEvicted)
	}
	if snap.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", snap.CacheHits)
	}
	if snap.APIRequests != 1 {
		t.Errorf("APIRequests = %d, want 1", snap.APIRequests)
	}
	if snap.FailedAuths != 1 {
		t.Errorf("FailedAuths = %d, want 1", snap.FailedAuths)
	}
}
