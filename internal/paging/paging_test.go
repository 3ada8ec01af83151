package paging

import (
	"testing"

	"github.com/mistgo/streamcore/internal/track"
)

// buildKeyedTrack creates a track whose keys sit on the given times, each
// with uniform size and a single packet part.
func buildKeyedTrack(times []int64, size uint64) *track.Track {
	keys := make([]track.Key, len(times))
	for i, t := range times {
		keys[i] = track.Key{Time: t, Parts: 1, Size: size}
	}
	return &track.Track{ID: 1, Keys: keys}
}

func TestPlan_SizeCapFlip(t *testing.T) {
	// 11 keys at 0,1000,...,10000ms, each of size S; cap at 4S, target
	// duration 5000, min duration 1000. The open page's size first exceeds
	// the cap once key 5 is absorbed (5S > 4S), so the flip is taken at key 6
	// (0-based index 5): the first page closes after key 5 and the second
	// opens at key 6.
	const s = 10
	times := []int64{0, 1000, 2000, 3000, 4000, 5000, 6000, 7000, 8000, 9000, 10000}
	tr := buildKeyedTrack(times, s)

	policy := Policy{FlipDataPageSize: 4 * s, FlipTargetDuration: 5000, FlipMinDuration: 1000}
	pages, err := Plan(policy, tr)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	first, ok := pages[1]
	if !ok {
		t.Fatalf("no page starting at key 1")
	}
	if first.KeyNum != 5 {
		t.Errorf("first page KeyNum = %d, want 5", first.KeyNum)
	}

	second, ok := pages[6]
	if !ok {
		t.Fatalf("no page starting at key 6")
	}
	if second.KeyNum != 5 {
		t.Errorf("second page KeyNum = %d, want 5", second.KeyNum)
	}
}

func TestPlan_MinDurationSuppressesFlip(t *testing.T) {
	// Cap is tiny (so the size condition is true on every key after the
	// first) but FlipMinDuration is large, so no flip may occur until
	// enough time has passed.
	times := []int64{0, 500, 900, 1400, 3000}
	tr := buildKeyedTrack(times, 1)

	policy := Policy{FlipDataPageSize: 0, FlipTargetDuration: 100000, FlipMinDuration: 2000}
	pages, err := Plan(policy, tr)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("got %d pages, want 2: %+v", len(pages), pages)
	}
	first := pages[1]
	if first.KeyNum != 4 {
		t.Errorf("first page KeyNum = %d, want 4 (flip only once duration %d > 2000ms)", first.KeyNum, 3000)
	}
}

func TestPlan_EmptyTrack(t *testing.T) {
	tr := &track.Track{ID: 1}
	pages, err := Plan(DefaultPolicy, tr)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(pages) != 0 {
		t.Errorf("got %d pages for empty track, want 0", len(pages))
	}
}

func TestPlan_RequiresKeySizes(t *testing.T) {
	tr := &track.Track{ID: 1, Keys: []track.Key{{Time: 0, Parts: 1}}}
	if _, err := Plan(DefaultPolicy, tr); err == nil {
		t.Fatal("Plan with zero key sizes: want error, got nil")
	}
}

func TestPlanFromPackets_MatchesSizeBasedPlan(t *testing.T) {
	const s = 10
	times := []int64{0, 1000, 2000, 3000, 4000, 5000, 6000, 7000, 8000, 9000, 10000}
	tr := buildKeyedTrack(times, s)
	policy := Policy{FlipDataPageSize: 4 * s, FlipTargetDuration: 5000, FlipMinDuration: 1000}

	want, err := Plan(policy, tr)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	packets := make(chan track.Packet, len(times))
	for _, ti := range times {
		packets <- track.NewPacket(1, ti, make([]byte, s))
	}
	close(packets)

	got, err := PlanFromPackets(policy, tr, packets)
	if err != nil {
		t.Fatalf("PlanFromPackets: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("got %d pages, want %d", len(got), len(want))
	}
	for fk, wp := range want {
		gp, ok := got[fk]
		if !ok {
			t.Fatalf("PlanFromPackets missing page at firstKey %d", fk)
		}
		if gp.KeyNum != wp.KeyNum || gp.DataSize != wp.DataSize || gp.FirstTime != wp.FirstTime {
			t.Errorf("page at %d = %+v, want %+v", fk, gp, wp)
		}
	}
}

func TestPlanFromPackets_MultiPartKey(t *testing.T) {
	// A single key spanning 3 packets must not be split mid-key even
	// though the running dataSize crosses the cap partway through it.
	tr := &track.Track{
		ID: 1,
		Keys: []track.Key{
			{Time: 0, Parts: 3},
			{Time: 2000, Parts: 1},
		},
	}
	packets := make(chan track.Packet, 4)
	packets <- track.NewPacket(1, 0, make([]byte, 5))
	packets <- track.NewPacket(1, 0, make([]byte, 5))
	packets <- track.NewPacket(1, 0, make([]byte, 5))
	packets <- track.NewPacket(1, 2000, make([]byte, 5))
	close(packets)

	policy := Policy{FlipDataPageSize: 10, FlipTargetDuration: 100000, FlipMinDuration: 0}
	pages, err := PlanFromPackets(policy, tr, packets)
	if err != nil {
		t.Fatalf("PlanFromPackets: %v", err)
	}

	first, ok := pages[1]
	if !ok {
		t.Fatalf("no page at key 1")
	}
	if first.KeyNum != 1 || first.PartNum != 3 {
		t.Errorf("first page = %+v, want KeyNum=1 PartNum=3", first)
	}
	if _, ok := pages[2]; !ok {
		t.Errorf("expected a second page starting at key 2")
	}
}

func TestPageFor(t *testing.T) {
	pages := map[uint32]track.Page{
		1:  {FirstKey: 1, KeyNum: 5},
		6:  {FirstKey: 6, KeyNum: 5},
		11: {FirstKey: 11, KeyNum: 3},
	}

	cases := []struct {
		key     uint32
		want    uint32
		wantOK  bool
	}{
		{key: 1, want: 1, wantOK: true},
		{key: 5, want: 1, wantOK: true},
		{key: 6, want: 6, wantOK: true},
		{key: 13, want: 11, wantOK: true},
		{key: 0, want: 0, wantOK: false},
	}
	for _, c := range cases {
		got, ok := PageFor(pages, c.key)
		if ok != c.wantOK {
			t.Errorf("PageFor(%d) ok = %v, want %v", c.key, ok, c.wantOK)
			continue
		}
		if ok && got.FirstKey != c.want {
			t.Errorf("PageFor(%d) = page %d, want %d", c.key, got.FirstKey, c.want)
		}
	}
}
