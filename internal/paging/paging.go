// Package paging implements the Paging Planner: it groups a track's keys
// into cache-sized Pages given the (size, duration, min-duration) flip
// policy described in spec.md §4.1.
package paging

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mistgo/streamcore/internal/track"
)

// Policy holds the tuning constants that decide when an open page flips
// (closes) and a new one opens. Defaults are tuning parameters; the same
// Policy value must be used for every planner run on a given stream so
// results are reproducible.
type Policy struct {
	FlipDataPageSize   uint64 // byte cap
	FlipTargetDuration int64  // ms target
	FlipMinDuration    int64  // ms minimum
}

// DefaultPolicy mirrors the constants historically used by MistServer.
var DefaultPolicy = Policy{
	FlipDataPageSize:   25 * 1024 * 1024,
	FlipTargetDuration: 10000,
	FlipMinDuration:    2000,
}

// ErrCorruptHeader is returned when the planner references a key index
// beyond the header's key array. The caller must remove the stream's .dtsh
// sidecar and abort planning; the supervisor's next boot regenerates it.
var ErrCorruptHeader = errors.New("paging: corrupt header, key index out of range")

// shouldFlip reports whether the currently open page must close before
// absorbing keyTime, per spec.md §4.1's two-part rule.
func shouldFlip(p Policy, openDataSize uint64, openFirstTime, keyTime int64) bool {
	overCapOrDuration := openDataSize > p.FlipDataPageSize || keyTime-openFirstTime > p.FlipTargetDuration
	overMin := keyTime-openFirstTime > p.FlipMinDuration
	return overCapOrDuration && overMin
}

// Plan groups t's keys into pages using per-key sizes. It requires
// t.HasKeySizes() — callers without known sizes must use PlanFromPackets.
func Plan(p Policy, t *track.Track) (map[uint32]track.Page, error) {
	pages := make(map[uint32]track.Page)
	if len(t.Keys) == 0 {
		return pages, nil
	}
	if !t.HasKeySizes() {
		return nil, fmt.Errorf("paging: track %d: missing key sizes, use PlanFromPackets", t.ID)
	}

	firstKey := uint32(1)
	cur := track.Page{FirstKey: firstKey, FirstTime: t.Keys[0].Time}

	for _, k := range t.Keys {
		if cur.KeyNum > 0 && shouldFlip(p, cur.DataSize, cur.FirstTime, k.Time) {
			pages[cur.FirstKey] = cur
			firstKey += cur.KeyNum
			cur = track.Page{FirstKey: firstKey, FirstTime: k.Time}
		}
		cur.KeyNum++
		cur.PartNum += k.Parts
		cur.DataSize += k.Size
	}
	pages[cur.FirstKey] = cur
	return pages, nil
}

// bookkeeping tracks per-track planning state while replaying the packet
// stream (the path used when per-key sizes are unavailable).
type bookkeeping struct {
	curKey  int
	partsIn uint32 // packets accumulated for the key currently being closed
	cur     track.Page
}

// PlanFromPackets groups t's keys into pages by replaying the packet stream,
// incrementing the open page's dataSize/partNum per packet and only
// considering a page boundary at key boundaries (partsConsumed ==
// key.Parts), per spec.md §4.1. packets must be delivered in non-decreasing
// timestamp order for t.
func PlanFromPackets(p Policy, t *track.Track, packets <-chan track.Packet) (map[uint32]track.Page, error) {
	pages := make(map[uint32]track.Page)
	if len(t.Keys) == 0 {
		return pages, nil
	}

	bk := &bookkeeping{cur: track.Page{FirstKey: 1, FirstTime: t.Keys[0].Time}}
	var lastKeyTime int64 = -1
	haveLastKeyTime := false

	for pkt := range packets {
		if pkt.TrackID != t.ID {
			continue
		}
		if bk.curKey >= len(t.Keys) {
			return nil, fmt.Errorf("paging: track %d: %w", t.ID, ErrCorruptHeader)
		}

		// Key boundaries are decided by the part count below, so a repeated
		// identical timestamp is never counted as a second key (see
		// SPEC_FULL.md §10, atKeyFrame double-time suppression). atKey only
		// records the last key timestamp seen; it does not move a boundary.
		atKey := pkt.Time == t.Keys[bk.curKey].Time && (!haveLastKeyTime || lastKeyTime != pkt.Time)
		if atKey {
			lastKeyTime = pkt.Time
			haveLastKeyTime = true
		}

		if bk.partsIn == 0 && bk.cur.KeyNum > 0 {
			// First packet of a new key: decide whether it opens a new
			// page before any of its bytes are accounted for, mirroring
			// Plan's per-key decision point.
			keyTime := t.Keys[bk.curKey].Time
			if shouldFlip(p, bk.cur.DataSize, bk.cur.FirstTime, keyTime) {
				pages[bk.cur.FirstKey] = bk.cur
				newFirst := bk.cur.FirstKey + bk.cur.KeyNum
				bk.cur = track.Page{FirstKey: newFirst, FirstTime: keyTime}
			}
		}

		bk.cur.DataSize += uint64(len(pkt.Data))
		bk.cur.PartNum++
		bk.partsIn++

		if bk.partsIn == t.Keys[bk.curKey].Parts {
			bk.cur.KeyNum++
			bk.curKey++
			bk.partsIn = 0
		}
	}
	pages[bk.cur.FirstKey] = bk.cur
	return pages, nil
}

// PageFor returns the page containing key (the page whose FirstKey is the
// largest FirstKey <= key), and false if pages is empty or key precedes the
// first page.
func PageFor(pages map[uint32]track.Page, key uint32) (track.Page, bool) {
	if len(pages) == 0 {
		return track.Page{}, false
	}
	firsts := make([]uint32, 0, len(pages))
	for fk := range pages {
		firsts = append(firsts, fk)
	}
	sort.Slice(firsts, func(i, j int) bool { return firsts[i] < firsts[j] })

	idx := sort.Search(len(firsts), func(i int) bool { return firsts[i] > key })
	if idx == 0 {
		return track.Page{}, false
	}
	return pages[firsts[idx-1]], true
}
