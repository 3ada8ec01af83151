// Package pagecache implements the Demand Cache: reference-counted page
// residency with countdown-based idle eviction (spec.md §4.2).
package pagecache

import (
	"fmt"
	"sync"

	"github.com/mistgo/streamcore/internal/paging"
	"github.com/mistgo/streamcore/internal/track"
)

// touchValue is the counter value a BufferFrame hit resets residency to.
const touchValue = 15

// Writer materializes pages into the backing store (the shared-memory page
// store in production, an in-memory recorder in tests) — the same
// interface-first seam the distributed lock in internal/singleton models.
type Writer interface {
	BufferStart(trackID, firstKey uint32) error
	BufferNext(trackID uint32, pkt track.Packet) error
	BufferFinalize(trackID uint32) error
	BufferRemove(trackID, firstKey uint32) error
}

// PacketSource iterates a track's packets in non-decreasing timestamp order
// starting at or after fromTime.
type PacketSource interface {
	Packets(trackID uint32, fromTime int64) (<-chan track.Packet, error)
}

// MetaClearer clears a track's shared-memory meta slot for an evicted page.
// Satisfied by (*shm.MetaPage).ClearSlot wrapped per track.
type MetaClearer interface {
	ClearSlot(trackID, firstKey uint32)
}

type residency struct {
	counter int
}

type trackKey struct {
	track    uint32
	firstKey uint32
}

// Cache holds page residency state for one stream.
type Cache struct {
	meta   *track.Meta
	pages  map[uint32]map[uint32]track.Page // trackID -> planner output
	writer Writer
	source PacketSource
	clear  MetaClearer

	mu           sync.Mutex
	resident     map[trackKey]*residency
	lastBuffered map[uint32]int64
}

// New creates a Cache for the stream described by meta, with pages already
// computed by internal/paging for every track.
func New(meta *track.Meta, pages map[uint32]map[uint32]track.Page, w Writer, src PacketSource, clear MetaClearer) *Cache {
	return &Cache{
		meta:         meta,
		pages:        pages,
		writer:       w,
		source:       src,
		clear:        clear,
		resident:     make(map[trackKey]*residency),
		lastBuffered: make(map[uint32]int64),
	}
}

// BufferFrame ensures the page containing key on trackID is resident and
// refreshes its countdown to 15, following the flow of spec.md §4.2.
func (c *Cache) BufferFrame(trackID, key uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.meta.Tracks[trackID]
	if !ok {
		return fmt.Errorf("pagecache: unknown track %d", trackID)
	}
	lastKey := uint32(len(t.Keys))
	if key > lastKey {
		return nil // end-of-stream, succeed silently
	}
	if key < 1 {
		key = 1
	}

	tracksPages := c.pages[trackID]
	page, ok := paging.PageFor(tracksPages, key)
	if !ok {
		return fmt.Errorf("pagecache: track %d: no page covers key %d", trackID, key)
	}

	tk := trackKey{track: trackID, firstKey: page.FirstKey}
	if r, ok := c.resident[tk]; ok {
		r.counter = touchValue
		return nil
	}

	if err := c.writer.BufferStart(trackID, page.FirstKey); err != nil {
		return fmt.Errorf("pagecache: bufferStart track %d page %d: %w", trackID, page.FirstKey, err)
	}

	stopTime := t.LastMs + 1
	nextIdx := int(page.FirstKey) - 1 + int(page.KeyNum)
	if nextIdx < len(t.Keys) {
		stopTime = t.Keys[nextIdx].Time
	}

	pkts, err := c.source.Packets(trackID, page.FirstTime)
	if err != nil {
		return fmt.Errorf("pagecache: open packet source for track %d: %w", trackID, err)
	}

	last, haveLast := c.lastBuffered[trackID]
	for pkt := range pkts {
		if pkt.Time >= stopTime {
			break
		}
		if pkt.Time < page.FirstTime || (haveLast && pkt.Time <= last) {
			continue
		}
		if err := c.writer.BufferNext(trackID, pkt); err != nil {
			return fmt.Errorf("pagecache: bufferNext track %d: %w", trackID, err)
		}
		last = pkt.Time
		haveLast = true
	}
	if haveLast {
		c.lastBuffered[trackID] = last
	}

	if err := c.writer.BufferFinalize(trackID); err != nil {
		return fmt.Errorf("pagecache: bufferFinalize track %d: %w", trackID, err)
	}

	c.resident[tk] = &residency{counter: touchValue}
	return nil
}

// Sweep runs one idle tick: every resident page's counter is decremented
// exactly once, then any page whose counter reached zero is evicted — its
// backing store released and its meta slot cleared. The decrement pass runs
// to completion before any eviction so a later removal in the same sweep
// never causes an earlier, still-resident page to be decremented twice.
func (c *Cache) Sweep() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.resident {
		r.counter--
	}

	for tk, r := range c.resident {
		if r.counter > 0 {
			continue
		}
		if err := c.writer.BufferRemove(tk.track, tk.firstKey); err != nil {
			return fmt.Errorf("pagecache: bufferRemove track %d page %d: %w", tk.track, tk.firstKey, err)
		}
		if c.clear != nil {
			c.clear.ClearSlot(tk.track, tk.firstKey)
		}
		delete(c.resident, tk)
	}
	return nil
}

// Drain evicts every resident page unconditionally, used when finishing a
// stream so no page is left buffered past the worker's lifetime.
func (c *Cache) Drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for tk := range c.resident {
		if err := c.writer.BufferRemove(tk.track, tk.firstKey); err != nil {
			return fmt.Errorf("pagecache: drain bufferRemove track %d page %d: %w", tk.track, tk.firstKey, err)
		}
		if c.clear != nil {
			c.clear.ClearSlot(tk.track, tk.firstKey)
		}
		delete(c.resident, tk)
	}
	return nil
}

// Residency reports the current counter for (trackID, firstKey), and false
// if that page is not resident. Exposed for tests and diagnostics.
func (c *Cache) Residency(trackID, firstKey uint32) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.resident[trackKey{track: trackID, firstKey: firstKey}]
	if !ok {
		return 0, false
	}
	return r.counter, true
}
