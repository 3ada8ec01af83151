package inputmodes

import (
	"context"
	"time"

	"github.com/mistgo/streamcore/internal/shm"
	"github.com/mistgo/streamcore/internal/track"
)

// Cache is the subset of *pagecache.Cache the serve loop drives. Declared
// as an interface so tests can observe BufferFrame calls without standing
// up a full backing writer/packet source.
type Cache interface {
	BufferFrame(trackID, key uint32) error
	Sweep() error
	Drain() error
}

// Serve implements the on-demand-from-file input mode (spec.md §4.4): it
// prebuffers key 1 of every track, then runs a 1 Hz loop grounded on the
// teacher's metricsTicker (time.NewTicker + select over a stop signal) that
// parses user slots and prefetches, runs the eviction sweep, and updates
// liveness — terminating when keepRunning() becomes false or ctx is
// cancelled.
func Serve(ctx context.Context, meta *track.Meta, cache Cache, userPage *shm.UserPage, act *Activity, inputTimeout time.Duration) error {
	for trackID := range meta.Tracks {
		if err := cache.BufferFrame(trackID, 1); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return cache.Drain()
		case now := <-ticker.C:
			connected := 0
			userPage.ParseEach(func(trackID uint32, keyNum uint16) {
				connected++
				// The slot carries the key the consumer just finished, so
				// the serve loop prefetches the NEXT one (spec.md §4.2).
				_ = cache.BufferFrame(trackID, uint32(keyNum)+1)
			})

			if err := cache.Sweep(); err != nil {
				return err
			}

			if !act.KeepRunning(now, inputTimeout, meta.Live(), meta.BiggestFragment(), connected, len(meta.Tracks)) {
				return cache.Drain()
			}
		}
	}
}
