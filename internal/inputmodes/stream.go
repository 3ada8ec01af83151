package inputmodes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mistgo/streamcore/internal/singleton"
	"github.com/mistgo/streamcore/internal/track"
)

// ErrPullHeld is returned when Pull(name) is already owned by another
// process (spec.md §4.4, "Acquire Pull(name); if already owned, bail").
var ErrPullHeld = errors.New("inputmodes: pull semaphore already held")

// ErrBufferAlreadyAlive is returned when a live buffer for the stream is
// already running (spec.md §4.4, "Check that a buffer is not already
// alive; if it is, release and bail").
var ErrBufferAlreadyAlive = errors.New("inputmodes: buffer already alive")

// ErrNoTracks is returned when the source header carries zero tracks.
var ErrNoTracks = errors.New("inputmodes: source header has zero tracks")

// LiveProxy is the internal buffer process's control surface: starting it,
// checking whether it is already running, pushing packets into it, and
// keeping the attached client alive. The concrete buffer process and its
// IPC transport are out of scope (spec.md §1); this is their integration
// point.
type LiveProxy interface {
	IsAlive() bool
	StartBuffer() error
	Push(pkt track.Packet) error
	KeepAlive() error
	AttachNonViewer() error
}

// Stream implements the push-input mode of spec.md §4.4: it acquires the
// Pull(name) singleton, starts (or attaches to) the internal live buffer,
// replays demux's packet stream into it, and returns the human-readable
// reason the loop stopped — invalid packet, deactivation, or buffer
// shutdown, all of which callers log as the spec requires.
func Stream(ctx context.Context, lock singleton.Lock, name string, demux Demuxer, proxy LiveProxy, act *Activity) (meta *track.Meta, reason string, err error) {
	if !lock.TryLock(pullKey(name)) {
		return nil, "", ErrPullHeld
	}
	defer lock.Unlock(pullKey(name))

	if proxy.IsAlive() {
		return nil, "", ErrBufferAlreadyAlive
	}
	if err := proxy.StartBuffer(); err != nil {
		return nil, "", fmt.Errorf("inputmodes: stream: start buffer: %w", err)
	}
	if err := proxy.AttachNonViewer(); err != nil {
		return nil, "", fmt.Errorf("inputmodes: stream: attach: %w", err)
	}

	meta, err = demux.ReadHeader()
	if err != nil {
		return nil, "", fmt.Errorf("inputmodes: stream: read header: %w", err)
	}
	if len(meta.Tracks) == 0 {
		return meta, "zero tracks in stream header", ErrNoTracks
	}
	for _, t := range meta.Tracks {
		t.FirstMs = 0
		t.LastMs = 0
	}

	keepAlive := time.NewTicker(5 * time.Second)
	defer keepAlive.Stop()

	packets := demux.Packets()
	for {
		select {
		case <-ctx.Done():
			return meta, "context cancelled", nil
		case <-keepAlive.C:
			if err := proxy.KeepAlive(); err != nil {
				return meta, "buffer shutdown", nil
			}
		case pkt, ok := <-packets:
			if !ok {
				return meta, "source exhausted", nil
			}
			if !act.IsActive() {
				return meta, "deactivated", nil
			}
			if err := proxy.Push(pkt); err != nil {
				return meta, fmt.Sprintf("invalid packet: %v", err), nil
			}
		}
	}
}

func pullKey(name string) string { return "pull:" + name }
