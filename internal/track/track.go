// Package track holds the in-memory description of a stream's tracks, keys,
// and packets — the Track/Key/Page model shared by the paging planner, the
// demand cache, and the input modes.
package track

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Key represents one GOP anchor on a track. Time is in milliseconds. Parts
// is the number of packets belonging to this key. Size is the byte size of
// the key's packets; it is 0 when unknown (the planner then falls back to
// the packet-stream variant of the algorithm).
type Key struct {
	Time  int64  `json:"time"`
	Parts uint32 `json:"parts"`
	Size  uint64 `json:"size,omitempty"`
}

// Page is a contiguous run of keys on one track, the unit of cache residency.
// FirstKey is 1-indexed, matching the external protocol in spec.md §3.
type Page struct {
	FirstKey  uint32 `json:"firstKey"`
	KeyNum    uint32 `json:"keyNum"`
	PartNum   uint32 `json:"partNum"`
	DataSize  uint64 `json:"dataSize"`
	FirstTime int64  `json:"firstTime"`
}

// Packet is a track-tagged timestamped byte sequence. Immutable once
// constructed — nothing in this package mutates Data after NewPacket.
type Packet struct {
	TrackID uint32
	Time    int64
	Data    []byte
}

// NewPacket constructs an immutable Packet, copying data so the caller's
// buffer may be reused.
func NewPacket(trackID uint32, t int64, data []byte) Packet {
	cp := make([]byte, len(data))
	copy(cp, data)
	return Packet{TrackID: trackID, Time: t, Data: cp}
}

// Track describes one elementary media channel within a stream.
type Track struct {
	ID       uint32 `json:"id"`
	Codec    string `json:"codec"`
	FirstMs  int64  `json:"firstms"`
	LastMs   int64  `json:"lastms"`
	Live     bool   `json:"live"`
	Keys     []Key  `json:"keys"`
	KeySizes []uint64
}

// HasKeySizes reports whether every key on the track carries a known size,
// letting the planner use the size-based fast path instead of replaying the
// packet stream.
func (t *Track) HasKeySizes() bool {
	if len(t.Keys) == 0 {
		return false
	}
	for _, k := range t.Keys {
		if k.Size == 0 {
			return false
		}
	}
	return true
}

// Meta is the serialized stream header: all tracks, their keys, and a
// monotonic version used to detect a stale .dtsh sidecar.
type Meta struct {
	Tracks    map[uint32]*Track `json:"tracks"`
	Version   uint64            `json:"version"`
	SourceURI string            `json:"sourceUri"`
}

// DTSHVersion is the sidecar header format version. A sidecar whose Version
// field does not match is treated as absent and regenerated, independent of
// the mtime staleness check (see SPEC_FULL.md §10, "readExistingHeader").
const DTSHVersion = 1

// BiggestFragment returns the largest inter-key gap across all tracks, in
// milliseconds. Used by the "serve" keepRunning policy for live streams.
func (m *Meta) BiggestFragment() int64 {
	var biggest int64
	for _, t := range m.Tracks {
		for i := 1; i < len(t.Keys); i++ {
			gap := t.Keys[i].Time - t.Keys[i-1].Time
			if gap > biggest {
				biggest = gap
			}
		}
	}
	return biggest
}

// Live reports whether any track in the meta is still growing.
func (m *Meta) Live() bool {
	for _, t := range m.Tracks {
		if t.Live {
			return true
		}
	}
	return false
}

// Reset clears growth-sensitive fields on every track, as performed by
// convert mode before writing the .dtsh sidecar for a finished file (the
// offline conversion output has no "live" edge any more).
func (m *Meta) Reset() {
	for _, t := range m.Tracks {
		t.Live = false
	}
}

// sidecarPath returns the .dtsh path for a given source file.
func sidecarPath(source string) string {
	return source + ".dtsh"
}

// CheckSidecarFresh removes the .dtsh sidecar for source if it is stale.
//
// Resolution of the polarity question raised in spec.md §9 (confirmed
// against original_source/src/input/input.cpp:74-91): the header is stale,
// and must be removed, when header.mtime < source.mtime + 15 — i.e. it is
// kept only when it is at least 15s newer than the source file. A header less
// than 15s newer than the source, including one with an identical mtime, is
// treated as stale and removed.
func CheckSidecarFresh(source string) error {
	srcInfo, err := os.Stat(source)
	if err != nil {
		// Not a regular file (e.g. "-" for stdin) — nothing to compare.
		return nil
	}
	hdrPath := sidecarPath(source)
	hdrInfo, err := os.Stat(hdrPath)
	if err != nil {
		// No sidecar to compare against.
		return nil
	}
	if hdrInfo.ModTime().Before(srcInfo.ModTime().Add(15 * time.Second)) {
		if err := os.Remove(hdrPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("track: remove outdated sidecar %q: %w", hdrPath, err)
		}
	}
	return nil
}

// LoadSidecar reads and decodes the .dtsh sidecar for source, returning
// (nil, false) if it is absent, version-mismatched, or malformed — any of
// which means the caller must regenerate it from scratch.
func LoadSidecar(source string) (*Meta, bool) {
	f, err := os.Open(sidecarPath(source))
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var m Meta
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, false
	}
	if m.Version != DTSHVersion {
		return nil, false
	}
	return &m, true
}

// WriteSidecar persists m as the .dtsh sidecar for source.
func WriteSidecar(source string, m *Meta) error {
	f, err := os.Create(sidecarPath(source)) // #nosec G304 -- source is an operator-supplied CLI argument
	if err != nil {
		return fmt.Errorf("track: create sidecar %q: %w", sidecarPath(source), err)
	}
	defer f.Close()

	m.Version = DTSHVersion
	if err := json.NewEncoder(f).Encode(m); err != nil {
		return fmt.Errorf("track: write sidecar %q: %w", sidecarPath(source), err)
	}
	return nil
}

// RemoveSidecar deletes the .dtsh sidecar, used when the paging planner
// detects a corrupt header (spec.md §4.1).
func RemoveSidecar(source string) error {
	err := os.Remove(sidecarPath(source))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("track: remove sidecar %q: %w", sidecarPath(source), err)
	}
	return nil
}
