// Package shm implements the Shared Page Store: named, size-bounded shared
// memory regions carrying a stream's user-signal slots and per-track meta
// pages (spec.md §6). Segments are backed by a memfd (Linux's anonymous,
// file-descriptor-addressable shared memory primitive) mapped with
// golang.org/x/sys/unix so that an egress process forked or exec'd from the
// input worker can attach to the same pages by inheriting or reopening the
// descriptor; package callers that only need an in-process equivalent (unit
// tests, platforms without memfd) can use NewAnonSegment instead.
package shm

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	// UserSlotSize is the byte size of one (track_id, key_num) slot.
	UserSlotSize = 6
	// SlotsPerUser is the fixed number of signal slots per user record
	// (spec.md §6, "five slots per user record").
	SlotsPerUser = 5
	// UserRecordSize is the byte size of one user's signal slots.
	UserRecordSize = UserSlotSize * SlotsPerUser
	// MetaSlotSize is the byte size of one meta-page slot.
	MetaSlotSize = 8

	// PlayExSize is the default size of the per-stream user signal page,
	// sized for 64 concurrently attached users.
	PlayExSize = UserRecordSize * 64

	// MetaPageSlots is the default slot count for a single track's meta
	// page, sized well beyond the handful of pages ever resident at once
	// under the demand cache's idle-eviction policy.
	MetaPageSlots = 256
)

// EncodeSlot packs a (track, keyNum) pair into the 6-byte big-endian wire
// form spec.md §9 calls "encodeSlot(track, key) → 6 bytes".
func EncodeSlot(track uint32, keyNum uint16) [UserSlotSize]byte {
	var b [UserSlotSize]byte
	binary.BigEndian.PutUint32(b[0:4], track)
	binary.BigEndian.PutUint16(b[4:6], keyNum)
	return b
}

// DecodeSlot unpacks a 6-byte user slot back into (track, keyNum).
func DecodeSlot(b [UserSlotSize]byte) (track uint32, keyNum uint16) {
	return binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint16(b[4:6])
}

// EncodeMetaSlot packs a page's first key number into the 8-byte meta-page
// wire form (upper 32 bits carry firstKey, lower 32 bits are reserved and
// left zero).
func EncodeMetaSlot(firstKey uint32) [MetaSlotSize]byte {
	var b [MetaSlotSize]byte
	binary.BigEndian.PutUint32(b[0:4], firstKey)
	return b
}

// DecodeMetaSlot unpacks an 8-byte meta-page slot, reporting whether the
// entry is empty (all-zero, meaning the page has been evicted).
func DecodeMetaSlot(b [MetaSlotSize]byte) (firstKey uint32, empty bool) {
	firstKey = binary.BigEndian.Uint32(b[0:4])
	empty = firstKey == 0 && binary.BigEndian.Uint32(b[4:8]) == 0
	return firstKey, empty
}

// Segment is a named, mmap-backed region of shared memory.
type Segment struct {
	name string
	fd   int
	data []byte
	anon bool
}

// Create allocates a new memfd-backed Segment of size bytes, named for
// diagnostics as SHM_USERS(streamName) would be in spec.md §6.
func Create(name string, size int) (*Segment, error) {
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: memfd_create %q: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: ftruncate %q to %d: %w", name, size, err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap %q: %w", name, err)
	}
	return &Segment{name: name, fd: fd, data: data}, nil
}

// NewAnonSegment creates a process-local Segment backed by a plain slice,
// for platforms without memfd_create and for tests that do not need
// cross-process visibility.
func NewAnonSegment(name string, size int) *Segment {
	return &Segment{name: name, fd: -1, data: make([]byte, size), anon: true}
}

// Name returns the segment's diagnostic name.
func (s *Segment) Name() string { return s.name }

// Bytes returns the segment's backing memory. Callers must not retain
// slices of it past Close.
func (s *Segment) Bytes() []byte { return s.data }

// FD returns the segment's file descriptor, or -1 for an anonymous segment.
// A real deployment passes this to a forked egress worker so it can
// unix.Mmap the same pages.
func (s *Segment) FD() int { return s.fd }

// Close unmaps the segment and releases its file descriptor.
func (s *Segment) Close() error {
	if s.anon {
		s.data = nil
		return nil
	}
	var err error
	if s.data != nil {
		if e := unix.Munmap(s.data); e != nil {
			err = fmt.Errorf("shm: munmap %q: %w", s.name, e)
		}
		s.data = nil
	}
	if s.fd >= 0 {
		if e := unix.Close(s.fd); e != nil && err == nil {
			err = fmt.Errorf("shm: close %q: %w", s.name, e)
		}
		s.fd = -1
	}
	return err
}

// UserPage views a Segment as a sequence of fixed-size user records, each
// holding SlotsPerUser signal slots (spec.md §6).
type UserPage struct {
	seg *Segment
}

// NewUserPage wraps seg as a UserPage.
func NewUserPage(seg *Segment) *UserPage { return &UserPage{seg: seg} }

// NumUsers reports how many fixed-size user records the page holds.
func (u *UserPage) NumUsers() int {
	return len(u.seg.Bytes()) / UserRecordSize
}

// ParseEach walks every nonzero slot in every user record and invokes fn
// with the (track, keyNum) it carries. A slot whose track id is zero is
// unused and skipped, matching the serve loop's "a nonzero track id
// requests bufferFrame" rule (spec.md §4.2).
func (u *UserPage) ParseEach(fn func(track uint32, keyNum uint16)) {
	data := u.seg.Bytes()
	for off := 0; off+UserSlotSize <= len(data); off += UserSlotSize {
		var b [UserSlotSize]byte
		copy(b[:], data[off:off+UserSlotSize])
		track, keyNum := DecodeSlot(b)
		if track == 0 {
			continue
		}
		fn(track, keyNum)
	}
}

// WriteSlot writes a (track, keyNum) signal into the given user's slot
// index (0..SlotsPerUser-1), as an attached egress client would.
func (u *UserPage) WriteSlot(userIdx, slotIdx int, track uint32, keyNum uint16) error {
	off := userIdx*UserRecordSize + slotIdx*UserSlotSize
	data := u.seg.Bytes()
	if off < 0 || off+UserSlotSize > len(data) {
		return fmt.Errorf("shm: slot (user=%d,slot=%d) out of range", userIdx, slotIdx)
	}
	b := EncodeSlot(track, keyNum)
	copy(data[off:off+UserSlotSize], b[:])
	return nil
}

// MetaPage views a Segment as a sequence of fixed-size meta slots, one per
// resident page on a track, keyed by the page's first key number.
type MetaPage struct {
	seg *Segment
}

// NewMetaPage wraps seg as a MetaPage.
func NewMetaPage(seg *Segment) *MetaPage { return &MetaPage{seg: seg} }

// SetSlot records firstKey as resident at slot index idx.
func (m *MetaPage) SetSlot(idx int, firstKey uint32) error {
	off := idx * MetaSlotSize
	data := m.seg.Bytes()
	if off < 0 || off+MetaSlotSize > len(data) {
		return fmt.Errorf("shm: meta slot %d out of range", idx)
	}
	b := EncodeMetaSlot(firstKey)
	copy(data[off:off+MetaSlotSize], b[:])
	return nil
}

// ClearSlot zeroes out the 8-byte meta entry whose upper 32 bits match
// firstKey, marking that page evicted (spec.md §4.2's eviction step). It is
// a no-op if no slot currently holds firstKey.
func (m *MetaPage) ClearSlot(firstKey uint32) {
	data := m.seg.Bytes()
	for off := 0; off+MetaSlotSize <= len(data); off += MetaSlotSize {
		var b [MetaSlotSize]byte
		copy(b[:], data[off:off+MetaSlotSize])
		fk, empty := DecodeMetaSlot(b)
		if !empty && fk == firstKey {
			var zero [MetaSlotSize]byte
			copy(data[off:off+MetaSlotSize], zero[:])
			return
		}
	}
}

// SetFirstEmpty records firstKey in the first empty slot it finds, returning
// the slot index used. It errors if the page has no empty slot left.
func (m *MetaPage) SetFirstEmpty(firstKey uint32) (int, error) {
	data := m.seg.Bytes()
	for off := 0; off+MetaSlotSize <= len(data); off += MetaSlotSize {
		var b [MetaSlotSize]byte
		copy(b[:], data[off:off+MetaSlotSize])
		if _, empty := DecodeMetaSlot(b); empty {
			idx := off / MetaSlotSize
			if err := m.SetSlot(idx, firstKey); err != nil {
				return 0, err
			}
			return idx, nil
		}
	}
	return 0, fmt.Errorf("shm: meta page %q full (%d slots)", m.seg.Name(), len(data)/MetaSlotSize)
}

// Each invokes fn for every non-empty meta slot's firstKey.
func (m *MetaPage) Each(fn func(firstKey uint32)) {
	data := m.seg.Bytes()
	for off := 0; off+MetaSlotSize <= len(data); off += MetaSlotSize {
		var b [MetaSlotSize]byte
		copy(b[:], data[off:off+MetaSlotSize])
		fk, empty := DecodeMetaSlot(b)
		if !empty {
			fn(fk)
		}
	}
}
