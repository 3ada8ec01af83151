package inputmodes

import (
	"context"
	"testing"
	"time"

	"github.com/mistgo/streamcore/internal/shm"
	"github.com/mistgo/streamcore/internal/singleton"
	"github.com/mistgo/streamcore/internal/track"
)

func TestResolveDest_AppendsExtensionAndRejectsStdout(t *testing.T) {
	got, err := ResolveDest("myfile")
	if err != nil || got != "myfile.dtsc" {
		t.Fatalf("ResolveDest(myfile) = (%q,%v), want (myfile.dtsc,nil)", got, err)
	}
	if _, err := ResolveDest("-"); err != ErrStdoutDest {
		t.Fatalf("ResolveDest(-) err = %v, want ErrStdoutDest", err)
	}
	got, err = ResolveDest("already.dtsc")
	if err != nil || got != "already.dtsc" {
		t.Fatalf("ResolveDest(already.dtsc) = (%q,%v), want unchanged", got, err)
	}
}

type fakeDemuxer struct {
	meta    *track.Meta
	packets []track.Packet
}

func (d *fakeDemuxer) ReadHeader() (*track.Meta, error) { return d.meta, nil }
func (d *fakeDemuxer) Packets() <-chan track.Packet {
	ch := make(chan track.Packet, len(d.packets))
	for _, p := range d.packets {
		ch <- p
	}
	close(ch)
	return ch
}

type fakeMuxer struct {
	offset int64
	writes int
}

func (m *fakeMuxer) WritePacket(pkt track.Packet) (int64, error) {
	off := m.offset
	m.offset += int64(len(pkt.Data))
	m.writes++
	return off, nil
}
func (m *fakeMuxer) Close() error { return nil }

func TestConvert_WritesSidecarWithResetLiveFlag(t *testing.T) {
	dir := t.TempDir()
	dest := dir + "/out"

	tr := &track.Track{ID: 1, Live: true, Keys: []track.Key{{Time: 0, Parts: 1}}}
	demux := &fakeDemuxer{
		meta:    &track.Meta{Tracks: map[uint32]*track.Track{1: tr}},
		packets: []track.Packet{track.NewPacket(1, 0, []byte("x"))},
	}
	mux := &fakeMuxer{}

	meta, err := Convert(demux, mux, dest)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if meta.Live() {
		t.Fatal("Convert must reset every track's live flag before writing the sidecar")
	}
	if mux.writes != 1 {
		t.Fatalf("mux received %d writes, want 1", mux.writes)
	}

	loaded, ok := track.LoadSidecar(dest + ".dtsc")
	if !ok {
		t.Fatal("expected a loadable sidecar at dest.dtsc.dtsh")
	}
	if loaded.Live() {
		t.Fatal("loaded sidecar must not report live")
	}
}

type fakeCache struct {
	buffered []uint32
	swept    int
	drained  bool
}

func (c *fakeCache) BufferFrame(trackID, key uint32) error {
	c.buffered = append(c.buffered, key)
	return nil
}
func (c *fakeCache) Sweep() error  { c.swept++; return nil }
func (c *fakeCache) Drain() error  { c.drained = true; return nil }

func TestServe_PrebuffersAndStopsOnDeactivate(t *testing.T) {
	tr := &track.Track{ID: 1, Keys: []track.Key{{Time: 0, Parts: 1}}}
	meta := &track.Meta{Tracks: map[uint32]*track.Track{1: tr}}
	cache := &fakeCache{}
	seg := shm.NewAnonSegment("users", shm.UserRecordSize)
	userPage := shm.NewUserPage(seg)
	act := NewActivity(time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	act.Deactivate()

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, meta, cache, userPage, act, time.Second) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not stop after deactivation within one tick")
	}
	cancel()

	if len(cache.buffered) == 0 || cache.buffered[0] != 1 {
		t.Fatalf("expected prebuffer of key 1, got %v", cache.buffered)
	}
	if !cache.drained {
		t.Fatal("Serve must Drain the cache when it stops")
	}
}

type fakeProxy struct {
	alive       bool
	startCalled bool
	pushes      []track.Packet
}

func (p *fakeProxy) IsAlive() bool      { return p.alive }
func (p *fakeProxy) StartBuffer() error { p.startCalled = true; p.alive = true; return nil }
func (p *fakeProxy) Push(pkt track.Packet) error {
	p.pushes = append(p.pushes, pkt)
	return nil
}
func (p *fakeProxy) KeepAlive() error      { return nil }
func (p *fakeProxy) AttachNonViewer() error { return nil }

func TestStream_PullHeldRejectsSecondCaller(t *testing.T) {
	lock := singleton.NewInMemoryLock()
	lock.TryLock(pullKey("s1"))

	demux := &fakeDemuxer{meta: &track.Meta{Tracks: map[uint32]*track.Track{1: {ID: 1}}}}
	proxy := &fakeProxy{}
	act := NewActivity(time.Now())

	_, _, err := Stream(context.Background(), lock, "s1", demux, proxy, act)
	if err != ErrPullHeld {
		t.Fatalf("Stream err = %v, want ErrPullHeld", err)
	}
}

func TestStream_ZeroTracksBails(t *testing.T) {
	lock := singleton.NewInMemoryLock()
	demux := &fakeDemuxer{meta: &track.Meta{Tracks: map[uint32]*track.Track{}}}
	proxy := &fakeProxy{}
	act := NewActivity(time.Now())

	_, reason, err := Stream(context.Background(), lock, "s1", demux, proxy, act)
	if err != ErrNoTracks {
		t.Fatalf("Stream err = %v, want ErrNoTracks", err)
	}
	if reason == "" {
		t.Fatal("expected a human-readable reason for zero-track bail")
	}
	if lock.IsLocked(pullKey("s1")) {
		t.Fatal("Pull lock must be released on bail")
	}
}

func TestStream_PushesPacketsAndExitsOnExhaustion(t *testing.T) {
	lock := singleton.NewInMemoryLock()
	tr := &track.Track{ID: 1}
	demux := &fakeDemuxer{
		meta:    &track.Meta{Tracks: map[uint32]*track.Track{1: tr}},
		packets: []track.Packet{track.NewPacket(1, 0, []byte("a")), track.NewPacket(1, 10, []byte("b"))},
	}
	proxy := &fakeProxy{}
	act := NewActivity(time.Now())

	_, reason, err := Stream(context.Background(), lock, "s1", demux, proxy, act)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if reason != "source exhausted" {
		t.Fatalf("reason = %q, want %q", reason, "source exhausted")
	}
	if len(proxy.pushes) != 2 {
		t.Fatalf("pushed %d packets, want 2", len(proxy.pushes))
	}
	if !proxy.startCalled {
		t.Fatal("expected StartBuffer to be called")
	}
}
