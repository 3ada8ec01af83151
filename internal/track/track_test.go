package track

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCheckSidecarFresh_RemovesStaleHeader(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "video.raw")
	hdr := src + ".dtsh"

	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := os.WriteFile(hdr, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write header: %v", err)
	}

	// Header only 5s newer than source: within the 15s grace window, so it
	// counts as stale per spec.md §9's resolved polarity and must be removed.
	now := time.Now()
	if err := os.Chtimes(src, now, now); err != nil {
		t.Fatalf("chtimes source: %v", err)
	}
	if err := os.Chtimes(hdr, now, now.Add(5*time.Second)); err != nil {
		t.Fatalf("chtimes header: %v", err)
	}

	if err := CheckSidecarFresh(src); err != nil {
		t.Fatalf("CheckSidecarFresh: %v", err)
	}
	if _, err := os.Stat(hdr); !os.IsNotExist(err) {
		t.Fatalf("expected stale header to be removed, stat err = %v", err)
	}
}

func TestCheckSidecarFresh_KeepsHeaderNewerThanGraceWindow(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "video.raw")
	hdr := src + ".dtsh"

	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := os.WriteFile(hdr, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write header: %v", err)
	}

	now := time.Now()
	if err := os.Chtimes(src, now, now); err != nil {
		t.Fatalf("chtimes source: %v", err)
	}
	if err := os.Chtimes(hdr, now, now.Add(20*time.Second)); err != nil {
		t.Fatalf("chtimes header: %v", err)
	}

	if err := CheckSidecarFresh(src); err != nil {
		t.Fatalf("CheckSidecarFresh: %v", err)
	}
	if _, err := os.Stat(hdr); err != nil {
		t.Fatalf("expected fresh header to survive, stat err = %v", err)
	}
}

func TestWriteLoadSidecar_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "video.raw")

	meta := &Meta{
		Tracks: map[uint32]*Track{
			1: {ID: 1, Codec: "h264", Keys: []Key{{Time: 0, Parts: 3}, {Time: 1000, Parts: 2}}},
		},
		SourceURI: src,
	}
	if err := WriteSidecar(src, meta); err != nil {
		t.Fatalf("WriteSidecar: %v", err)
	}

	loaded, ok := LoadSidecar(src)
	if !ok {
		t.Fatalf("LoadSidecar: expected ok=true")
	}
	if loaded.Version != DTSHVersion {
		t.Fatalf("Version = %d, want %d", loaded.Version, DTSHVersion)
	}
	if len(loaded.Tracks[1].Keys) != 2 {
		t.Fatalf("Keys = %+v, want 2 entries", loaded.Tracks[1].Keys)
	}
}

func TestLoadSidecar_VersionMismatchIsTreatedAsAbsent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "video.raw")
	hdr := src + ".dtsh"
	if err := os.WriteFile(hdr, []byte(`{"tracks":{},"version":999}`), 0o644); err != nil {
		t.Fatalf("write header: %v", err)
	}

	if _, ok := LoadSidecar(src); ok {
		t.Fatalf("expected version-mismatched sidecar to be treated as absent")
	}
}

func TestMeta_BiggestFragmentAndLive(t *testing.T) {
	m := &Meta{Tracks: map[uint32]*Track{
		1: {Live: true, Keys: []Key{{Time: 0}, {Time: 1500}, {Time: 2000}}},
		2: {Live: false, Keys: []Key{{Time: 0}, {Time: 500}}},
	}}
	if got := m.BiggestFragment(); got != 1500 {
		t.Fatalf("BiggestFragment = %d, want 1500", got)
	}
	if !m.Live() {
		t.Fatalf("Live() = false, want true (track 1 is live)")
	}

	m.Reset()
	if m.Live() {
		t.Fatalf("Live() after Reset() = true, want false")
	}
}
