package rawcodec

import (
	"path/filepath"
	"testing"

	"github.com/mistgo/streamcore/internal/track"
)

func TestFileMuxerDemuxer_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.raw")

	meta := &track.Meta{
		Tracks: map[uint32]*track.Track{
			1: {ID: 1, Codec: "aac", Live: true},
		},
		Version: track.DTSHVersion,
	}

	mux, err := CreateFileMuxer(path, meta)
	if err != nil {
		t.Fatalf("CreateFileMuxer: %v", err)
	}
	want := []track.Packet{
		track.NewPacket(1, 0, []byte("a")),
		track.NewPacket(1, 40, []byte("bb")),
	}
	var offsets []int64
	for _, pkt := range want {
		off, err := mux.WritePacket(pkt)
		if err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
		offsets = append(offsets, off)
	}
	if err := mux.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if offsets[0] == offsets[1] {
		t.Fatalf("expected distinct offsets, got %v", offsets)
	}

	demux, err := OpenFileDemuxer(path)
	if err != nil {
		t.Fatalf("OpenFileDemuxer: %v", err)
	}
	gotMeta, err := demux.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if gotMeta.Tracks[1].Codec != "aac" {
		t.Fatalf("meta = %+v", gotMeta)
	}

	var got []track.Packet
	for pkt := range demux.Packets() {
		got = append(got, pkt)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d packets, want %d", len(got), len(want))
	}
	for i, pkt := range got {
		if pkt.TrackID != want[i].TrackID || pkt.Time != want[i].Time || string(pkt.Data) != string(want[i].Data) {
			t.Fatalf("packet %d = %+v, want %+v", i, pkt, want[i])
		}
	}
}
