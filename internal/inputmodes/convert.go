// Package inputmodes implements the three input modes of spec.md §4.4:
// Convert (offline file-to-file), Serve (on-demand from file), and Stream
// (push-source-to-buffer).
package inputmodes

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/mistgo/streamcore/internal/track"
)

// ErrStdoutDest is returned by Convert when dest is "-": convert mode
// requires a real output file (spec.md §4.4).
var ErrStdoutDest = errors.New("inputmodes: convert requires a named output file, not \"-\"")

// Demuxer is the external collaborator that decodes one container format
// into the uniform Track/Key/Packet model (spec.md §1 calls concrete
// demuxers out of scope; this is their integration point).
type Demuxer interface {
	ReadHeader() (*track.Meta, error)
	Packets() <-chan track.Packet
}

// Muxer writes packets to an output file, returning each packet's byte
// offset so the caller can recompute Key.Size/position data as it goes.
type Muxer interface {
	WritePacket(pkt track.Packet) (offset int64, err error)
	Close() error
}

// ResolveDest appends ".dtsc" to dest if it lacks an extension, and
// rejects "-" as spec.md §4.4 requires ("append .dtsc if missing").
func ResolveDest(dest string) (string, error) {
	if dest == "-" {
		return "", ErrStdoutDest
	}
	if filepath.Ext(dest) == "" {
		return dest + ".dtsc", nil
	}
	return dest, nil
}

// Convert reads every packet from demux, re-emits it through mux, and
// writes a sidecar header of the reset meta alongside dest — the offline
// convert mode of spec.md §4.4.
func Convert(demux Demuxer, mux Muxer, dest string) (*track.Meta, error) {
	resolved, err := ResolveDest(dest)
	if err != nil {
		return nil, err
	}

	meta, err := demux.ReadHeader()
	if err != nil {
		return nil, fmt.Errorf("inputmodes: convert: read header: %w", err)
	}

	for pkt := range demux.Packets() {
		if _, err := mux.WritePacket(pkt); err != nil {
			_ = mux.Close()
			return nil, fmt.Errorf("inputmodes: convert: write packet: %w", err)
		}
	}
	if err := mux.Close(); err != nil {
		return nil, fmt.Errorf("inputmodes: convert: close output: %w", err)
	}

	meta.Reset()
	if err := track.WriteSidecar(resolved, meta); err != nil {
		return nil, fmt.Errorf("inputmodes: convert: write sidecar: %w", err)
	}
	return meta, nil
}
