// Package rawcodec implements the native container cmd/mistinput reads and
// writes when no richer third-party demuxer is wired in — a JSON Meta
// header line followed by one JSON packet record per line. Real media
// container parsing is out of scope (spec.md §1); this package exists so
// Convert/Serve/Stream have a concrete, testable Demuxer/Muxer to drive.
package rawcodec

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mistgo/streamcore/internal/track"
)

type packetRecord struct {
	Track uint32 `json:"track"`
	Time  int64  `json:"time"`
	Data  string `json:"data"`
}

// FileDemuxer satisfies inputmodes.Demuxer over a rawcodec file.
type FileDemuxer struct {
	f *os.File
	r *bufio.Scanner
}

// OpenFileDemuxer opens path for reading. Use "-" for stdin.
func OpenFileDemuxer(path string) (*FileDemuxer, error) {
	var f *os.File
	if path == "-" {
		f = os.Stdin
	} else {
		var err error
		f, err = os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("rawcodec: open %q: %w", path, err)
		}
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &FileDemuxer{f: f, r: sc}, nil
}

// ReadHeader decodes the first line as a track.Meta.
func (d *FileDemuxer) ReadHeader() (*track.Meta, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return nil, fmt.Errorf("rawcodec: read header: %w", err)
		}
		return nil, fmt.Errorf("rawcodec: empty input")
	}
	var m track.Meta
	if err := json.Unmarshal(d.r.Bytes(), &m); err != nil {
		return nil, fmt.Errorf("rawcodec: decode header: %w", err)
	}
	return &m, nil
}

// Packets streams the remaining lines as decoded packets on a channel,
// closing it (and the underlying file) once the input is exhausted.
func (d *FileDemuxer) Packets() <-chan track.Packet {
	out := make(chan track.Packet)
	go func() {
		defer close(out)
		if d.f != os.Stdin {
			defer d.f.Close()
		}
		for d.r.Scan() {
			line := d.r.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec packetRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(rec.Data)
			if err != nil {
				continue
			}
			out <- track.NewPacket(rec.Track, rec.Time, data)
		}
	}()
	return out
}

// FileMuxer satisfies inputmodes.Muxer, appending packet records after an
// already-written header line.
type FileMuxer struct {
	f      *os.File
	w      *bufio.Writer
	offset int64
}

// CreateFileMuxer creates path, writes meta as the header line, and
// returns a Muxer ready to accept packets. Use "-" for stdout.
func CreateFileMuxer(path string, meta *track.Meta) (*FileMuxer, error) {
	var f *os.File
	if path == "-" {
		f = os.Stdout
	} else {
		var err error
		f, err = os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("rawcodec: create %q: %w", path, err)
		}
	}
	w := bufio.NewWriter(f)
	header, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("rawcodec: encode header: %w", err)
	}
	header = append(header, '\n')
	n, err := w.Write(header)
	if err != nil {
		return nil, fmt.Errorf("rawcodec: write header: %w", err)
	}
	return &FileMuxer{f: f, w: w, offset: int64(n)}, nil
}

// WritePacket encodes pkt as a JSON record and returns its byte offset
// within the file.
func (m *FileMuxer) WritePacket(pkt track.Packet) (int64, error) {
	rec := packetRecord{
		Track: pkt.TrackID,
		Time:  pkt.Time,
		Data:  base64.StdEncoding.EncodeToString(pkt.Data),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("rawcodec: encode packet: %w", err)
	}
	b = append(b, '\n')
	off := m.offset
	n, err := m.w.Write(b)
	if err != nil {
		return 0, fmt.Errorf("rawcodec: write packet: %w", err)
	}
	m.offset += int64(n)
	return off, nil
}

// Close flushes buffered output and closes the underlying file (a no-op
// for stdout beyond flushing).
func (m *FileMuxer) Close() error {
	if err := m.w.Flush(); err != nil {
		return fmt.Errorf("rawcodec: flush: %w", err)
	}
	if m.f == os.Stdout {
		return nil
	}
	return m.f.Close()
}
