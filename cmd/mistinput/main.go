// Command mistinput is the input worker binary of spec.md §4.3/§4.4/§6: it
// boots one of the three input modes (convert/serve/stream) for a single
// stream, under the Input Supervisor's fork+wait lifecycle. Flag parsing
// follows the teacher main.go's flag.String/flag.Parse style.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mistgo/streamcore/internal/capabilities"
	"github.com/mistgo/streamcore/internal/inputmodes"
	"github.com/mistgo/streamcore/internal/logger"
	"github.com/mistgo/streamcore/internal/pagecache"
	"github.com/mistgo/streamcore/internal/paging"
	"github.com/mistgo/streamcore/internal/procrunner"
	"github.com/mistgo/streamcore/internal/rawcodec"
	"github.com/mistgo/streamcore/internal/shm"
	"github.com/mistgo/streamcore/internal/singleton"
	"github.com/mistgo/streamcore/internal/supervisor"
	"github.com/mistgo/streamcore/internal/track"
)

// version is the capability descriptor's reported version (spec.md §6).
const version = "1.0.0"

func main() {
	jsonFlag := flag.Bool("json", false, "print the capability descriptor and exit")
	streamName := flag.String("stream", "", "name of the stream to serve or push")
	push := flag.Bool("push", false, "run in push (stream) mode instead of serve mode; only meaningful with -stream")
	lockDir := flag.String("lockdir", "/tmp/streamcore-locks", "directory holding the SEM_INPUT/Pull lock files")
	inputTimeout := flag.Duration("input-timeout", 30*time.Second, "INPUT_TIMEOUT: idle window before a serve-mode worker exits")
	flag.Parse()

	if *jsonFlag {
		enc, err := capabilities.Encode(capabilities.Default(version))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		fmt.Println(string(enc))
		os.Exit(0)
	}

	args := flag.Args()
	inputPath := "-"
	outputPath := "-"
	if len(args) > 0 {
		inputPath = args[0]
	}
	if len(args) > 1 {
		outputPath = args[1]
	}

	log := logger.New(logger.LevelInfo)

	lock, err := singleton.NewFlockLock(*lockDir)
	if err != nil {
		log.Errorf("create lock directory: %v", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	needsLock := *streamName == "" || !*push
	cfg := supervisor.Config{
		Name:      *streamName,
		Argv:      append([]string{os.Args[0]}, os.Args[1:]...),
		NeedsLock: needsLock,
	}

	if os.Getenv("MISTINPUT_WORKER") == "1" {
		os.Exit(runWorker(ctx, log, lock, *streamName, *push, inputPath, outputPath, *inputTimeout))
	}

	onCrash := func() {
		if *streamName != "" && *push {
			lock.Unlock(pullKey(*streamName))
		}
	}
	sup := supervisor.New(lock, procrunner.NewExecRunner(), onCrash)
	os.Setenv("MISTINPUT_WORKER", "1")
	code := sup.Boot(ctx, cfg)
	os.Exit(code)
}

func pullKey(name string) string { return "pull:" + name }

// runWorker performs the actual mode dispatch inside the forked child,
// mirroring the original's run(): no stream name selects convert; a stream
// name with push selects stream mode; otherwise serve mode (spec.md §4.4's
// "!needsLock()" branch corresponds to -push here).
func runWorker(ctx context.Context, log *logger.Logger, lock singleton.Lock, streamName string, push bool, inputPath, outputPath string, inputTimeout time.Duration) int {
	demux, err := rawcodec.OpenFileDemuxer(inputPath)
	if err != nil {
		log.Errorf("open input %q: %v", inputPath, err)
		return 1
	}

	if streamName == "" {
		resolved, err := inputmodes.ResolveDest(outputPath)
		if err != nil {
			log.Errorf("resolve output %q: %v", outputPath, err)
			return 1
		}
		meta, err := demux.ReadHeader()
		if err != nil {
			log.Errorf("read header: %v", err)
			return 1
		}
		mux, err := rawcodec.CreateFileMuxer(resolved, meta)
		if err != nil {
			log.Errorf("create output %q: %v", resolved, err)
			return 1
		}
		if _, err := inputmodes.Convert(&headerCarryingDemuxer{demux, meta}, mux, resolved); err != nil {
			log.Errorf("convert: %v", err)
			return 1
		}
		return 0
	}

	if push {
		proxy := &noopLiveProxy{}
		act := inputmodes.NewActivity(time.Now())
		_, reason, err := inputmodes.Stream(ctx, lock, streamName, demux, proxy, act)
		if err != nil {
			log.Errorf("stream: %v (%s)", err, reason)
			return 1
		}
		log.Infof("stream mode exited: %s", reason)
		return 0
	}

	meta, err := demux.ReadHeader()
	if err != nil {
		log.Errorf("read header: %v", err)
		return 1
	}

	pages := make(map[uint32]map[uint32]track.Page)
	for id, t := range meta.Tracks {
		var p map[uint32]track.Page
		var perr error
		if t.HasKeySizes() {
			p, perr = paging.Plan(paging.DefaultPolicy, t)
		} else {
			p, perr = paging.PlanFromPackets(paging.DefaultPolicy, t, demux.Packets())
		}
		if perr != nil {
			if err := track.RemoveSidecar(inputPath); err != nil {
				log.Errorf("remove corrupt sidecar: %v", err)
			}
			log.Errorf("plan track %d: %v", id, perr)
			return 1
		}
		pages[id] = p
	}

	seg, err := shm.Create("SHM_USERS_"+streamName, shm.PlayExSize)
	if err != nil {
		log.Errorf("create shared user page: %v", err)
		return 1
	}
	defer seg.Close()
	userPage := shm.NewUserPage(seg)

	trackIDs := make([]uint32, 0, len(meta.Tracks))
	for id := range meta.Tracks {
		trackIDs = append(trackIDs, id)
	}
	pageWriter, metaSegs, err := newShmPageWriter(streamName, trackIDs)
	if err != nil {
		log.Errorf("create shared meta pages: %v", err)
		return 1
	}
	defer func() {
		for _, s := range metaSegs {
			s.Close()
		}
	}()

	cache := pagecache.New(meta, pages, pageWriter, &reopenSource{path: inputPath}, pageWriter)
	act := inputmodes.NewActivity(time.Now())

	if err := inputmodes.Serve(ctx, meta, cache, userPage, act, inputTimeout); err != nil {
		log.Errorf("serve: %v", err)
		return 1
	}
	return 0
}

// headerCarryingDemuxer returns a pre-read Meta from ReadHeader so Convert
// doesn't re-read the header line already consumed by mode dispatch.
type headerCarryingDemuxer struct {
	inner *rawcodec.FileDemuxer
	meta  *track.Meta
}

func (h *headerCarryingDemuxer) ReadHeader() (*track.Meta, error) { return h.meta, nil }
func (h *headerCarryingDemuxer) Packets() <-chan track.Packet     { return h.inner.Packets() }

// noopLiveProxy is a minimal LiveProxy for standalone push-mode testing
// without a real internal buffer process attached (spec.md §1 calls the
// concrete buffer process out of scope).
type noopLiveProxy struct{ alive bool }

func (p *noopLiveProxy) IsAlive() bool           { return p.alive }
func (p *noopLiveProxy) StartBuffer() error       { p.alive = true; return nil }
func (p *noopLiveProxy) Push(track.Packet) error  { return nil }
func (p *noopLiveProxy) KeepAlive() error         { return nil }
func (p *noopLiveProxy) AttachNonViewer() error   { return nil }

// shmPageWriter is the production pagecache.Writer/MetaClearer, backed by
// one memfd-backed shm.MetaPage per track: BufferStart/BufferRemove record
// and clear a page's residency in real shared memory, the same index an
// attached egress process walks via MetaPage.Each (spec.md §6). Writing the
// packet payload bytes themselves into a shared data page has no grounded
// primitive in internal/shm (it only models the meta-slot index and the
// user-signal page, not a payload page), so BufferNext/BufferFinalize stay
// no-ops — the concrete egress wire transport is out of scope (spec.md §1).
type shmPageWriter struct {
	meta map[uint32]*shm.MetaPage
}

// newShmPageWriter creates one meta-page segment per trackID, named for
// diagnostics as SHM_META(streamName, trackID).
func newShmPageWriter(streamName string, trackIDs []uint32) (*shmPageWriter, []*shm.Segment, error) {
	meta := make(map[uint32]*shm.MetaPage, len(trackIDs))
	segs := make([]*shm.Segment, 0, len(trackIDs))
	for _, id := range trackIDs {
		seg, err := shm.Create(fmt.Sprintf("SHM_META_%s_%d", streamName, id), shm.MetaPageSlots*shm.MetaSlotSize)
		if err != nil {
			for _, s := range segs {
				s.Close()
			}
			return nil, nil, fmt.Errorf("shmPageWriter: track %d: %w", id, err)
		}
		segs = append(segs, seg)
		meta[id] = shm.NewMetaPage(seg)
	}
	return &shmPageWriter{meta: meta}, segs, nil
}

func (w *shmPageWriter) BufferStart(trackID, firstKey uint32) error {
	mp, ok := w.meta[trackID]
	if !ok {
		return fmt.Errorf("shmPageWriter: unknown track %d", trackID)
	}
	_, err := mp.SetFirstEmpty(firstKey)
	return err
}

func (w *shmPageWriter) BufferNext(trackID uint32, pkt track.Packet) error { return nil }
func (w *shmPageWriter) BufferFinalize(trackID uint32) error              { return nil }

func (w *shmPageWriter) BufferRemove(trackID, firstKey uint32) error {
	if mp, ok := w.meta[trackID]; ok {
		mp.ClearSlot(firstKey)
	}
	return nil
}

// ClearSlot satisfies pagecache.MetaClearer, reusing the same per-track
// meta pages BufferRemove clears.
func (w *shmPageWriter) ClearSlot(trackID, firstKey uint32) {
	if mp, ok := w.meta[trackID]; ok {
		mp.ClearSlot(firstKey)
	}
}

// reopenSource implements pagecache.PacketSource by reopening the rawcodec
// file and skipping to fromTime on every call — simple and correct for the
// line-oriented rawcodec format; a real container demuxer would seek
// instead of rescanning.
type reopenSource struct{ path string }

func (r *reopenSource) Packets(trackID uint32, fromTime int64) (<-chan track.Packet, error) {
	d, err := rawcodec.OpenFileDemuxer(r.path)
	if err != nil {
		return nil, err
	}
	if _, err := d.ReadHeader(); err != nil {
		return nil, err
	}
	out := make(chan track.Packet)
	in := d.Packets()
	go func() {
		defer close(out)
		for pkt := range in {
			if pkt.TrackID != trackID || pkt.Time < fromTime {
				continue
			}
			out <- pkt
		}
	}()
	return out, nil
}
