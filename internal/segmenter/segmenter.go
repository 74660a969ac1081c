// Package segmenter implements the per-packet segmenting core: turning a
// decoded MPEG-TS stream into a sequence of segment files and a rolling or
// terminated HLS media playlist, splicing in SCTE-35 cue tags at the
// boundaries SCTE-35 and the sidecar file schedule.
package segmenter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/futzu/x9kgo/internal/cue"
	"github.com/futzu/x9kgo/internal/errs"
	"github.com/futzu/x9kgo/internal/iframe"
	"github.com/futzu/x9kgo/internal/metrics"
	"github.com/futzu/x9kgo/internal/mpegts"
	"github.com/futzu/x9kgo/internal/pane"
	"github.com/futzu/x9kgo/internal/sidecar"
	"github.com/futzu/x9kgo/internal/timer"
	"github.com/futzu/x9kgo/internal/tsio"
	"github.com/futzu/x9kgo/internal/window"
)

// Option configures optional Segmenter behavior not carried in Config.
type Option func(*Segmenter)

// WithMetrics attaches a Recorder; nil is safe and disables recording.
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Segmenter) { s.metrics = m }
}

// Version identifies this segmenter in the playlist's #EXT-X-X9K3-VERSION
// line, the tag name spec.md's playlist header fixes literally.
const Version = "1.0.0"

// Segmenter owns one run of the per-packet algorithm: it consumes a
// decoded MPEG-TS stream and writes segment files plus a media playlist
// for as long as the source has packets.
type Segmenter struct {
	cfg Config
	log *slog.Logger

	decoder   *mpegts.Decoder
	iframeDet *iframe.Detector
	cueSM     *cue.StateMachine
	side      *sidecar.Sidecar
	win       *window.SlidingWindow
	clock     *timer.Timer

	activeSegment bytes.Buffer

	startedSet bool
	started    float64
	nextStart  float64
	now        float64
	nowByte    int64
	startedByte int64

	segnum       int
	mediaSeq     int
	discontinuitySeq int
	firstSegment bool

	media   *mediaList
	metrics *metrics.Recorder
}

// New constructs a Segmenter reading decoded units from r via an MPEG-TS
// Decoder it creates internally. log is used as-is if non-nil, else
// slog.Default().
func New(cfg Config, r io.Reader, log *slog.Logger, opts ...Option) *Segmenter {
	cfg = cfg.normalize()
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "segmenter")

	mode := iframe.ModeNALScan
	if cfg.Shulga {
		mode = iframe.ModeRAI
	}

	s := &Segmenter{
		cfg:          cfg,
		log:          log,
		iframeDet:    iframe.New(mode),
		cueSM:        cue.New(cue.Config{GateAutoIn: cfg.GateAutoIn}),
		side:         sidecar.New(),
		win:          window.New(cfg.WindowSize, cfg.Delete),
		clock:        timer.New(log),
		firstSegment: true,
	}
	s.cueSM.SetTagMethod(cfg.TagMethod)
	s.decoder = mpegts.NewDecoder(context.Background(), r, mpegts.DecoderOptLogger(log))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run opens cfg.Input, aligns and pumps it through a decoder, and feeds
// every resulting unit to Parse until the source is exhausted. Callers
// that already have a reader (a chained playlist entry, a reload) should
// call Parse directly instead. When cfg.Input names an HLS playlist
// (".m3u8"), Run dispatches to IngestPlaylist instead of the TS pump path.
// When cfg.ContinueM3U8 is set, an existing index.m3u8 is reloaded first.
func Run(ctx context.Context, cfg Config, log *slog.Logger, opts ...Option) (*Segmenter, error) {
	cfg = cfg.normalize()
	s := New(cfg, nil, log, opts...)

	if cfg.ContinueM3U8 {
		if err := s.ContinueM3U8(); err != nil {
			s.log.Warn("continue-m3u8 failed", "error", err)
		}
	}

	if strings.Contains(cfg.Input, "m3u8") {
		if err := s.IngestPlaylist(ctx, cfg.Input); err != nil {
			return s, err
		}
		return s, s.addendum()
	}

	rc, err := tsio.Open(cfg.Input)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	aligned := tsio.NewAlignedReader(rc)
	g, gctx := errgroup.WithContext(ctx)
	out := make(chan []byte, 64)
	tsio.NewPump(aligned).Run(gctx, g, out)

	s.decoder = mpegts.NewDecoder(ctx, tsio.NewChanReader(out), mpegts.DecoderOptLogger(s.log))
	if err := s.decode(); err != nil {
		return s, err
	}
	if err := g.Wait(); err != nil {
		return s, err
	}
	return s, s.addendum()
}

// decode drains the Decoder until EOF, processing every unit.
func (s *Segmenter) decode() error {
	for {
		u, err := s.decoder.Next()
		if err != nil {
			if err == io.EOF {
				s.decoder.Drain()
				if videoPID, _, ok := s.decoder.VideoPID(); ok {
					if pts, ok2 := s.decoder.PIDToPTS(videoPID); ok2 && pts > s.now {
						s.now = pts
					}
				}
				return nil
			}
			if e, ok := err.(*errs.Error); ok && e.Is(errs.BadPacket) {
				s.log.Warn("resynchronized after packet sync loss", "error", err)
				continue
			}
			return err
		}
		if err := s.parse(u); err != nil {
			return err
		}
	}
}

// parse is the per-packet entry point: track byte position and PTS,
// dispatch PUSI packets to cue/iframe handling, and buffer the packet into
// the active segment.
func (s *Segmenter) parse(u *mpegts.Unit) error {
	s.nowByte += int64(len(u.Packet.Raw))

	if u.Cue != nil {
		if err := s.observeStreamCue(u); err != nil {
			s.log.Warn("scte35: dropping malformed cue", "error", err)
			s.metrics.CueDecodeError("stream")
		}
	}

	if u.HasPTS {
		s.now = u.PTS
	}
	if !s.startedSet {
		s.startNextStart(s.now)
	}

	if u.PUSI && s.startedSet {
		if s.cfg.Shulga {
			if u.Packet.Header.RandomAccess {
				if err := s.checkSplicePoint(); err != nil {
					return err
				}
			}
		} else if err := s.handleIframeCandidate(u); err != nil {
			return err
		}
	}

	if !s.cfg.isByterange() {
		s.activeSegment.Write(u.Packet.Raw)
	}
	return nil
}

// observeStreamCue hands a cue decoded directly off the transport stream
// to the state machine, using the PTS last seen on the cue's own PID for
// splice-immediate substitution, and mirrors it into the sidecar so
// stream-sourced and operator-sourced cues merge through one path.
func (s *Segmenter) observeStreamCue(u *mpegts.Unit) error {
	pidPTS, _ := s.decoder.PIDToPTS(u.PID)
	s.cueSM.Observe(u.Cue, pidPTS)
	if cueTime, ok := s.cueSM.CueTime(); ok {
		s.side.Add(sidecar.Entry{InsertPTS: cueTime, Cue: u.Cue.Base64()})
	}
	return nil
}

// handleIframeCandidate runs iframe detection on a video-PID PUSI packet,
// and on a hit loads the sidecar, fires any cues now due, and checks for a
// splice point.
func (s *Segmenter) handleIframeCandidate(u *mpegts.Unit) error {
	if !u.VideoPID {
		return nil
	}
	_, isHEVC, _ := s.decoder.VideoPID()
	pts, found := s.iframeDet.Parse(u.Packet, isHEVC, s.now)
	if !found {
		return nil
	}
	s.now = pts
	if s.cfg.Iframe {
		s.nextStart = pts
	}
	if err := s.loadSidecar(); err != nil {
		s.log.Warn("sidecar: reload failed", "error", err)
	}
	if err := s.checkSidecarCues(u.PID); err != nil {
		return err
	}
	return s.checkSplicePoint()
}

func (s *Segmenter) loadSidecar() error {
	if s.cfg.SidecarFile == "" {
		return nil
	}
	reloaded, err := s.side.Load(s.cfg.SidecarFile, s.now)
	if reloaded {
		s.metrics.SidecarReload()
	}
	return err
}

// checkSidecarCues fires every sidecar entry now due, decoding its cue
// string and feeding it to the state machine the same way a stream cue
// would be, then checking for a splice point after each one.
func (s *Segmenter) checkSidecarCues(videoPID uint16) error {
	if !s.startedSet {
		return nil
	}
	due := s.side.Due(s.started, s.startedSet, s.now)
	for _, e := range due {
		sis, err := sidecar.DecodeCue(e.Cue)
		if err != nil {
			s.log.Warn("sidecar: dropping malformed cue", "error", err)
			s.metrics.CueDecodeError("sidecar")
			continue
		}
		pidPTS, _ := s.decoder.PIDToPTS(videoPID)
		s.cueSM.Observe(sis, pidPTS)
		if err := s.checkSplicePoint(); err != nil {
			return err
		}
	}
	return nil
}

// checkSplicePoint narrows the current segment's boundary to an earlier
// pending cue time if one falls inside it, then finalizes the segment once
// the stream has reached that boundary. The cue state machine is
// classified only after the segment write completes, so the tag rendered
// for the just-written segment reflects the state in effect *before* this
// cue takes hold.
func (s *Segmenter) checkSplicePoint() error {
	if !s.startedSet {
		return nil
	}
	if cueTime, ok := s.cueSM.CueTime(); ok {
		if s.started < cueTime && cueTime < s.nextStart {
			s.nextStart = cueTime
		}
	}
	if s.now < s.nextStart {
		return nil
	}
	if err := s.writeSegment(); err != nil {
		return err
	}
	s.cueSM.Classify()
	return nil
}

// writeSegment finalizes the currently buffered segment: writes its bytes
// (unless byte-range mode references the input directly), builds its
// Pane, writes the playlist, advances the cue state machine's break timer
// and tick, throttles if live, and rolls started/nextStart forward.
func (s *Segmenter) writeSegment() error {
	segTime := round6(s.now - s.started)
	if segTime <= 0 {
		return nil
	}

	segFile := fmt.Sprintf("seg%d.ts", s.segnum)
	segName := filepath.Join(s.cfg.OutputDir, segFile)
	if s.cfg.isByterange() {
		segFile = s.cfg.Input
		segName = s.cfg.Input
	} else {
		if err := os.WriteFile(segName, s.activeSegment.Bytes(), 0o644); err != nil {
			return errs.Wrap(errs.WriteIO, fmt.Errorf("write %s: %w", segName, err))
		}
		if segTime > s.cfg.SegmentTime+2 {
			if d, ok := reparseDuration(segName); ok {
				segTime = d
			}
		}
	}

	s.mkPane(segFile, segName, segTime)
	if err := s.writePlaylist(); err != nil {
		return err
	}

	s.log.Info("wrote segment", "file", segFile, "duration", segTime, "num", s.segnum)
	s.metrics.SegmentWritten(segTime)

	s.cueSM.OnSegmentWritten(segTime)
	s.cueSM.Tick()
	s.checkLive(segTime)

	s.startNextStart(s.now)
	s.startedByte = s.nowByte
	s.segnum++
	s.firstSegment = false
	s.activeSegment.Reset()
	return nil
}

// mkPane builds the Pane for a just-finalized segment: its cue tag (which
// may add a discontinuity), program-date-time, EXTINF, and byte-range tags.
func (s *Segmenter) mkPane(segFile, segName string, segTime float64) {
	p := pane.New(segFile, segName, s.segnum)
	if s.firstSegment && (s.cfg.Replay || s.cfg.ContinueM3U8) {
		s.addDiscontinuity(p)
	}
	s.addCueTag(p)
	s.addProgramDateTime(p)

	extinf := fmt.Sprintf("%.6f,", segTime)
	p.AddTag("#EXTINF", &extinf)

	if s.cfg.isByterange() {
		rng := fmt.Sprintf("%d@%d", s.nowByte-s.startedByte, s.startedByte)
		p.AddTag("#EXT-X-BYTERANGE", &rng)
	}

	s.win.Push(p)
}

func (s *Segmenter) addCueTag(p *pane.Pane) {
	tag, ok := s.cueSM.RenderTag()
	if !ok {
		return
	}
	switch s.cueSM.State() {
	case cue.StateOut, cue.StateIn:
		s.addDiscontinuity(p)
	}
	key, val := splitTag(tag)
	p.AddTag(key, val)
}

func splitTag(tag string) (string, *string) {
	for i := 0; i < len(tag); i++ {
		if tag[i] == ':' {
			v := tag[i+1:]
			return tag[:i], &v
		}
	}
	return tag, nil
}

func (s *Segmenter) addDiscontinuity(p *pane.Pane) {
	if !s.cfg.NoDiscontinuity {
		p.AddTag("#EXT-X-DISCONTINUITY", nil)
		s.metrics.Discontinuity()
	}
}

func (s *Segmenter) addProgramDateTime(p *pane.Pane) {
	if !s.cfg.ProgramDateTime {
		return
	}
	iso := nowISO8601()
	p.AddTag("#EXT-X-PROGRAM-DATE-TIME", &iso)
}

// writePlaylist trims the window to capacity, bumps discontinuitySeq for
// every evicted pane that carried a discontinuity marker, sets mediaSeq to
// the (now current) front pane's number, and writes the header and body to
// index.m3u8.
func (s *Segmenter) writePlaylist() error {
	evicted := s.win.Trim()
	for _, p := range evicted {
		if p.HasTag("#EXT-X-DISCONTINUITY") {
			s.discontinuitySeq++
		}
	}
	if front, ok := s.win.Front(); ok {
		s.mediaSeq = front.Num
	}

	f, err := os.Create(s.m3u8Path())
	if err != nil {
		return errs.Wrap(errs.WriteIO, err)
	}
	defer f.Close()

	if _, err := f.WriteString(s.header()); err != nil {
		return errs.Wrap(errs.WriteIO, err)
	}
	if _, err := f.WriteString(s.win.RenderAll()); err != nil {
		return errs.Wrap(errs.WriteIO, err)
	}
	return nil
}

// header builds the playlist header lines spec.md's playlist header
// invariant names verbatim.
func (s *Segmenter) header() string {
	target := int(s.cfg.SegmentTime + 1)
	h := fmt.Sprintf(
		"#EXTM3U\n#EXT-X-VERSION:4\n#EXT-X-TARGETDURATION:%d\n#EXT-X-MEDIA-SEQUENCE:%d\n#EXT-X-DISCONTINUITY-SEQUENCE:%d\n#EXT-X-X9K3-VERSION:%s\n",
		target, s.mediaSeq, s.discontinuitySeq, Version,
	)
	if s.cfg.Iframe {
		h += "#EXT-X-I-FRAMES-ONLY\n"
	}
	return h
}

func (s *Segmenter) m3u8Path() string {
	return filepath.Join(s.cfg.OutputDir, "index.m3u8")
}

// checkLive throttles wall-clock pacing while live and throttling isn't
// disabled.
func (s *Segmenter) checkLive(segTime float64) {
	if !s.cfg.Live || s.cfg.NoThrottle {
		return
	}
	s.clock.Throttle(time.Duration(segTime * float64(time.Second)))
}

// startNextStart rolls started/nextStart forward from pts, resetting the
// stream when the next boundary would cross the PTS rollover point.
func (s *Segmenter) startNextStart(pts float64) {
	s.startedSet = true
	s.started = pts
	s.nextStart = s.started + s.cfg.SegmentTime
	if s.nextStart+s.cfg.SegmentTime > cue.Rollover {
		s.resetStream()
	}
}

func (s *Segmenter) resetStream() {
	s.startedSet = false
	s.started = 0
	s.nextStart = 0
}

// addendum flushes anything left in the active segment buffer as a final
// short segment, and appends #EXT-X-ENDLIST for a non-live run.
func (s *Segmenter) addendum() error {
	if s.activeSegment.Len() > 0 {
		if err := s.writeSegment(); err != nil {
			return err
		}
	}
	if s.cfg.Live {
		return nil
	}
	f, err := os.OpenFile(s.m3u8Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.WriteIO, err)
	}
	defer f.Close()
	_, err = f.WriteString("#EXT-X-ENDLIST\n")
	return errs.Wrap(errs.WriteIO, err)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func nowISO8601() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000") + "Z"
}

// reparseDuration re-opens a just-written segment file and walks it with a
// fresh decoder to recover its actual video duration, used as a sanity
// check when the PTS-derived duration looks implausibly long (a PTS
// discontinuity in the source, not a real long segment).
func reparseDuration(path string) (float64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	d := mpegts.NewDecoder(context.Background(), f)
	var first, last float64
	var haveFirst bool
	for {
		u, err := d.Next()
		if err != nil {
			break
		}
		if !u.VideoPID || !u.HasPTS {
			continue
		}
		if !haveFirst {
			first, haveFirst = u.PTS, true
		}
		last = u.PTS
	}
	if !haveFirst || last <= first {
		return 0, false
	}
	return round6(last - first), true
}
