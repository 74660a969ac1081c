package segmenter

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mogiioin/hls-m3u8/m3u8"

	"github.com/futzu/x9kgo/internal/errs"
	"github.com/futzu/x9kgo/internal/pane"
)

// cueTagNames lists every cue/discontinuity-adjacent tag RenderTag can
// produce, in the order ContinueM3U8 re-applies them to a reloaded pane.
// Each is registered as a raw custom decoder so a reload recovers the exact
// tag text this segmenter wrote, rather than reinterpreting it through the
// parser's own SCTE-35/DateRange types.
var cueTagNames = []string{
	"#EXT-X-CUE-OUT:",
	"#EXT-X-CUE-OUT-CONT:",
	"#EXT-X-CUE-IN",
	"#EXT-X-SCTE35:",
	"#EXT-X-DATERANGE:",
	"#EXT-X-SPLICEPOINT-SCTE35:",
}

// rawTag is a CustomTag that carries a playlist line verbatim.
type rawTag struct {
	name string
	line string
}

func (t rawTag) TagName() string       { return t.name }
func (t rawTag) Encode() *bytes.Buffer { return bytes.NewBufferString(t.line) }
func (t rawTag) String() string        { return t.line }

// rawTagDecoder registers a rawTag decoder for one segment-level tag name.
type rawTagDecoder struct{ name string }

func (d rawTagDecoder) TagName() string  { return d.name }
func (d rawTagDecoder) SegmentTag() bool { return true }
func (d rawTagDecoder) Decode(line string) (m3u8.CustomTag, error) {
	return rawTag{name: d.name, line: line}, nil
}

func cueCustomDecoders() []m3u8.CustomDecoder {
	decoders := make([]m3u8.CustomDecoder, len(cueTagNames))
	for i, name := range cueTagNames {
		decoders[i] = rawTagDecoder{name: name}
	}
	return decoders
}

// ContinueM3U8 reloads an existing index.m3u8 in cfg.OutputDir, hydrating
// the window, discontinuitySeq, mediaSeq and segnum so the next write picks
// up where the previous run left off. Refuses iframe-only and byte-range
// output, for which segment continuation is not well-defined, per
// original_source/x9k3's continue_m3u8.
func (s *Segmenter) ContinueM3U8() error {
	if s.cfg.Iframe || s.cfg.isByterange() {
		return errs.Wrap(errs.ContinueIncompatible,
			fmt.Errorf("segmenter: cannot continue m3u8 for iframe-only or byte-range output"))
	}

	path := s.m3u8Path()
	existing, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.SourceIO, err)
	}

	if err := s.reloadPlaylist(existing); err != nil {
		return err
	}
	s.segnum++
	s.log.Info("continuing playlist", "file", path, "segment", s.segnum)
	return nil
}

// reloadPlaylist parses the text of a previously-written index.m3u8 and
// rebuilds panes, hydrating discontinuitySeq/mediaSeq/segnum from it.
// A scratch copy with a synthetic #EXT-X-ENDLIST is decoded so an
// in-progress live playlist (no ENDLIST of its own) still parses cleanly.
func (s *Segmenter) reloadPlaylist(existing []byte) error {
	tmpPath := filepath.Join(s.cfg.OutputDir, "tmp.m3u8")
	var scratch bytes.Buffer
	scratch.Write(existing)
	if scratch.Len() > 0 && scratch.Bytes()[scratch.Len()-1] != '\n' {
		scratch.WriteByte('\n')
	}
	scratch.WriteString("#EXT-X-ENDLIST\n")
	if err := os.WriteFile(tmpPath, scratch.Bytes(), 0o644); err != nil {
		return errs.Wrap(errs.WriteIO, err)
	}
	defer os.Remove(tmpPath)

	capacity := uint(strings.Count(scratch.String(), "#EXTINF:")) + 1
	pl, err := m3u8.NewMediaPlaylist(0, capacity)
	if err != nil {
		return errs.Wrap(errs.SourceIO, err)
	}
	pl = pl.WithCustomDecoders(cueCustomDecoders()).(*m3u8.MediaPlaylist)

	f, err := os.Open(tmpPath)
	if err != nil {
		return errs.Wrap(errs.SourceIO, err)
	}
	defer f.Close()
	if err := pl.DecodeFrom(f, false); err != nil {
		return errs.Wrap(errs.SourceIO, err)
	}

	s.discontinuitySeq = int(pl.DiscontinuitySeq)
	s.mediaSeq = int(pl.SeqNo)

	segs := pl.GetAllSegments()
	for i, seg := range segs {
		p := reloadPane(seg, s.cfg.OutputDir)
		if num, ok := extractSegNum(seg.URI); ok {
			s.segnum = num
		}
		if i == len(segs)-1 {
			p.AddTag("#EXT-X-DISCONTINUITY", nil)
		}
		s.win.Push(p)
	}

	if s.cfg.Live {
		s.win.Trim()
	}
	s.firstSegment = true
	return nil
}

// reloadPane rebuilds the Pane for one reloaded segment from its parsed
// MediaSegment, recovering cue tags from the raw custom decoders and
// native fields for discontinuity and program-date-time.
func reloadPane(seg *m3u8.MediaSegment, outputDir string) *pane.Pane {
	num, _ := extractSegNum(seg.URI)
	p := pane.New(seg.URI, filepath.Join(outputDir, seg.URI), num)

	if seg.Discontinuity {
		p.AddTag("#EXT-X-DISCONTINUITY", nil)
	}
	for _, name := range cueTagNames {
		t, ok := seg.Custom[name]
		if !ok {
			continue
		}
		key, val := splitTag(t.String())
		p.AddTag(key, val)
	}
	if !seg.ProgramDateTime.IsZero() {
		v := seg.ProgramDateTime.UTC().Format("2006-01-02T15:04:05.000000") + "Z"
		p.AddTag("#EXT-X-PROGRAM-DATE-TIME", &v)
	}
	extinf := fmt.Sprintf("%.6f,", seg.Duration)
	p.AddTag("#EXTINF", &extinf)
	if seg.Limit > 0 {
		rng := fmt.Sprintf("%d@%d", seg.Limit, seg.Offset)
		p.AddTag("#EXT-X-BYTERANGE", &rng)
	}
	return p
}

// extractSegNum recovers the sequence number this segmenter encoded into a
// segment's file name ("seg<N>.ts").
func extractSegNum(uri string) (int, bool) {
	base := filepath.Base(uri)
	if !strings.HasPrefix(base, "seg") {
		return 0, false
	}
	base = strings.TrimPrefix(base, "seg")
	base = strings.TrimSuffix(base, filepath.Ext(base))
	n, err := strconv.Atoi(base)
	if err != nil {
		return 0, false
	}
	return n, true
}
