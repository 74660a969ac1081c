package mpegts

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/futzu/x9kgo/internal/errs"
	"github.com/futzu/x9kgo/internal/scte35"
)

// Stream types this segmenter cares about. StreamTypeSCTE35 is the
// registered SCTE-35 stream type (SMPTE/SCTE registration 0x86); many
// real-world encoders instead tag the SCTE-35 PID with a private stream
// type and rely on a well-known PID, which is why DecoderOptSCTE35PID
// exists as an override.
const (
	StreamTypeH264   uint8 = 0x1B
	StreamTypeH265   uint8 = 0x24
	StreamTypeSCTE35 uint8 = 0x86

	// scte35PIDDefault is the PID convention used when the PMT carries no
	// SCTE-35 stream type entry and no override was given.
	scte35PIDDefault uint16 = 500
)

// Decoder is the external TSDecoder collaborator spec'd for the segmenter:
// it tracks the most recent PTS seen per PID, classifies the video and
// SCTE-35 PIDs from the PMT, and surfaces decoded SCTE-35 cues as a side
// effect of feeding it packets one at a time. The Segmenter never parses
// PES headers itself — this is the sole owner of that state.
type Decoder struct {
	log *slog.Logger
	dmx *Demuxer

	pidPTS map[uint16]float64

	videoPID     uint16
	isHEVC       bool
	scte35PID    uint16
	scte35PIDSet bool
	pmtSeen      bool
	pendingCue   map[uint16]*scte35.SpliceInfoSection
}

// DecoderOpt configures a Decoder at construction time.
type DecoderOpt func(*Decoder)

// DecoderOptSCTE35PID pins the SCTE-35 PID instead of relying on PMT
// discovery or the well-known default of 500.
func DecoderOptSCTE35PID(pid uint16) DecoderOpt {
	return func(d *Decoder) {
		d.scte35PID = pid
		d.scte35PIDSet = true
	}
}

// DecoderOptLogger attaches a logger; slog.Default() is used otherwise.
func DecoderOptLogger(l *slog.Logger) DecoderOpt {
	return func(d *Decoder) { d.log = l }
}

// NewDecoder constructs a Decoder reading raw TS bytes from r.
func NewDecoder(ctx context.Context, r io.Reader, opts ...DecoderOpt) *Decoder {
	d := &Decoder{
		log:    slog.Default(),
		pidPTS: make(map[uint16]float64),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.dmx = NewDemuxer(ctx, r,
		DemuxerOptPacketSize(packetSize),
		DemuxerOptPacketsParser(d.interceptSCTE35),
	)
	return d
}

// Unit is one MPEG-TS packet plus whatever the Decoder's reassembly state
// concluded from it. Cue is non-nil exactly on the packet that completed a
// SCTE-35 section.
type Unit struct {
	Packet   *Packet
	PID      uint16
	PUSI     bool
	PTS      float64
	HasPTS   bool
	VideoPID bool
	Cue      *scte35.SpliceInfoSection
}

// Next reads and classifies the next TS packet. Returns io.EOF when the
// underlying source is exhausted.
func (d *Decoder) Next() (*Unit, error) {
	pkt, results, err := d.dmx.ReadPacket()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, ErrBadPacket) {
			return nil, errs.Wrap(errs.BadPacket, err)
		}
		return nil, errs.Wrap(errs.SourceIO, err)
	}

	u := &Unit{
		Packet: pkt,
		PID:    pkt.Header.PID,
		PUSI:   pkt.Header.PayloadUnitStartIndicator,
	}

	for _, r := range results {
		switch {
		case r.PAT != nil:
			for _, p := range r.PAT.Programs {
				d.dmx.programMap.addPMTPID(p.ProgramMapID)
			}
		case r.PMT != nil:
			d.observePMT(r.PMT)
		case r.PES != nil:
			d.observePES(r)
		}
	}

	if pts, ok := d.pidPTS[u.PID]; ok {
		u.PTS, u.HasPTS = pts, true
	}
	u.VideoPID = u.PID != 0 && u.PID == d.videoPID
	if cue, ok := d.pendingCue[u.PID]; ok {
		u.Cue = cue
		delete(d.pendingCue, u.PID)
	}
	return u, nil
}

// Drain flushes any trailing buffered packets and folds their PTS into
// PIDToPTS, so a stream's final PES unit — which never saw a following
// PUSI packet to flush it through Next — is not silently lost. Call once
// after Next returns io.EOF.
func (d *Decoder) Drain() {
	for _, r := range d.dmx.Drain() {
		if r.PES != nil {
			d.observePES(r)
		}
	}
}

func (d *Decoder) observePMT(pmt *PMTData) {
	for _, es := range pmt.ElementaryStreams {
		switch es.StreamType {
		case StreamTypeH264:
			if d.videoPID == 0 {
				d.videoPID = es.ElementaryPID
				d.isHEVC = false
			}
		case StreamTypeH265:
			if d.videoPID == 0 {
				d.videoPID = es.ElementaryPID
				d.isHEVC = true
			}
		case StreamTypeSCTE35:
			if !d.scte35PIDSet {
				d.scte35PID = es.ElementaryPID
				d.scte35PIDSet = true
			}
		}
	}
	d.pmtSeen = true
}

func (d *Decoder) observePES(r *DemuxerData) {
	if r.FirstPacket == nil || r.PES == nil || r.PES.Header == nil || r.PES.Header.OptionalHeader == nil {
		return
	}
	pts := r.PES.Header.OptionalHeader.PTS
	if pts == nil {
		return
	}
	d.pidPTS[r.FirstPacket.Header.PID] = float64(pts.Base) / 90000.0
}

// interceptSCTE35 is the Demuxer's PacketsParser hook: it recognizes the
// SCTE-35 PID (override, PMT-discovered, or the well-known default of 500
// when the PMT has not declared one) and decodes the section directly,
// since a SCTE-35 section is not a PES packet and the generic routing in
// processPackets would otherwise silently drop it.
func (d *Decoder) interceptSCTE35(ps []*Packet) ([]*DemuxerData, bool, error) {
	if len(ps) == 0 {
		return nil, false, nil
	}
	pid := ps[0].Header.PID
	want := d.scte35PID
	if !d.scte35PIDSet && !d.pmtSeen {
		want = scte35PIDDefault
	}
	if pid != want {
		return nil, false, nil
	}

	var payload []byte
	for _, p := range ps {
		payload = append(payload, p.Payload...)
	}
	if len(payload) > 0 {
		payload = payload[1:] // pointer_field
	}
	if len(payload) < 3 {
		return nil, true, nil
	}
	sectionLen := int(payload[1]&0x0F)<<8 | int(payload[2])
	total := 3 + sectionLen
	if total > len(payload) {
		total = len(payload)
	}

	sis, err := scte35.DecodeBytes(payload[:total])
	if err != nil {
		d.log.Warn("scte35: dropping malformed cue", "error", err, "pid", pid)
		return nil, true, nil
	}
	if d.pendingCue == nil {
		d.pendingCue = make(map[uint16]*scte35.SpliceInfoSection)
	}
	d.pendingCue[pid] = sis
	return nil, true, nil
}

// PIDToPTS returns the most recently observed PTS, in seconds, for pid.
func (d *Decoder) PIDToPTS(pid uint16) (float64, bool) {
	pts, ok := d.pidPTS[pid]
	return pts, ok
}

// VideoPID reports the discovered video elementary stream PID, if any.
func (d *Decoder) VideoPID() (pid uint16, isHEVC, ok bool) {
	return d.videoPID, d.isHEVC, d.videoPID != 0
}

// Pid extracts a PID from a raw TS packet's second and third bytes,
// mirroring the external TSDecoder.parsePid capability named in spec.
func Pid(b1, b2 byte) uint16 {
	return uint16(b1&0x1F)<<8 | uint16(b2)
}
