// Package iframe implements per-packet random-access detection for H.264
// and HEVC elementary streams carried in MPEG-TS. The segmenter calls it on
// every packet that starts a PES packet to decide whether a new segment may
// begin there.
package iframe

import "github.com/futzu/x9kgo/internal/mpegts"

// Mode selects how a Detector decides a packet begins a random-access unit.
type Mode int

const (
	// ModeNALScan inspects the packet's Annex B NAL units for an IDR
	// (H.264) or BLA/IDR/CRA (HEVC) slice. This is the default: it works
	// regardless of whether the encoder sets the adaptation field's
	// random_access_indicator bit.
	ModeNALScan Mode = iota
	// ModeRAI trusts the adaptation field's random_access_indicator bit
	// instead of inspecting NAL units. Cheaper, but only as reliable as
	// the encoder's RAI signaling.
	ModeRAI
)

// Detector decides, packet by packet, whether a packet begins a video
// random-access unit. Stateless; a single Detector can be shared across
// PIDs since nothing it does depends on prior packets.
type Detector struct {
	mode Mode
}

// New constructs a Detector using mode.
func New(mode Mode) *Detector {
	return &Detector{mode: mode}
}

// Parse reports whether pkt begins a random-access unit on a stream of the
// given codec, and if so returns (pts, true), where pts is the caller's
// already-tracked PTS for this packet's PID. The caller is expected to call
// Parse only on packets with PayloadUnitStartIndicator set; Parse returns
// false for any packet that doesn't.
func (d *Detector) Parse(pkt *mpegts.Packet, isHEVC bool, pts float64) (float64, bool) {
	if pkt == nil || !pkt.Header.PayloadUnitStartIndicator {
		return 0, false
	}

	if d.mode == ModeRAI {
		if pkt.Header.RandomAccess {
			return pts, true
		}
		return 0, false
	}

	var found bool
	if isHEVC {
		found = hasHEVCKeyframe(pkt.Payload)
	} else {
		found = hasH264Keyframe(pkt.Payload)
	}
	if !found {
		return 0, false
	}
	return pts, true
}
