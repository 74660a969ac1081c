// Package cue implements the segmenter's cue state machine: classifying
// observed SCTE-35 cues into break OUT/CONT/IN transitions and rendering
// the resulting HLS tag text in one of four dialects.
package cue

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/futzu/x9kgo/internal/scte35"
)

// Rollover is the PTS wrap period in seconds: 2^33 ticks at a 90kHz clock.
const Rollover = 8589934592.0 / 90000.0

// outSet is the set of segmentation_type_id values that open a break via a
// time_signal command, per SCTE-35 Table 22.
var outSet = map[uint32]bool{
	0x22: true, 0x30: true, 0x32: true, 0x34: true, 0x36: true, 0x44: true, 0x46: true,
}

// TagMethod selects which HLS cue dialect RenderTag produces.
type TagMethod int

const (
	XCue TagMethod = iota
	XSCTE35
	XDateRange
	XSplicePoint
)

// ParseTagMethod maps a CLI-facing name to a TagMethod.
func ParseTagMethod(s string) (TagMethod, error) {
	switch s {
	case "x_cue", "":
		return XCue, nil
	case "x_scte35":
		return XSCTE35, nil
	case "x_daterange":
		return XDateRange, nil
	case "x_splicepoint":
		return XSplicePoint, nil
	default:
		return 0, fmt.Errorf("cue: unknown tag method %q", s)
	}
}

// State is the cue state machine's current classification.
type State int

const (
	StateNone State = iota
	StateOut
	StateCont
	StateIn
)

func (s State) String() string {
	switch s {
	case StateOut:
		return "OUT"
	case StateCont:
		return "CONT"
	case StateIn:
		return "IN"
	default:
		return "NONE"
	}
}

// Config holds the state machine's operator-tunable behavior.
type Config struct {
	// GateAutoIn requires breakTimer >= breakDuration before an explicit
	// IN cue is allowed to transition state; the cue is stored and
	// replayed once the timer threshold is later crossed. Default false
	// lets an explicit IN cue transition immediately.
	GateAutoIn bool
}

// StateMachine classifies observed SCTE-35 cues into OUT/CONT/IN state and
// renders the HLS tag text for the active dialect. Not safe for concurrent
// use; the segmenter's single-owner goroutine is the only caller.
type StateMachine struct {
	cfg       Config
	tagMethod TagMethod

	state         State
	cue           *scte35.SpliceInfoSection
	cueTime       float64
	hasCueTime    bool
	breakTimer    float64
	breakDuration *float64
	segType       *uint32
	eventID       uint32

	pendingIn *scte35.SpliceInfoSection
}

// New constructs a StateMachine with the X_CUE dialect and eventID starting
// at 1.
func New(cfg Config) *StateMachine {
	return &StateMachine{cfg: cfg, tagMethod: XCue, eventID: 1}
}

// SetTagMethod selects the HLS cue dialect used by RenderTag.
func (sm *StateMachine) SetTagMethod(m TagMethod) { sm.tagMethod = m }

// State reports the current classification.
func (sm *StateMachine) State() State { return sm.state }

// CueTime reports the adjusted PTS, in seconds, the pending cue takes
// effect at, and whether one has been observed.
func (sm *StateMachine) CueTime() (float64, bool) { return sm.cueTime, sm.hasCueTime }

// Observe stores sis and derives cueTime via the adjusted-PTS formula. It
// does not itself change state; call Classify next.
func (sm *StateMachine) Observe(sis *scte35.SpliceInfoSection, pidPTS float64) {
	sm.cue = sis
	pts := ptsTimeOf(sis, pidPTS)
	adj := pts + float64(sis.PTSAdjustment)/90000.0
	sm.cueTime = roundTo6(wrap(adj, Rollover))
	sm.hasCueTime = true
}

// ptsTimeOf returns the cue's own pts_time when the command carries one,
// else the caller-supplied current PTS of the cue's PID (splice-immediate
// substitution).
func ptsTimeOf(sis *scte35.SpliceInfoSection, pidPTS float64) float64 {
	switch cmd := sis.SpliceCommand.(type) {
	case *scte35.SpliceInsert:
		if cmd.PTSTime != nil {
			return float64(*cmd.PTSTime) / 90000.0
		}
	case *scte35.TimeSignal:
		if cmd.SpliceTime.PTSTime != nil {
			return float64(*cmd.SpliceTime.PTSTime) / 90000.0
		}
	}
	return pidPTS
}

func wrap(v, mod float64) float64 {
	r := math.Mod(v, mod)
	if r < 0 {
		r += mod
	}
	return r
}

func roundTo6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// Classify sets state to OUT or IN based on the most recently observed cue
// and reports whether a transition happened. A cue that doesn't satisfy its
// state guard is stored but leaves state unchanged.
func (sm *StateMachine) Classify() bool {
	if sm.cue == nil {
		return false
	}
	if sm.isCueOut() {
		sm.state = StateOut
		sm.breakTimer = 0
		if sm.hasCueTime && sm.breakDuration != nil {
			sm.cueTime += *sm.breakDuration
		}
		sm.pendingIn = nil
		return true
	}
	if sm.isCueIn() {
		if sm.cfg.GateAutoIn && sm.breakDuration != nil && sm.breakTimer < *sm.breakDuration {
			sm.pendingIn = sm.cue
			return false
		}
		sm.state = StateIn
		return true
	}
	return false
}

func (sm *StateMachine) isCueOut() bool {
	if sm.state != StateNone && sm.state != StateIn {
		return false
	}
	switch cmd := sm.cue.SpliceCommand.(type) {
	case *scte35.SpliceInsert:
		if !cmd.OutOfNetworkIndicator {
			return false
		}
		if cmd.BreakDuration != nil {
			dur := float64(cmd.BreakDuration.Duration) / 90000.0
			sm.breakDuration = &dur
		}
		return true
	case *scte35.TimeSignal:
		for _, d := range sm.cue.SpliceDescriptors {
			sd, ok := d.(*scte35.SegmentationDescriptor)
			if !ok || !outSet[sd.SegmentationTypeID] {
				continue
			}
			segType := sd.SegmentationTypeID + 1
			sm.segType = &segType
			if sd.SegmentationDuration != nil {
				dur := float64(*sd.SegmentationDuration) / 90000.0
				sm.breakDuration = &dur
			}
			return true
		}
	}
	return false
}

func (sm *StateMachine) isCueIn() bool {
	if sm.state != StateOut && sm.state != StateCont {
		return false
	}
	switch cmd := sm.cue.SpliceCommand.(type) {
	case *scte35.SpliceInsert:
		return !cmd.OutOfNetworkIndicator
	case *scte35.TimeSignal:
		for _, d := range sm.cue.SpliceDescriptors {
			sd, ok := d.(*scte35.SegmentationDescriptor)
			if !ok {
				continue
			}
			if sm.segType != nil && sd.SegmentationTypeID == *sm.segType {
				sm.segType = nil
				return true
			}
		}
	}
	return false
}

// OnSegmentWritten advances breakTimer by the duration of the segment that
// was just written, while in OUT or CONT.
func (sm *StateMachine) OnSegmentWritten(segDuration float64) {
	if sm.state == StateOut || sm.state == StateCont {
		sm.breakTimer += segDuration
	}
}

// checkAutoIn forces state to IN once breakTimer has caught up with
// breakDuration, ahead of rendering this boundary's tag — the auto-return
// a SCTE-35 break implies when no explicit IN cue arrives in time. If an
// explicit IN cue arrived earlier but was gated by GateAutoIn, it was
// stashed in pendingIn; replaying it here (rather than whatever cue
// Observe most recently overwrote sm.cue with) is what makes the gated
// cue's own content, not just its state transition, take effect once the
// threshold is crossed.
func (sm *StateMachine) checkAutoIn() {
	if sm.breakDuration == nil {
		return
	}
	if sm.state != StateOut && sm.state != StateCont {
		return
	}
	if sm.breakTimer >= *sm.breakDuration {
		if sm.pendingIn != nil {
			sm.cue = sm.pendingIn
			sm.pendingIn = nil
		}
		sm.state = StateIn
	}
}

// Tick transitions OUT to CONT, and IN to NONE (clearing the cue and break
// bookkeeping). Call once per segment boundary, after rendering this
// boundary's tag.
func (sm *StateMachine) Tick() {
	switch sm.state {
	case StateOut:
		sm.state = StateCont
	case StateIn:
		sm.state = StateNone
		sm.cue = nil
		sm.cueTime = 0
		sm.hasCueTime = false
		sm.breakTimer = 0
		sm.breakDuration = nil
		sm.pendingIn = nil
	}
}

// RenderTag returns the HLS tag text for the current state in the chosen
// dialect, or ("", false) when no cue is pending or the state doesn't
// render in that dialect.
func (sm *StateMachine) RenderTag() (string, bool) {
	sm.checkAutoIn()
	if sm.cue == nil {
		return "", false
	}
	switch sm.tagMethod {
	case XSCTE35:
		return sm.renderXSCTE35()
	case XDateRange:
		return sm.renderXDateRange()
	case XSplicePoint:
		return sm.renderXSplicePoint()
	default:
		return sm.renderXCue()
	}
}

func (sm *StateMachine) durString() string {
	if sm.breakDuration == nil {
		return "0"
	}
	return strconv.FormatFloat(*sm.breakDuration, 'f', -1, 64)
}

func (sm *StateMachine) renderXCue() (string, bool) {
	switch sm.state {
	case StateOut:
		return fmt.Sprintf("#EXT-X-CUE-OUT:%s", sm.durString()), true
	case StateCont:
		return fmt.Sprintf("#EXT-X-CUE-OUT-CONT:%.6f/%s", sm.breakTimer, sm.durString()), true
	case StateIn:
		return "#EXT-X-CUE-IN", true
	default:
		return "", false
	}
}

func (sm *StateMachine) renderXSCTE35() (string, bool) {
	b64 := sm.cue.Base64()
	switch sm.state {
	case StateOut:
		return fmt.Sprintf(`#EXT-X-SCTE35:CUE="%s",CUE-OUT=YES`, b64), true
	case StateCont:
		return fmt.Sprintf(`#EXT-X-SCTE35:CUE="%s",CUE-OUT=CONT`, b64), true
	case StateIn:
		return fmt.Sprintf(`#EXT-X-SCTE35:CUE="%s",CUE-IN=YES`, b64), true
	default:
		return "", false
	}
}

func (sm *StateMachine) renderXDateRange() (string, bool) {
	switch sm.state {
	case StateOut:
		dur := ""
		if sm.breakDuration != nil {
			dur = fmt.Sprintf(",PLANNED-DURATION=%s", sm.durString())
		}
		tag := fmt.Sprintf(`#EXT-X-DATERANGE:ID="%d",START-DATE="%s"%s,SCTE35-OUT=%s`,
			sm.eventID, iso8601Now(), dur, sm.cue.Hex())
		return tag, true
	case StateIn:
		tag := fmt.Sprintf(`#EXT-X-DATERANGE:ID="%d",END-DATE="%s",SCTE35-IN=%s`,
			sm.eventID, iso8601Now(), sm.cue.Hex())
		sm.eventID++
		return tag, true
	default:
		return "", false
	}
}

func (sm *StateMachine) renderXSplicePoint() (string, bool) {
	switch sm.state {
	case StateOut, StateIn:
		return fmt.Sprintf("#EXT-X-SPLICEPOINT-SCTE35:%s", sm.cue.Base64()), true
	default:
		return "", false
	}
}

func iso8601Now() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000") + "Z"
}
