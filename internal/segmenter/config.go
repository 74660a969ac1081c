package segmenter

import "github.com/futzu/x9kgo/internal/cue"

// defaultWindowSize is the VOD/non-live window capacity: large enough that
// a normal-length run never trims a pane out of the final playlist.
// Matches original_source/x9k3's SlidingWindow(size=50000) default, which
// applies whenever --live doesn't override window.size.
const defaultWindowSize = 50000

// Config holds every operator-tunable option named in spec.md §6. Zero
// values give sane VOD defaults: six-second non-live segments, X_CUE
// dialect, discontinuities and throttling enabled.
type Config struct {
	// SegmentTime is the target segment duration in seconds.
	SegmentTime float64
	// TagMethod selects the HLS cue tag dialect.
	TagMethod cue.TagMethod
	// OutputDir is the directory segment files and index.m3u8 are written to.
	OutputDir string

	// WindowSize bounds the live sliding window's pane count.
	WindowSize int
	// Live enables the sliding window and wall-clock throttling.
	Live bool
	// Delete unlinks evicted segment files; implies Live.
	Delete bool
	// Replay loops the input indefinitely; implies Live and Delete.
	Replay bool
	// ProgramDateTime adds #EXT-X-PROGRAM-DATE-TIME per pane; implies Live.
	ProgramDateTime bool
	// NoDiscontinuity suppresses #EXT-X-DISCONTINUITY at splice points.
	NoDiscontinuity bool
	// NoThrottle disables wall-clock pacing even when Live.
	NoThrottle bool
	// Shulga selects random-access-indicator iframe detection over NAL scanning.
	Shulga bool
	// Iframe requests an iframe-only playlist.
	Iframe bool
	// Byterange requests byte-range segment references instead of separate files.
	Byterange bool
	// ContinueM3U8 reloads an existing playlist before segmenting.
	ContinueM3U8 bool
	// GateAutoIn resolves spec's Open Question (a): when true, an
	// in-progress CUE-OUT only auto-closes at a later natural splice
	// point rather than the instant breakTimer crosses breakDuration.
	GateAutoIn bool

	// SidecarFile is the path to the out-of-band cue file, if any.
	SidecarFile string

	// Input is the source URI or path, recorded for byte-range mode (which
	// references the original input instead of writing segment files) and
	// for detecting a playlist/m3u8 input.
	Input string
}

// normalize applies the option-implication rules spec.md §6 and §2's
// _args_flags equivalent describes: certain flags force others on.
func (c Config) normalize() Config {
	if c.ProgramDateTime || c.Delete || c.Replay {
		c.Live = true
	}
	if c.Replay {
		c.Delete = true
	}
	if c.SegmentTime <= 0 {
		c.SegmentTime = 6
	}
	if c.WindowSize <= 0 {
		if c.Live {
			c.WindowSize = 5
		} else {
			c.WindowSize = defaultWindowSize
		}
	}
	return c
}

func (c Config) isByterange() bool {
	return c.Byterange && hasTSExtension(c.Input)
}

func hasTSExtension(s string) bool {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return s[i:] == ".ts"
		}
		if s[i] == '/' {
			break
		}
	}
	return false
}
