// Package timer implements wall-clock pacing for live segmenting: when
// reading a stream faster than real time, throttle sleeps just long enough
// to keep segment production roughly in step with playback.
package timer

import (
	"log/slog"
	"time"
)

// Timer tracks a lap's wall-clock start so Throttle can compare elapsed
// wall time against a segment's media duration.
type Timer struct {
	log   *slog.Logger
	begin time.Time
}

// New constructs a Timer. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Timer {
	if log == nil {
		log = slog.Default()
	}
	return &Timer{log: log}
}

// Start begins a new lap at now.
func (t *Timer) Start(now time.Time) {
	t.begin = now
}

// Elapsed reports the wall-clock duration since the last Start.
func (t *Timer) Elapsed(now time.Time) time.Duration {
	return now.Sub(t.begin)
}

// Throttle compares the wall-clock time elapsed since the last Start
// against segDuration (the segment's media duration). If the segment was
// produced faster than real time, it sleeps the difference, then starts a
// new lap at the current time.
func (t *Timer) Throttle(segDuration time.Duration) {
	now := time.Now()
	elapsed := t.Elapsed(now)
	diff := (segDuration - elapsed).Round(10 * time.Millisecond)
	if diff > 0 {
		t.log.Debug("throttling live segment production", "sleep", diff)
		time.Sleep(diff)
	}
	t.Start(time.Now())
}
