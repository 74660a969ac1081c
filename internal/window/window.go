// Package window implements SlidingWindow, the bounded FIFO of panes the
// segmenter maintains for the live playlist.
package window

import (
	"os"
	"strings"

	"github.com/futzu/x9kgo/internal/pane"
)

// SlidingWindow is a FIFO of panes bounded at size. Invariant: panes are
// strictly ordered by Num; Front().Num is always the current media
// sequence number immediately after a Push+Trim.
type SlidingWindow struct {
	size   int
	delete bool
	panes  []*pane.Pane
}

// New constructs a SlidingWindow of the given capacity. When delete is
// true, a pane's segment file is unlinked on eviction.
func New(size int, delete bool) *SlidingWindow {
	return &SlidingWindow{size: size, delete: delete}
}

// Push appends p to the back of the window.
func (w *SlidingWindow) Push(p *pane.Pane) {
	w.panes = append(w.panes, p)
}

// Trim evicts panes from the front while the window exceeds its capacity,
// returning the evicted panes in eviction order. When the window was
// constructed with delete, each evicted pane's segment file is unlinked;
// a missing file is not an error (best-effort cleanup).
func (w *SlidingWindow) Trim() []*pane.Pane {
	var evicted []*pane.Pane
	for len(w.panes) > w.size {
		p := w.panes[0]
		w.panes = w.panes[1:]
		if w.delete {
			os.Remove(p.Name)
		}
		evicted = append(evicted, p)
	}
	return evicted
}

// Front returns the first (oldest) pane in the window, and whether one
// exists.
func (w *SlidingWindow) Front() (*pane.Pane, bool) {
	if len(w.panes) == 0 {
		return nil, false
	}
	return w.panes[0], true
}

// Len reports the number of panes currently held.
func (w *SlidingWindow) Len() int { return len(w.panes) }

// Panes returns the panes in order, oldest first.
func (w *SlidingWindow) Panes() []*pane.Pane {
	out := make([]*pane.Pane, len(w.panes))
	copy(out, w.panes)
	return out
}

// RenderAll concatenates every pane's rendered text in order, the body of
// the media playlist between the header and any trailing #EXT-X-ENDLIST.
func (w *SlidingWindow) RenderAll() string {
	var b strings.Builder
	for _, p := range w.panes {
		b.WriteString(p.Render())
	}
	return b.String()
}
