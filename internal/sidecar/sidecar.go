// Package sidecar implements the out-of-band cue-injection file: a plain
// text file of "pts,cue" lines that lets an operator schedule SCTE-35 cues
// without modifying the media stream.
package sidecar

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/futzu/x9kgo/internal/scte35"
)

// Entry is one pending cue insertion, the point at the stream's PTS
// reaches InsertPTS the cue fires.
type Entry struct {
	InsertPTS float64
	Cue       string
}

// Sidecar holds pending entries loaded from a sidecar file, sorted
// ascending by InsertPTS, and the raw bytes of the last successful load so
// an unchanged file is a no-op.
type Sidecar struct {
	entries  []Entry
	lastLoad []byte
}

// New returns an empty Sidecar.
func New() *Sidecar {
	return &Sidecar{}
}

// Add inserts an entry, deduplicating against entries already pending and
// keeping the slice sorted ascending by InsertPTS.
func (s *Sidecar) Add(e Entry) {
	for _, existing := range s.entries {
		if existing == e {
			return
		}
	}
	s.entries = append(s.entries, e)
	sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].InsertPTS < s.entries[j].InsertPTS })
}

// Len reports the number of pending entries.
func (s *Sidecar) Len() int { return len(s.entries) }

// Load reads path, parsing any "pts,cue" lines not already loaded from
// that exact byte content, and truncates the file afterward (consumed
// lines are not reprocessed on the next Load). A pts of 0.0 is treated as
// "insert now" and substituted with now. Returns false without touching
// the file if its contents are byte-identical to the previous Load.
func (s *Sidecar) Load(path string, now float64) (bool, error) {
	if path == "" {
		return false, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("sidecar: read %s: %w", path, err)
	}
	if bytes.Equal(raw, s.lastLoad) {
		return false, nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	loaded := false
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		if len(parts) != 2 {
			continue
		}
		pts, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			continue
		}
		if pts == 0.0 {
			pts = now
		}
		s.Add(Entry{InsertPTS: pts, Cue: strings.TrimSpace(parts[1])})
		loaded = true
	}
	if err := scanner.Err(); err != nil {
		return loaded, fmt.Errorf("sidecar: scan %s: %w", path, err)
	}

	s.lastLoad = append([]byte(nil), raw...)
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return loaded, fmt.Errorf("sidecar: truncate %s: %w", path, err)
	}
	return loaded, nil
}

// Due removes and returns, in ascending PTS order, every entry whose
// InsertPTS falls within [started, now]. Called once per packet while a
// segment is open; started resets to zero (no lower bound) whenever the
// caller passes hasStarted=false, matching the "segment not yet timed"
// state where any due cue should still fire.
func (s *Sidecar) Due(started float64, hasStarted bool, now float64) []Entry {
	if len(s.entries) == 0 {
		return nil
	}
	var due []Entry
	var remaining []Entry
	for _, e := range s.entries {
		fire := hasStarted && started <= e.InsertPTS && e.InsertPTS <= now
		if fire {
			due = append(due, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	s.entries = remaining
	return due
}

// DecodeCue decodes a cue string in either base64 or hex into a splice
// info section, the two encodings accepted by the HLS CUE-OUT/CUE-IN and
// SCTE35-OUT/SCTE35-IN tag values. Per spec.md §6, hex is disambiguated
// from base64 solely by an explicit "0x"/"0X" prefix; anything else is
// decoded as base64, since base64's alphabet otherwise overlaps hex's.
func DecodeCue(cue string) (*scte35.SpliceInfoSection, error) {
	if trimmed := strings.TrimPrefix(strings.TrimPrefix(cue, "0x"), "0X"); trimmed != cue {
		raw, err := hex.DecodeString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("sidecar: decode cue %q: not valid hex: %w", cue, err)
		}
		return scte35.DecodeBytes(raw)
	}
	raw, err := base64.StdEncoding.DecodeString(cue)
	if err != nil {
		return nil, fmt.Errorf("sidecar: decode cue %q: not valid base64: %w", cue, err)
	}
	return scte35.DecodeBytes(raw)
}
