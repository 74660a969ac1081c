package segmenter

import (
	"bufio"
	"context"
	"strings"

	"github.com/futzu/x9kgo/internal/errs"
	"github.com/futzu/x9kgo/internal/mpegts"
	"github.com/futzu/x9kgo/internal/tsio"
)

// maxMediaList bounds mediaList, the set of media URIs a playlist-ingest
// run has already segmented. Matches original_source/x9k3's max_media.
const maxMediaList = 10101

// mediaList is a bounded FIFO membership set: entries are checked by
// contains and appended once, oldest evicted first once past capacity.
// Mirrors Python's collections.deque usage in _parse_m3u8_media — a
// straight FIFO, not an access-order LRU.
type mediaList struct {
	seen  map[string]struct{}
	order []string
}

func newMediaList() *mediaList {
	return &mediaList{seen: make(map[string]struct{})}
}

func (m *mediaList) contains(uri string) bool {
	_, ok := m.seen[uri]
	return ok
}

func (m *mediaList) add(uri string) {
	m.seen[uri] = struct{}{}
	m.order = append(m.order, uri)
	for len(m.order) > maxMediaList {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.seen, oldest)
	}
}

// IngestPlaylist reads manifestURI as an HLS playlist, resolving each
// non-comment media line against the playlist's own base URI, and feeds
// every media URI not already in mediaList through the Segmenter to
// completion. Loops re-reading the manifest until it sees
// #EXT-X-ENDLIST, the live-playlist-as-input mode spec's PlaylistIngestor
// describes.
func (s *Segmenter) IngestPlaylist(ctx context.Context, manifestURI string) error {
	baseURI := baseURIOf(manifestURI)
	if s.media == nil {
		s.media = newMediaList()
	}

	for {
		done, err := s.ingestOnce(ctx, manifestURI, baseURI)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// ingestOnce reads the manifest once, segmenting any media URI not yet
// seen, and reports whether #EXT-X-ENDLIST closed the playlist.
func (s *Segmenter) ingestOnce(ctx context.Context, manifestURI, baseURI string) (bool, error) {
	rc, err := tsio.Open(manifestURI)
	if err != nil {
		return false, err
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := cleanLine(scanner.Text())
		if line == "" {
			continue
		}
		if line == "#EXT-X-ENDLIST" {
			return true, nil
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		media := resolveURI(baseURI, line)
		if s.media.contains(media) {
			continue
		}
		s.media.add(media)
		if err := s.ingestMedia(ctx, media); err != nil {
			return false, err
		}
	}
	if err := scanner.Err(); err != nil {
		return false, errs.Wrap(errs.SourceIO, err)
	}
	return false, nil
}

// ingestMedia opens one media URI and feeds its packets through parse to
// completion, matching Python's _parse_m3u8_media.
func (s *Segmenter) ingestMedia(ctx context.Context, media string) error {
	rc, err := tsio.Open(media)
	if err != nil {
		s.log.Warn("ingest: skipping unreachable media", "uri", media, "error", err)
		return nil
	}
	defer rc.Close()

	aligned := tsio.NewAlignedReader(rc)
	dec := mpegts.NewDecoder(ctx, aligned, mpegts.DecoderOptLogger(s.log))
	for {
		u, err := dec.Next()
		if err != nil {
			if e, ok := err.(*errs.Error); ok && e.Is(errs.BadPacket) {
				s.log.Warn("ingest: resynchronized after packet sync loss", "error", err)
				continue
			}
			break
		}
		if err := s.parse(u); err != nil {
			return err
		}
	}
	dec.Drain()
	if videoPID, _, ok := dec.VideoPID(); ok {
		if pts, ok2 := dec.PIDToPTS(videoPID); ok2 && pts > s.now {
			s.now = pts
		}
	}
	return nil
}

func baseURIOf(manifestURI string) string {
	if i := strings.LastIndex(manifestURI, "/"); i >= 0 {
		return manifestURI[:i+1]
	}
	return ""
}

func resolveURI(baseURI, media string) string {
	if baseURI == "" || strings.Contains(media, baseURI) {
		return media
	}
	if strings.Contains(media, "://") {
		return media
	}
	return baseURI + media
}

func cleanLine(s string) string {
	return strings.TrimRight(s, "\r\n")
}
