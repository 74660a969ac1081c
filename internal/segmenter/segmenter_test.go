package segmenter

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/futzu/x9kgo/internal/metrics"
)

const (
	testSyncByte = 0x47
	videoPID     = 0x100
	pmtPID       = 0x1000
)

func tsPacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, 188)
	buf[0] = testSyncByte
	buf[1] = byte(pid>>8) & 0x1F
	if pusi {
		buf[1] |= 0x40
	}
	buf[2] = byte(pid)
	buf[3] = 0x10 | (cc & 0x0F)
	copy(buf[4:], payload)
	return buf
}

func crc(data []byte) uint32 {
	table := func() [256]uint32 {
		var t [256]uint32
		for i := 0; i < 256; i++ {
			c := uint32(i) << 24
			for j := 0; j < 8; j++ {
				if c&0x80000000 != 0 {
					c = (c << 1) ^ 0x04C11DB7
				} else {
					c <<= 1
				}
			}
			t[i] = c
		}
		return t
	}()
	c := uint32(0xFFFFFFFF)
	for _, b := range data {
		c = (c << 8) ^ table[byte(c>>24)^b]
	}
	return c
}

func finishSection(tableID uint8, body []byte) []byte {
	sectionLength := len(body) + 4
	section := append([]byte{tableID, 0x80 | byte(sectionLength>>8&0x0F), byte(sectionLength)}, body...)
	cr := crc(section)
	return append(section, byte(cr>>24), byte(cr>>16), byte(cr>>8), byte(cr))
}

func patPacket() []byte {
	body := []byte{0x00, 0x01, 0xC1, 0x00, 0x00, 0x00, 0x01, 0xE0 | byte(pmtPID>>8), byte(pmtPID)}
	section := finishSection(0x00, body)
	payload := append([]byte{0x00}, section...)
	return tsPacket(0x0000, 0, true, payload)
}

func pmtPacket() []byte {
	body := []byte{
		0x00, 0x01, 0xC1, 0x00, 0x00,
		0xE0 | byte(videoPID>>8), byte(videoPID),
		0xF0, 0x00,
		0x1B, 0xE0 | byte(videoPID>>8), byte(videoPID), 0xF0, 0x00,
	}
	section := finishSection(0x02, body)
	payload := append([]byte{0x00}, section...)
	return tsPacket(pmtPID, 0, true, payload)
}

func encodeTS(prefix byte, ts int64) []byte {
	b := make([]byte, 5)
	b[0] = prefix<<4 | byte(ts>>29)&0x0E | 0x01
	b[1] = byte(ts >> 22)
	b[2] = byte(ts>>14)&0xFE | 0x01
	b[3] = byte(ts >> 7)
	b[4] = byte(ts<<1)&0xFE | 0x01
	return b
}

// idrPacket builds a single TS packet carrying a PES header with the given
// PTS followed by an H.264 IDR NAL unit, small enough to fit one packet.
func idrPacket(cc uint8, pts int64) []byte {
	nal := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xAA, 0xBB} // IDR slice NAL
	tsBytes := encodeTS(0x2, pts)
	pes := []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80, 0x80, byte(len(tsBytes))}
	pes = append(pes, tsBytes...)
	pes = append(pes, nal...)
	return tsPacket(videoPID, cc, true, pes)
}

func testStream(ptsValues []int64) []byte {
	var buf bytes.Buffer
	buf.Write(patPacket())
	buf.Write(pmtPacket())
	for i, pts := range ptsValues {
		buf.Write(idrPacket(uint8(i), pts))
	}
	return buf.Bytes()
}

func TestWithMetricsRecordsSegmentsAndDiscontinuities(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := Config{SegmentTime: 1, OutputDir: dir, Replay: true, ContinueM3U8: true}
	stream := testStream([]int64{0, 45000, 135000})

	rec := metrics.New()
	s := New(cfg, bytes.NewReader(stream), nil, WithMetrics(rec))
	if err := s.decode(); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := s.addendum(); err != nil {
		t.Fatalf("addendum: %v", err)
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, req)
	body := w.Body.String()
	if strings.Contains(body, "x9kgo_segments_written_total 0") {
		t.Errorf("expected segments_written_total to be nonzero, body:\n%s", body)
	}
	if !strings.Contains(body, "x9kgo_discontinuities_total") {
		t.Error("expected discontinuities_total to be present")
	}
}

func TestSegmenterWritesSegmentsAcrossIframeBoundaries(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := Config{SegmentTime: 1, OutputDir: dir}
	stream := testStream([]int64{0, 45000, 135000}) // 0s, 0.5s, 1.5s

	s := New(cfg, bytes.NewReader(stream), nil)
	if err := s.decode(); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := s.addendum(); err != nil {
		t.Fatalf("addendum: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var segFiles int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "seg") {
			segFiles++
		}
	}
	if segFiles < 1 {
		t.Fatalf("expected at least one segment file, found %d among %v", segFiles, entries)
	}

	playlist, err := os.ReadFile(filepath.Join(dir, "index.m3u8"))
	if err != nil {
		t.Fatalf("ReadFile index.m3u8: %v", err)
	}
	text := string(playlist)
	if !strings.Contains(text, "#EXTM3U") {
		t.Error("playlist missing #EXTM3U")
	}
	if !strings.Contains(text, "#EXT-X-TARGETDURATION:2") {
		t.Errorf("playlist missing expected target duration, got:\n%s", text)
	}
	if !strings.Contains(text, "#EXT-X-ENDLIST") {
		t.Error("non-live run should terminate the playlist with #EXT-X-ENDLIST")
	}
	if !strings.Contains(text, "#EXTINF") {
		t.Error("playlist missing #EXTINF")
	}
}

func TestSegmenterByterangeModeReferencesInputInstead(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	input := filepath.Join(dir, "in.ts")
	stream := testStream([]int64{0, 90000})
	if err := os.WriteFile(input, stream, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := Config{SegmentTime: 0.5, OutputDir: dir, Byterange: true, Input: input}
	s := New(cfg, bytes.NewReader(stream), nil)
	if err := s.decode(); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := s.addendum(); err != nil {
		t.Fatalf("addendum: %v", err)
	}

	playlist, err := os.ReadFile(filepath.Join(dir, "index.m3u8"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(playlist), "#EXT-X-BYTERANGE") {
		t.Error("byte-range mode should tag panes with #EXT-X-BYTERANGE")
	}
	if strings.Contains(string(playlist), "seg0.ts") {
		t.Error("byte-range mode should reference the input file, not a segN.ts file")
	}
}

func TestSegmenterGoldenVectorFile(t *testing.T) {
	t.Parallel()
	f, err := os.Open("../../test/harness/BigBuckBunny_256x144-24fps.ts")
	if err != nil {
		t.Skipf("test file not available: %v", err)
	}
	defer f.Close()

	dir := t.TempDir()
	cfg := Config{SegmentTime: 4, OutputDir: dir}
	s := New(cfg, f, nil)
	if err := s.decode(); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := s.addendum(); err != nil {
		t.Fatalf("addendum: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var segFiles int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "seg") {
			segFiles++
		}
	}
	if segFiles == 0 {
		t.Error("expected at least one segment file from the golden vector")
	}
}
