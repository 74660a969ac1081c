package tsio

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func packet(pid byte) []byte {
	buf := make([]byte, packetSize)
	buf[0] = syncByte
	buf[1] = pid
	return buf
}

func TestOpenFilePlainPath(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.ts")
	want := append(packet(0x01), packet(0x02)...)
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rc, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("file contents did not round-trip through Open")
	}
}

func TestOpenHTTP(t *testing.T) {
	t.Parallel()
	want := packet(0x01)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(want)
	}))
	defer srv.Close()

	rc, err := Open(srv.URL)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("http response body did not round-trip through Open")
	}
}

func TestOpenHTTPNonOKStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := Open(srv.URL); err == nil {
		t.Fatal("expected an error for a 404 response")
	}
}

func TestOpenUnsupportedScheme(t *testing.T) {
	t.Parallel()
	if _, err := Open("ftp://example.com/stream.ts"); err == nil {
		t.Fatal("expected an error for an unsupported scheme")
	}
}

func TestAlignedReaderSkipsLeadingGarbage(t *testing.T) {
	t.Parallel()
	garbage := []byte{0x00, 0x01, 0x02}
	stream := append(append(garbage, packet(0x01)...), packet(0x02)...)

	ar := NewAlignedReader(bytes.NewReader(stream))
	got, err := io.ReadAll(ar)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := append(packet(0x01), packet(0x02)...)
	if !bytes.Equal(got, want) {
		t.Errorf("AlignedReader did not skip leading garbage: got %d bytes, want %d", len(got), len(want))
	}
}

func TestAlignedReaderRejectsFalseSyncByte(t *testing.T) {
	t.Parallel()
	// A stray 0x47 one byte before the real packet start must not be
	// mistaken for alignment, since the byte packetSize later isn't 0x47.
	stream := append([]byte{syncByte, 0x00}, append(packet(0x01), packet(0x02)...)...)

	ar := NewAlignedReader(bytes.NewReader(stream))
	got, err := io.ReadAll(ar)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := append(packet(0x01), packet(0x02)...)
	if !bytes.Equal(got, want) {
		t.Errorf("AlignedReader accepted a false sync byte: got %d bytes, want %d", len(got), len(want))
	}
}

func TestAlignedReaderAlreadyAligned(t *testing.T) {
	t.Parallel()
	stream := append(packet(0x01), packet(0x02)...)
	ar := NewAlignedReader(bytes.NewReader(stream))
	got, err := io.ReadAll(ar)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, stream) {
		t.Error("AlignedReader modified an already-aligned stream")
	}
}

func TestPumpDeliversPacketsAndClosesOnEOF(t *testing.T) {
	t.Parallel()
	stream := append(packet(0x01), packet(0x02)...)
	p := NewPump(bytes.NewReader(stream))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	out := make(chan []byte, 4)
	p.Run(ctx, g, out)

	var received [][]byte
	for buf := range out {
		received = append(received, buf)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Pump.Run: %v", err)
	}
	if len(received) != 2 {
		t.Fatalf("received %d packets, want 2", len(received))
	}
	if received[0][1] != 0x01 || received[1][1] != 0x02 {
		t.Errorf("packets out of order or corrupted: %x, %x", received[0][:2], received[1][:2])
	}
}

func TestPumpStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	stream := append(packet(0x01), packet(0x02)...)
	p := NewPump(bytes.NewReader(stream))

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // canceled before Run ever reads, so the loop exits on its first ctx.Err() check
	g, ctx := errgroup.WithContext(ctx)
	out := make(chan []byte)
	p.Run(ctx, g, out)

	for range out {
	}
	if err := g.Wait(); err == nil {
		t.Fatal("expected Pump.Run to report context cancellation")
	}
}
