package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecorderExposesCountersThroughHandler(t *testing.T) {
	t.Parallel()
	r := New()
	r.SegmentWritten(6.0)
	r.SegmentWritten(5.5)
	r.Discontinuity()
	r.SidecarReload()
	r.CueDecodeError("stream")
	r.CueDecodeError("sidecar")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `x9kgo_segments_written_total 2`) {
		t.Errorf("expected segments_written_total 2, body:\n%s", body)
	}
	if !strings.Contains(body, `x9kgo_discontinuities_total 1`) {
		t.Error("expected discontinuities_total 1")
	}
	if !strings.Contains(body, `x9kgo_sidecar_reloads_total 1`) {
		t.Error("expected sidecar_reloads_total 1")
	}
	if !strings.Contains(body, `x9kgo_cue_decode_errors_total{source="stream"} 1`) {
		t.Error("expected cue_decode_errors_total for stream source")
	}
	if !strings.Contains(body, `x9kgo_cue_decode_errors_total{source="sidecar"} 1`) {
		t.Error("expected cue_decode_errors_total for sidecar source")
	}
}

func TestNilRecorderMethodsAreNoOps(t *testing.T) {
	t.Parallel()
	var r *Recorder
	r.SegmentWritten(1.0)
	r.Discontinuity()
	r.SidecarReload()
	r.CueDecodeError("stream")
	if r.Handler() == nil {
		t.Error("nil Recorder should still return a usable handler")
	}
}

func TestServeReturnsOnContextCancel(t *testing.T) {
	t.Parallel()
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned error on shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancel")
	}
}

func TestServeDisabledWithoutAddr(t *testing.T) {
	t.Parallel()
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, "") }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve(ctx, \"\") returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after context cancel with empty addr")
	}
}
