package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/futzu/x9kgo/internal/cue"
	"github.com/futzu/x9kgo/internal/errs"
	"github.com/futzu/x9kgo/internal/segmenter"
)

func resetViper(t *testing.T) {
	t.Helper()
	old := viper.GetViper()
	viper.Reset()
	t.Cleanup(func() { *viper.GetViper() = *old })
}

func TestConfigFromViperMapsFlagsToConfig(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	viper.Set("input", "/tmp/in.ts")
	viper.Set("output_dir", dir)
	viper.Set("time", 4.0)
	viper.Set("hls_tag", "x_scte35")
	viper.Set("live", true)
	viper.Set("delete", true)

	cfg, err := configFromViper()
	if err != nil {
		t.Fatalf("configFromViper: %v", err)
	}
	if cfg.Input != "/tmp/in.ts" {
		t.Errorf("Input = %q", cfg.Input)
	}
	if cfg.SegmentTime != 4.0 {
		t.Errorf("SegmentTime = %v, want 4.0", cfg.SegmentTime)
	}
	if cfg.TagMethod != cue.XSCTE35 {
		t.Errorf("TagMethod = %v, want XSCTE35", cfg.TagMethod)
	}
	if !cfg.Live || !cfg.Delete {
		t.Error("expected Live and Delete both true")
	}
}

func TestConfigFromViperRejectsUnknownTagMethod(t *testing.T) {
	resetViper(t)
	viper.Set("output_dir", t.TempDir())
	viper.Set("hls_tag", "bogus")

	if _, err := configFromViper(); err == nil {
		t.Error("expected an error for an unknown hls-tag value")
	}
}

func TestConfigFromViperDefaultsInputToStdin(t *testing.T) {
	resetViper(t)
	viper.Set("output_dir", t.TempDir())

	cfg, err := configFromViper()
	if err != nil {
		t.Fatalf("configFromViper: %v", err)
	}
	if cfg.Input != "-" {
		t.Errorf("Input = %q, want \"-\"", cfg.Input)
	}
}

func TestRunSegmentingReopensSourceOnSourceIOErrorDuringReplay(t *testing.T) {
	cfg := segmenter.Config{
		Input:     filepath.Join(t.TempDir(), "does-not-exist.ts"),
		OutputDir: t.TempDir(),
		Replay:    true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := runSegmenting(ctx, cfg, nil)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("runSegmenting: %v, want nil (retried until context deadline)", err)
	}
	if elapsed < 20*time.Millisecond {
		t.Errorf("returned after %v, want to have kept reopening the source until the context deadline", elapsed)
	}
}

func TestRunSegmentingStopsReplayOnNonSourceIOError(t *testing.T) {
	input := filepath.Join(t.TempDir(), "empty.ts")
	if err := os.WriteFile(input, nil, 0o644); err != nil {
		t.Fatalf("writing empty input: %v", err)
	}

	// A plain file standing in for OutputDir makes the playlist write in
	// addendum() fail with a WriteIO error, not a SourceIO one.
	notADir := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(notADir, nil, 0o644); err != nil {
		t.Fatalf("writing not-a-dir stand-in: %v", err)
	}

	cfg := segmenter.Config{
		Input:     input,
		OutputDir: notADir,
		Replay:    true,
	}

	err := runSegmenting(context.Background(), cfg, nil)
	if err == nil {
		t.Fatal("runSegmenting: expected a non-nil error")
	}
	if errors.Is(err, errs.SourceIO) {
		t.Errorf("runSegmenting returned a SourceIO error, want WriteIO: %v", err)
	}
}
