package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/futzu/x9kgo/internal/cue"
	"github.com/futzu/x9kgo/internal/errs"
	"github.com/futzu/x9kgo/internal/metrics"
	"github.com/futzu/x9kgo/internal/segmenter"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Segment an input into SCTE-35-aware HLS",
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	flags := runCmd.Flags()
	flags.StringP("input", "i", "", `input source: a local path, "udp://@235.35.3.5:3535", "https://host/x.ts", a path containing "playlist" for a chained list, or - for stdin`)
	flags.StringP("output-dir", "o", ".", "directory for segments and index.m3u8 (created if needed)")
	flags.StringP("sidecar-file", "s", "", "sidecar file of pts,cue lines")
	flags.Float64P("time", "t", 6, "segment time in seconds")
	flags.StringP("hls-tag", "T", "x_cue", "x_scte35, x_cue, x_daterange, or x_splicepoint")
	flags.IntP("window-size", "w", 0, "sliding window size when live (0: teacher default)")
	flags.BoolP("live", "l", false, "enable sliding window + throttling")
	flags.BoolP("delete", "d", false, "delete evicted segment files (implies --live)")
	flags.BoolP("replay", "r", false, "loop the input indefinitely (implies --live and --delete)")
	flags.BoolP("program-date-time", "p", false, "add #EXT-X-PROGRAM-DATE-TIME (implies --live)")
	flags.BoolP("no-discontinuity", "n", false, "suppress #EXT-X-DISCONTINUITY at splice points")
	flags.Bool("no-throttle", false, "disable wall-clock pacing while live")
	flags.BoolP("shulga", "S", false, "use RAI-based iframe detection instead of NAL scanning")
	flags.BoolP("iframe", "I", false, "write an iframe-only playlist")
	flags.BoolP("byterange", "b", false, "write byte-range segment references instead of files")
	flags.BoolP("continue-m3u8", "c", false, "reload an existing index.m3u8 before segmenting")
	flags.Bool("gate-auto-in", false, "require breakTimer>=breakDuration before auto-closing a break")

	for flagName, viperKey := range map[string]string{
		"input":             "input",
		"output-dir":        "output_dir",
		"sidecar-file":      "sidecar_file",
		"time":              "time",
		"hls-tag":           "hls_tag",
		"window-size":       "window_size",
		"live":              "live",
		"delete":            "delete",
		"replay":            "replay",
		"program-date-time": "program_date_time",
		"no-discontinuity":  "no_discontinuity",
		"no-throttle":       "no_throttle",
		"shulga":            "shulga",
		"iframe":            "iframe",
		"byterange":         "byterange",
		"continue-m3u8":     "continue_m3u8",
		"gate-auto-in":      "gate_auto_in",
	} {
		mustBindPFlag(viperKey, flags.Lookup(flagName))
	}
}

func runRun(_ *cobra.Command, _ []string) error {
	cfg, err := configFromViper()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var recorder *metrics.Recorder
	metricsAddr := viper.GetString("metrics.addr")
	if metricsAddr != "" {
		recorder = metrics.New()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return recorder.Serve(gctx, metricsAddr) })

	g.Go(func() error {
		defer cancel()
		return runSegmenting(gctx, cfg, recorder)
	})

	return g.Wait()
}

// runSegmenting dispatches to RunChain for a playlist-of-playlists input
// (spec.md's chaining feature: any input path containing "playlist"), to a
// replay loop for --replay, or to a single Run otherwise.
func runSegmenting(ctx context.Context, cfg segmenter.Config, recorder *metrics.Recorder) error {
	log := slog.Default()
	opt := segmenter.WithMetrics(recorder)

	if strings.Contains(cfg.Input, "playlist") {
		return segmenter.RunChain(ctx, cfg.Input, cfg, log, opt)
	}

	if !cfg.Replay {
		_, err := segmenter.Run(ctx, cfg, log, opt)
		return err
	}

	for {
		if _, err := segmenter.Run(ctx, cfg, log, opt); err != nil {
			if !errors.Is(err, errs.SourceIO) {
				return err
			}
			log.Warn("source io error during replay, reopening at loop head", "err", err)
		}
		cfg.ContinueM3U8 = true
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func configFromViper() (segmenter.Config, error) {
	tagMethod, err := cue.ParseTagMethod(viper.GetString("hls_tag"))
	if err != nil {
		return segmenter.Config{}, fmt.Errorf("run: %w", err)
	}

	outputDir := viper.GetString("output_dir")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return segmenter.Config{}, fmt.Errorf("run: creating output dir: %w", err)
	}

	input := viper.GetString("input")
	if input == "" {
		input = "-"
	}

	return segmenter.Config{
		Input:           input,
		OutputDir:       outputDir,
		SidecarFile:     viper.GetString("sidecar_file"),
		SegmentTime:     viper.GetFloat64("time"),
		TagMethod:       tagMethod,
		WindowSize:      viper.GetInt("window_size"),
		Live:            viper.GetBool("live"),
		Delete:          viper.GetBool("delete"),
		Replay:          viper.GetBool("replay"),
		ProgramDateTime: viper.GetBool("program_date_time"),
		NoDiscontinuity: viper.GetBool("no_discontinuity"),
		NoThrottle:      viper.GetBool("no_throttle"),
		Shulga:          viper.GetBool("shulga"),
		Iframe:          viper.GetBool("iframe"),
		Byterange:       viper.GetBool("byterange"),
		ContinueM3U8:    viper.GetBool("continue_m3u8"),
		GateAutoIn:      viper.GetBool("gate_auto_in"),
	}, nil
}
