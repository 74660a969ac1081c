package segmenter

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/futzu/x9kgo/internal/errs"
)

// RunChain segments every media entry named in a playlist-of-playlists
// file — one `media` or `media,sidecar` line per run, `#`-commented — into
// a single continuous output directory. The first line runs a fresh
// Segmenter; every later line reloads the previous line's index.m3u8 via
// ContinueM3U8 before segmenting, so the chain lands in one playlist.
// Grounded in original_source/x9k3.decode_playlist.
func RunChain(ctx context.Context, listPath string, base Config, log *slog.Logger, opts ...Option) error {
	f, err := os.Open(listPath)
	if err != nil {
		return errs.Wrap(errs.SourceIO, err)
	}
	defer f.Close()

	first := true
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		media, sidecar, ok := parseChainLine(scanner.Text())
		if !ok {
			continue
		}

		cfg := base
		cfg.Input = media
		if sidecar != "" {
			cfg.SidecarFile = sidecar
		}
		cfg.ContinueM3U8 = !first

		if _, err := Run(ctx, cfg, log, opts...); err != nil {
			return err
		}
		first = false
	}
	if err := scanner.Err(); err != nil {
		return errs.Wrap(errs.SourceIO, err)
	}
	return nil
}

// parseChainLine splits one playlist-of-playlists line into its media and
// optional sidecar path, stripping a trailing "#"-comment. Returns ok=false
// for blank or comment-only lines.
func parseChainLine(line string) (media, sidecar string, ok bool) {
	line = cleanLine(line)
	if i := strings.Index(line, "#"); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", "", false
	}
	if i := strings.Index(line, ","); i >= 0 {
		return line[:i], line[i+1:], true
	}
	return line, "", true
}
