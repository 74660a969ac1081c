package tsio

import (
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/futzu/x9kgo/internal/errs"
)

// Pump reads fixed packetSize buffers from an aligned source and delivers
// them on a channel, so the blocking read loop can run on its own
// goroutine while a single-owner processing goroutine drains the channel,
// per the reader/processor split the segmenter's concurrency model allows.
type Pump struct {
	r io.Reader
}

// NewPump wraps r (typically an *AlignedReader) for channel-based delivery.
func NewPump(r io.Reader) *Pump {
	return &Pump{r: r}
}

// Run registers a reader goroutine on g that reads packetSize buffers from
// the source and sends each on out until ctx is canceled or the source is
// exhausted. out is closed when the goroutine returns. A clean EOF is not
// reported as an error; the caller detects end-of-input by the channel
// closing with g.Wait() returning nil.
func (p *Pump) Run(ctx context.Context, g *errgroup.Group, out chan<- []byte) {
	g.Go(func() error {
		defer close(out)
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			buf := make([]byte, packetSize)
			if _, err := io.ReadFull(p.r, buf); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					return nil
				}
				return errs.Wrap(errs.SourceIO, err)
			}
			select {
			case out <- buf:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}
