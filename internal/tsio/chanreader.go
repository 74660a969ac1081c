package tsio

import "io"

// ChanReader adapts a channel of packetSize buffers, as produced by Pump,
// back into an io.Reader. This lets a single-owner consumer (the MPEG-TS
// decoder) keep its own buffered-read internals unaware that the bytes
// underneath are arriving from a separate goroutine.
type ChanReader struct {
	in  <-chan []byte
	buf []byte
}

// NewChanReader wraps in, the channel a Pump is sending packetSize buffers
// on, for io.Reader consumption.
func NewChanReader(in <-chan []byte) *ChanReader {
	return &ChanReader{in: in}
}

// Read satisfies io.Reader, serving bytes from the channel's buffers and
// reporting io.EOF once in is closed and drained.
func (c *ChanReader) Read(p []byte) (int, error) {
	if len(c.buf) == 0 {
		buf, ok := <-c.in
		if !ok {
			return 0, io.EOF
		}
		c.buf = buf
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}
