package tsio

import (
	"bufio"
	"io"
)

// AlignedReader wraps a raw byte stream and, on its first Read, discards
// leading bytes until a sync byte begins at least one full packetSize
// stride confirmed by a second sync byte (or the stream ends first, for
// short test inputs). Subsequent reads pass through unmodified: mid-stream
// sync loss is the decoder's concern, not the source's.
type AlignedReader struct {
	br      *bufio.Reader
	aligned bool
}

// NewAlignedReader wraps r for initial packet-boundary resync.
func NewAlignedReader(r io.Reader) *AlignedReader {
	return &AlignedReader{br: bufio.NewReaderSize(r, packetSize*8)}
}

func (a *AlignedReader) Read(p []byte) (int, error) {
	if !a.aligned {
		if err := a.resync(); err != nil {
			return 0, err
		}
		a.aligned = true
	}
	return a.br.Read(p)
}

// resync scans forward a byte at a time until the next byte is a sync byte
// and, whenever enough data is buffered to check, the byte one and two
// packet strides ahead is also a sync byte.
func (a *AlignedReader) resync() error {
	for {
		peek, err := a.br.Peek(2*packetSize + 1)
		if len(peek) == 0 {
			if err != nil {
				return err
			}
			return io.ErrUnexpectedEOF
		}
		if peek[0] == syncByte && confirmsAlignment(peek) {
			return nil
		}
		if _, discardErr := a.br.Discard(1); discardErr != nil {
			return discardErr
		}
	}
}

// confirmsAlignment reports whether peek (starting with a candidate sync
// byte) is consistent with a sync byte at every packetSize stride it has
// enough bytes to check. A short peek (stream ends before the next stride)
// is treated as confirming, since there is nothing left to contradict it.
func confirmsAlignment(peek []byte) bool {
	for _, stride := range [2]int{packetSize, 2 * packetSize} {
		if stride >= len(peek) {
			return true
		}
		if peek[stride] != syncByte {
			return false
		}
	}
	return true
}
