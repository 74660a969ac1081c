// Package errs implements the segmenter's error taxonomy: a small closed
// set of kinds that callers switch on with errors.Is, wrapping whatever
// underlying error caused it.
package errs

import "errors"

// Kind is one of the error categories the design calls out. Each is a
// sentinel value so callers compare with errors.Is(err, errs.BadPacket)
// rather than matching on message text.
type Kind error

var (
	// SourceIO: input open/read failure. Fatal unless replay is enabled,
	// in which case the caller reopens the source at the loop head.
	SourceIO Kind = errors.New("source io error")
	// BadPacket: TS sync loss or short read mid-stream. Recoverable —
	// the decoder resynchronizes to the next 0x47-aligned boundary.
	BadPacket Kind = errors.New("bad packet")
	// CueDecode: malformed SCTE-35. The cue is dropped, state unchanged.
	CueDecode Kind = errors.New("cue decode error")
	// SidecarParse: malformed sidecar line. The line is skipped.
	SidecarParse Kind = errors.New("sidecar parse error")
	// WriteIO: segment or playlist write failure. Always fatal.
	WriteIO Kind = errors.New("write io error")
	// ContinueIncompatible: continue-m3u8 requested together with
	// iframe-only or byte-range mode. Surfaced to the operator; the
	// process proceeds without continuation.
	ContinueIncompatible Kind = errors.New("continue-m3u8 incompatible with requested mode")
)

// Error pairs a Kind with the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, errs.BadPacket) match an *Error wrapping that Kind,
// in addition to the direct sentinel comparison errors.Is already supports.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// Wrap builds an *Error of the given kind around err. Returns nil if err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}
