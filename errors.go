package seekable

import "errors"

// Sentinel errors, meant to be matched with errors.Is. Errors about the
// seek table layout, frame sizes, reader windows and writer state wrap one
// of these; codec failures are reported as *CodecError, and a few argument
// errors (an unknown whence or Format, a non-positive concurrency) are
// plain errors.
var (
	// ErrFormat covers magic-number mismatches, inconsistent Frame_Size
	// fields, and any other structural violation of the on-disk layout.
	ErrFormat = errors.New("seekable: malformed seek table")

	// ErrUnexpectedEOF means a read returned fewer bytes than the format
	// requires before an explicit end-of-data signal was reached.
	ErrUnexpectedEOF = errors.New("seekable: unexpected end of seek table")

	// ErrFrameTooLarge means a single frame's compressed or decompressed
	// size would not fit in the entry's uint32 field.
	ErrFrameTooLarge = errors.New("seekable: frame too large for a uint32 entry")

	// ErrTooManyFrames means Number_Of_Frames would overflow its uint32
	// field.
	ErrTooManyFrames = errors.New("seekable: too many frames for a uint32 count")

	// ErrOutOfRange means a window setter argument violates the decoder's
	// window invariants (frame/offset ordering or bounds).
	ErrOutOfRange = errors.New("seekable: argument out of range")

	// ErrAlreadyFinished means Close was already called on this writer;
	// any Write or WriteMany afterwards fails with this error. A second
	// Close does nothing and returns nil.
	ErrAlreadyFinished = errors.New("seekable: writer already finished")

	// ErrClosed means the reader was already closed.
	ErrClosed = errors.New("seekable: already closed")

	// ErrInvalidOption means a functional option was given an argument
	// outside its documented contract (e.g. a zero max frame size).
	ErrInvalidOption = errors.New("seekable: invalid option")
)

// CodecError wraps a failure reported by the underlying zstd codec, kept
// distinct from ErrFormat since it originates outside the seek table parser
// — it is never itself an errors.Is target; callers compare the operation
// (NewReader/NewWriter/DecodeAll/Close) and unwrap for the underlying cause.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return "seekable: zstd " + e.Op + ": " + e.Err.Error()
}

func (e *CodecError) Unwrap() error { return e.Err }
