// Package wire implements the on-wire codecs for both signaling protocols:
// the UDP compact packet format and the length-prefixed TCP relay framing.
package wire

import "fmt"

// FrameErrorKind classifies a decode failure so callers can apply the
// disposition in the error handling design without string matching.
type FrameErrorKind string

const (
	// ErrKindShort means the buffer was too small for its declared or fixed layout.
	ErrKindShort FrameErrorKind = "short"
	// ErrKindMagic means a framing magic number did not match.
	ErrKindMagic FrameErrorKind = "bad_magic"
	// ErrKindCount means a declared element count was out of range.
	ErrKindCount FrameErrorKind = "bad_count"
	// ErrKindType means an unrecognized packet/frame type was encountered.
	ErrKindType FrameErrorKind = "bad_type"
)

// FrameError is returned by decoders for any malformed input. Per the error
// handling design, the disposition for every FrameError is: drop the packet,
// and on TCP, additionally close the connection.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("invalid frame (%s): %s", e.Kind, e.Msg)
}

func errShort(msg string) error { return &FrameError{Kind: ErrKindShort, Msg: msg} }
func errMagic(msg string) error { return &FrameError{Kind: ErrKindMagic, Msg: msg} }
func errCount(msg string) error { return &FrameError{Kind: ErrKindCount, Msg: msg} }
func errType(msg string) error  { return &FrameError{Kind: ErrKindType, Msg: msg} }

// IsInvalidFrame reports whether err is a FrameError, i.e. InvalidFrame in
// the error handling design's vocabulary.
func IsInvalidFrame(err error) bool {
	_, ok := err.(*FrameError)
	return ok
}
