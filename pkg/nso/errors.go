package nso

import (
	"github.com/pkg/errors"
)

// Reason identifies why a conversion failed.
type Reason string

const (
	Unknown            Reason = "unknown"
	BadEnvironment     Reason = "bad-environment"
	NoInput            Reason = "no-input"
	TruncatedHeader    Reason = "truncated-header"
	WrongArchitecture  Reason = "wrong-architecture"
	PhdrsOutOfBounds   Reason = "phdrs-out-of-bounds"
	MissingSegments    Reason = "missing-segments"
	SegmentOutOfBounds Reason = "segment-out-of-bounds"
	BadBSS             Reason = "bad-bss"
	FieldOverflow      Reason = "field-overflow"
	OutOfMemory        Reason = "out-of-memory"
	CompressionFailed  Reason = "compression-failed"
	OutputUnavailable  Reason = "output-unavailable"
	WriteFailed        Reason = "write-failed"
	Canceled           Reason = "canceled"
)

// Error is a conversion failure tagged with its Reason.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// NewErrorf returns an error with the given reason and formatted message.
func NewErrorf(reason Reason, msg string, args ...interface{}) *Error {
	return &Error{Reason: reason, Err: errors.Errorf(msg, args...)}
}

// Wrapf tags err with reason and annotates it with a formatted message.
func Wrapf(reason Reason, err error, msg string, args ...interface{}) *Error {
	return &Error{Reason: reason, Err: errors.Wrapf(err, msg, args...)}
}

// ReasonOf returns the reason of the first Error in err's chain, or Unknown.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return Unknown
}

// IsReason reports whether err carries the given reason.
func IsReason(err error, reason Reason) bool {
	return err != nil && ReasonOf(err) == reason
}
