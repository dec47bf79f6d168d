package dimcard

import (
	"errors"
	"fmt"
)

// The closed set of terminal session errors. Values double as the
// user-facing blink code on the status LED, so they must stay stable.
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	ErrWrongCardType
	ErrWrongFlashChip
	ErrCardNotResponding
	ErrNoPatchAvailable
	ErrChecksumMismatch
	ErrCardIdentityMismatch
)

var errorKindNames = map[ErrorKind]string{
	ErrNone:                 "None",
	ErrWrongCardType:        "WrongCardType",
	ErrWrongFlashChip:       "WrongFlashChip",
	ErrCardNotResponding:    "CardNotResponding",
	ErrNoPatchAvailable:     "NoPatchAvailable",
	ErrChecksumMismatch:     "ChecksumMismatch",
	ErrCardIdentityMismatch: "CardIdentityMismatch",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Explicit kind -> blink count table. It happens to be the identity today,
// but the indicator presentation must never depend on the enum ordering.
var blinkCounts = map[ErrorKind]int{
	ErrWrongCardType:        1,
	ErrWrongFlashChip:       2,
	ErrCardNotResponding:    3,
	ErrNoPatchAvailable:     4,
	ErrChecksumMismatch:     5,
	ErrCardIdentityMismatch: 6,
}

// The number of status LED pulses shown for the given error kind.
func BlinkCount(k ErrorKind) int {
	return blinkCounts[k]
}

// An error produced by the card session machinery. Every terminal session
// failure is one of these so the device loop can map it to a blink pattern.
type CardError struct {
	Kind   ErrorKind
	Detail string
	Cause  error
}

func (e *CardError) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += " (" + e.Cause.Error() + ")"
	}
	return msg
}

func (e *CardError) Unwrap() error {
	return e.Cause
}

func cardErrorf(kind ErrorKind, format string, args ...interface{}) *CardError {
	return &CardError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Pull the error kind out of any error. Plain errors (transport faults that
// escaped the retry wrapper, mostly) count as CardNotResponding.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrNone
	}
	var ce *CardError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrCardNotResponding
}

// Wrap err as a CardError if it isn't one already.
func asCardError(err error) *CardError {
	if err == nil {
		return nil
	}
	var ce *CardError
	if errors.As(err, &ce) {
		return ce
	}
	return &CardError{Kind: ErrCardNotResponding, Cause: err}
}
