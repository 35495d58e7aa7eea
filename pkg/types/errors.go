package types

import (
	"errors"
	"fmt"
)

var (
	ErrClosed             = errors.New("journal is closed")
	ErrUntrackedPartition = errors.New("partition is not tracked")
)

// ParseError reports a malformed serialized entry: bad magic, or a header or
// payload cut short.
type ParseError struct {
	Position int64
	Reason   string
}

func (e *ParseError) Error() string {
	if e.Position < 0 {
		return fmt.Sprintf("parse entry: %s", e.Reason)
	}
	return fmt.Sprintf("parse entry at position %d: %s", e.Position, e.Reason)
}

// RangeError reports an index outside [Min, Max).
type RangeError struct {
	Index int64
	Min   int64
	Max   int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("index %d out of range [%d, %d)", e.Index, e.Min, e.Max)
}

// InstallError aborts a snapshot installation; the transfer restarts from offset 0.
type InstallError struct {
	Offset int64
	Reason string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install snapshot trunk at offset %d: %s", e.Offset, e.Reason)
}

// RecoverError is fatal at startup.
type RecoverError struct {
	Path string
	Err  error
}

func (e *RecoverError) Error() string {
	return fmt.Sprintf("recover %s: %v", e.Path, e.Err)
}

func (e *RecoverError) Unwrap() error { return e.Err }

func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

func IsRangeError(err error) bool {
	var re *RangeError
	return errors.As(err, &re)
}

func IsInstallError(err error) bool {
	var ie *InstallError
	return errors.As(err, &ie)
}

func IsRecoverError(err error) bool {
	var re *RecoverError
	return errors.As(err, &re)
}
