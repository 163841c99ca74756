// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ferr defines the typed failures shared by every filter in
// this module: allocation failure, invalid parameters, persistence I/O
// failure, and file-format mismatch. It replaces the mixed bool/enum
// error reporting of the C original with a single result type per
// operation, as spec.md's re-architecture notes ask for.
package ferr

import "github.com/pkg/errors"

// Code identifies the kind of failure that occurred.
type Code int

const (
	// OutOfMemory indicates an allocation failed during construction.
	OutOfMemory Code = iota
	// InvalidCounterSize indicates a counting Bloom filter was asked
	// for a counter width other than 8, 16, 32, or 64 bits.
	InvalidCounterSize
	// InvalidTimeout indicates a time-decaying Bloom filter was given a
	// timeout it cannot use; timedecay.New returns it for a timeout that
	// is not positive.
	InvalidTimeout
	// FileOpen indicates a persisted file could not be opened.
	FileOpen
	// FileRead indicates a read from a persisted file failed.
	FileRead
	// FileWrite indicates a write to a persisted file failed.
	FileWrite
	// FileStat indicates a persisted file's size could not be
	// determined.
	FileStat
	// InvalidFile indicates a persisted file's header disagrees with
	// its actual size or contents.
	InvalidFile
)

func (c Code) String() string {
	switch c {
	case OutOfMemory:
		return "out of memory"
	case InvalidCounterSize:
		return "invalid counter size"
	case InvalidTimeout:
		return "invalid timeout"
	case FileOpen:
		return "file open failed"
	case FileRead:
		return "file read failed"
	case FileWrite:
		return "file write failed"
	case FileStat:
		return "file stat failed"
	case InvalidFile:
		return "invalid file"
	default:
		return "unknown error"
	}
}

// Error is the error type returned by every fallible operation in this
// module. It carries a Code for programmatic dispatch and wraps the
// underlying cause (an *os.PathError, a short-read, ...) so that
// github.com/pkg/errors.Cause and the "%+v" verb still recover it.
type Error struct {
	Code Code
	msg  string
	err  error
}

// New constructs an *Error with the given code and message, with no
// wrapped cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, msg: msg}
}

// Wrap constructs an *Error that wraps cause with a stack trace via
// github.com/pkg/errors, attaching code and msg.
func Wrap(code Code, cause error, msg string) *Error {
	return &Error{Code: code, msg: msg, err: errors.Wrap(cause, msg)}
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return e.Code.String() + ": " + e.msg
}

// Unwrap allows errors.Is/errors.As, and github.com/pkg/errors.Cause,
// to see through to the underlying cause.
func (e *Error) Unwrap() error {
	return e.err
}

// Is reports whether target is an *Error with the same Code, so callers
// can write errors.Is(err, ferr.New(ferr.InvalidFile, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}
