// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package errors

import (
	stdliberrors "errors"
	"fmt"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// NewFatal builds an error marked non-retryable: the caller should surface it
// and stop, not loop. Used for capability-unreachable failures (kernel-stats
// or root-job handles that cannot be obtained).
func NewFatal(text string) FatalError {
	return &fatalError{err: stdliberrors.New(text)}
}

// NewFatalf is NewFatal with fmt.Errorf-style formatting; a wrapped %w
// argument remains reachable through Unwrap/As/Is.
func NewFatalf(format string, args ...interface{}) FatalError {
	return &fatalError{err: fmt.Errorf(format, args...)}
}

func Fatal(err error) bool {
	var ferr FatalError
	return As(err, &ferr)
}

type FatalError interface {
	error
	Fatal()
}

type fatalError struct {
	err error
}

func (f *fatalError) Error() string {
	return f.err.Error()
}

func (f *fatalError) Unwrap() error {
	return f.err
}

func (f *fatalError) Fatal() {}

// ErrObjectGone is returned by per-object adapter calls (process property or
// info lookups) when the underlying object has exited or been destroyed
// between enumeration and the call. Callers are expected to swallow it and
// continue the walk; it never reaches a log or a propagating error.
var ErrObjectGone = stdliberrors.New("object gone")
