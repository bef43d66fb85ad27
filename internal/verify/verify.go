// Copyright 2023 Uber Technologies, Inc.
// Licensed under the MIT License

// Package verify checks the output of a greeting function against the
// expected literal.
package verify

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Expected is the only text accepted from a greeting function.
const Expected = "Hello, world.\n"

const (
	_startLine  = "Starting test tests.\n"
	_finishLine = "Finished test tests.\n"
)

// ErrMismatch matches any *MismatchError via errors.Is.
var ErrMismatch = errors.New("Strings are not equals.")

// Func writes a greeting into a sink.
type Func func(w io.Writer) error

// MismatchError is returned when the produced text differs from Expected.
type MismatchError struct {
	Got  string
	Want string
}

func (e *MismatchError) Error() string {
	return ErrMismatch.Error()
}

// Is reports whether target is ErrMismatch.
func (e *MismatchError) Is(target error) bool {
	return target == ErrMismatch
}

// Check compares got against Expected byte for byte.
func Check(got string) error {
	if got != Expected {
		return &MismatchError{Got: got, Want: Expected}
	}
	return nil
}

// Run prints the start line, calls fn with a fresh buffer and checks what it
// wrote. The finish line is printed only when the check passes.
//
// An error from fn is not reported on its own. It fails the check the same way
// wrong output does, even if the buffer happens to hold Expected.
func Run(out io.Writer, fn Func) error {
	if _, err := io.WriteString(out, _startLine); err != nil {
		return fmt.Errorf("write start line: %w", err)
	}

	var sink bytes.Buffer
	if err := fn(&sink); err != nil {
		return &MismatchError{Got: sink.String(), Want: Expected}
	}

	if err := Check(sink.String()); err != nil {
		return err
	}

	if _, err := io.WriteString(out, _finishLine); err != nil {
		return fmt.Errorf("write finish line: %w", err)
	}
	return nil
}
