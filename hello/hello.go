// Copyright 2023 Uber Technologies, Inc.
// Licensed under the MIT License

// Package hello is the library exercised by cmd/libtest.
package hello

import (
	"io"
)

// Greeting is what Hello writes.
const Greeting = "Hello, world.\n"

// Hello appends Greeting to w.
func Hello(w io.Writer) error {
	_, err := io.WriteString(w, Greeting)
	return err
}
