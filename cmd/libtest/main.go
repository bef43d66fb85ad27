// Copyright 2023 Uber Technologies, Inc.
// Licensed under the MIT License

// libtest checks that hello.Hello writes exactly "Hello, world.\n".
//
// It exits 0 on success and 1 on a mismatch:
//
//	$ libtest
//	Starting test tests.
//	Finished test tests.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/uber/hello_check/hello"
	"github.com/uber/hello_check/internal/verify"
)

func main() {
	os.Exit(run(os.Stdout, os.Stderr, hello.Hello))
}

func run(stdout, stderr io.Writer, fn verify.Func) int {
	if err := verify.Run(stdout, fn); err != nil {
		fmt.Fprintf(stderr, "error: %s\n", err)
		return 1
	}
	return 0
}
