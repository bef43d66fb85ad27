// Copyright 2023 Uber Technologies, Inc.
// Licensed under the MIT License

// cmakebuild configures, compiles and cleans a CMake project.
//
//	$ cmakebuild -source . -project_build_dir out -D CMAKE_BUILD_TYPE=Release configure compile
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/uber/hello_check/internal/builder"
)

// _goals are run in the order given on the command line.
var _goals = map[string]func(*builder.Builder, context.Context) error{
	"configure":    (*builder.Builder).Configure,
	"compile":      (*builder.Builder).Compile,
	"test-compile": (*builder.Builder).TestCompile,
	"clean":        (*builder.Builder).Clean,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		stop()
		os.Exit(1)
	}
}

// listFlag collects every occurrence of a repeated flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// mapFlag collects repeated KEY=VALUE flags.
type mapFlag map[string]string

func (m mapFlag) String() string { return builder.DefinesString(m) }

func (m mapFlag) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("want KEY=VALUE, got %q", v)
	}
	m[k] = val
	return nil
}

func parseFlags(args []string, output io.Writer) (builder.Options, []string, error) {
	var (
		opts           builder.Options
		compileTargets listFlag
		testTargets    listFlag
		makeOptions    listFlag
		defines        = mapFlag{}
		env            = mapFlag{}
	)

	fs := flag.NewFlagSet("cmakebuild", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&opts.ProjectBuildDir, "project_build_dir", "", "parent of the default source and binary directories")
	fs.StringVar(&opts.SourceDir, "source", "", "CMake source directory (default <project_build_dir>/cmake)")
	fs.StringVar(&opts.BinaryDir, "binary", "", "CMake binary directory (default <project_build_dir>/cmake)")
	fs.StringVar(&opts.Generator, "generator", "", "CMake generator passed as -G")
	fs.IntVar(&opts.Concurrency, "j", 0, "parallel build jobs (default: number of CPUs)")
	fs.StringVar(&opts.CMakePath, "cmake", "", "path to cmake (default: cmake from PATH)")
	fs.BoolVar(&opts.Verbose, "verbose", false, "log resolved directories and defines")
	fs.BoolVar(&opts.SkipClean, "skip_clean", false, "make the clean goal a no-op")
	fs.BoolVar(&opts.FailOnError, "fail_on_error", false, "fail the clean goal if the binary directory cannot be removed")
	fs.BoolVar(&opts.RetryOnError, "retry_on_error", false, "retry a failed clean once")
	fs.Var(&compileTargets, "target", "target built by compile (repeatable)")
	fs.Var(&testTargets, "test_target", "target built by test-compile (repeatable)")
	fs.Var(&makeOptions, "make_option", "option passed to the native build tool (repeatable)")
	fs.Var(defines, "D", "KEY=VALUE cache entry passed to configure (repeatable)")
	fs.Var(env, "env", "KEY=VALUE added to the child environment, %VAR% expands (repeatable)")

	fs.Usage = func() {
		fmt.Fprint(fs.Output(), `usage: cmakebuild [flags] goal...

Goals are run in order: configure, compile, test-compile, clean.

`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return builder.Options{}, nil, err
	}

	goals := fs.Args()
	if len(goals) == 0 {
		return builder.Options{}, nil, fmt.Errorf("at least one goal is required")
	}
	for _, g := range goals {
		if _, ok := _goals[g]; !ok {
			return builder.Options{}, nil, fmt.Errorf("unknown goal %q", g)
		}
	}

	opts.CompileTargets = compileTargets
	opts.TestCompileTargets = testTargets
	opts.MakeOptions = makeOptions
	if len(defines) > 0 {
		opts.Defines = defines
	}
	if len(env) > 0 {
		opts.Env = env
	}
	return opts, goals, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, goals, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	b := builder.New(opts, stdout)
	for _, g := range goals {
		fmt.Fprintf(stdout, "--- %s\n", g)
		if err := _goals[g](b, ctx); err != nil {
			return fmt.Errorf("%s: %w", g, err)
		}
	}
	return nil
}
