// Copyright 2023 Uber Technologies, Inc.
// Licensed under the MIT License

// Package builder drives a CMake project through its configure, compile,
// test-compile and clean steps.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"
)

const _defaultCMake = "cmake"

var (
	// _cleanRetryDelay is how long Clean waits before its single retry.
	_cleanRetryDelay = 100 * time.Millisecond

	_removeAll = os.RemoveAll
)

var errNoProjectBuildDir = errors.New("project build directory was not supplied")

// Options configure a Builder. Zero values select the defaults.
type Options struct {
	// ProjectBuildDir is the parent of the default source and binary
	// directories, which both resolve to <ProjectBuildDir>/cmake.
	ProjectBuildDir string
	SourceDir       string
	BinaryDir       string

	// Generator is passed as -G. Empty means cmake's default, except on
	// Windows where "NMake Makefiles" is used.
	Generator string

	// Concurrency is the --parallel value. Anything below 2 means one job
	// per CPU.
	Concurrency int

	// CompileTargets are built by Compile. Empty builds the default target.
	CompileTargets []string
	// TestCompileTargets are built by TestCompile. Empty builds nothing.
	TestCompileTargets []string

	Defines map[string]string

	// Env is added to the environment of every child process. Values may
	// reference the inherited environment as %NAME%.
	Env map[string]string

	// CMakePath overrides the cmake binary.
	CMakePath   string
	MakeOptions []string

	Verbose bool

	SkipClean    bool
	FailOnError  bool
	RetryOnError bool
}

// Builder runs cmake as a child process and copies its output to a log.
type Builder struct {
	opts Options
	out  io.Writer
}

// New returns a Builder that logs to out.
func New(opts Options, out io.Writer) *Builder {
	return &Builder{opts: opts, out: out}
}

func (b *Builder) log(msg string, format ...any) {
	fmt.Fprintf(b.out, msg+"\n", format...)
}

func (b *Builder) debug(msg string, format ...any) {
	if b.opts.Verbose {
		b.log(msg, format...)
	}
}

// SourceDir returns src if set, otherwise <projectBuildDir>/cmake.
func SourceDir(projectBuildDir, src string) (string, error) {
	return resolveDir(projectBuildDir, src)
}

// BinaryDir returns bin if set, otherwise <projectBuildDir>/cmake.
func BinaryDir(projectBuildDir, bin string) (string, error) {
	return resolveDir(projectBuildDir, bin)
}

func resolveDir(projectBuildDir, dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	if projectBuildDir == "" {
		return "", errNoProjectBuildDir
	}
	return filepath.Join(projectBuildDir, "cmake"), nil
}

// Concurrency returns n if it is greater than one, otherwise the number of
// CPUs.
func Concurrency(n int) int {
	if n > 1 {
		return n
	}
	return runtime.NumCPU()
}

// DefinesString formats defines for logging as "-DA=1 -DB=2", sorted by
// name. Defines with an empty value are left out.
func DefinesString(defines map[string]string) string {
	var parts []string
	for _, k := range sortedKeys(defines) {
		v := strings.TrimSpace(defines[k])
		if v == "" {
			continue
		}
		parts = append(parts, "-D"+strings.TrimSpace(k)+"="+v)
	}
	return strings.Join(parts, " ")
}

func defineArgs(defines map[string]string) []string {
	args := make([]string, 0, len(defines))
	for _, k := range sortedKeys(defines) {
		args = append(args, "-D"+k+"="+defines[k])
	}
	return args
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// expandEnv replaces every %NAME% in value with NAME from base. Unknown
// names expand to nothing.
func expandEnv(value string, base map[string]string) string {
	var sb strings.Builder
	for {
		start := strings.IndexByte(value, '%')
		if start < 0 {
			break
		}
		end := start + 1
		for end < len(value) && isEnvNameByte(value[end]) {
			end++
		}
		if end == start+1 || end == len(value) || value[end] != '%' {
			// not a placeholder; keep the '%' and carry on after it
			sb.WriteString(value[:start+1])
			value = value[start+1:]
			continue
		}
		sb.WriteString(value[:start])
		sb.WriteString(base[value[start+1:end]])
		value = value[end+1:]
	}
	sb.WriteString(value)
	return sb.String()
}

func isEnvNameByte(c byte) bool {
	return c == '_' || c == '-' ||
		('a' <= c && c <= 'z') ||
		('A' <= c && c <= 'Z') ||
		('0' <= c && c <= '9')
}

// environ merges extra into base. Placeholders in extra always expand
// against base, never against other entries of extra.
func environ(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}

	orig := make(map[string]string, len(base))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			orig[k] = v
		}
	}

	merged := make(map[string]string, len(orig)+len(extra))
	for k, v := range orig {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = expandEnv(v, orig)
	}

	env := make([]string, 0, len(merged))
	for _, k := range sortedKeys(merged) {
		env = append(env, k+"="+merged[k])
	}
	return env
}

func (b *Builder) cmake() string {
	if b.opts.CMakePath != "" {
		return b.opts.CMakePath
	}
	return _defaultCMake
}

// run executes cmake in dir. stdout and stderr both go to the log.
func (b *Builder) run(ctx context.Context, name, dir string, args []string) error {
	cmake := b.cmake()
	b.log("command line: %s", strings.Join(append([]string{cmake}, args...), " "))

	cmd := exec.CommandContext(ctx, cmake, args...)
	cmd.Dir = dir
	cmd.Env = environ(os.Environ(), b.opts.Env)
	cmd.Stdout = b.out
	cmd.Stderr = b.out

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			return fmt.Errorf("%s command failed with exit status of %d", name, exitErr.ExitCode())
		}
		return fmt.Errorf("run %s: %w", name, err)
	}
	return nil
}

// Configure creates the binary directory and generates the build system
// into it.
func (b *Builder) Configure(ctx context.Context) error {
	src, err := SourceDir(b.opts.ProjectBuildDir, b.opts.SourceDir)
	if err != nil {
		return err
	}
	bin, err := BinaryDir(b.opts.ProjectBuildDir, b.opts.BinaryDir)
	if err != nil {
		return err
	}

	b.debug("source dir: %s", src)
	b.debug("binary dir: %s", bin)
	b.debug("defines: %s", DefinesString(b.opts.Defines))

	if err := os.MkdirAll(bin, 0o755); err != nil {
		return fmt.Errorf("create cmake build directory %s: %w", bin, err)
	}

	absSrc, err := filepath.Abs(src)
	if err != nil {
		return err
	}

	return b.run(ctx, "cmake", bin, configureArgs(b.opts.Generator, runtime.GOOS, b.opts.Defines, absSrc))
}

func configureArgs(generator, goos string, defines map[string]string, src string) []string {
	var args []string
	switch {
	case strings.TrimSpace(generator) != "":
		args = append(args, "-G"+strings.TrimSpace(generator))
	case goos == "windows":
		args = append(args, "-GNMake Makefiles")
	}
	args = append(args, defineArgs(defines)...)
	return append(args, src)
}

// Compile builds CompileTargets, or the default target when there are none.
func (b *Builder) Compile(ctx context.Context) error {
	return b.build(ctx, b.opts.CompileTargets, true)
}

// TestCompile builds TestCompileTargets. It does nothing when there are none.
func (b *Builder) TestCompile(ctx context.Context) error {
	return b.build(ctx, b.opts.TestCompileTargets, false)
}

func (b *Builder) build(ctx context.Context, targets []string, defaultTarget bool) error {
	bin, err := BinaryDir(b.opts.ProjectBuildDir, b.opts.BinaryDir)
	if err != nil {
		return err
	}

	if len(targets) == 0 {
		if !defaultTarget {
			b.debug("no test-compile targets")
			return nil
		}
		targets = []string{""}
	}

	j := Concurrency(b.opts.Concurrency)
	for _, t := range targets {
		if err := b.run(ctx, "make", bin, buildArgs(j, t, b.opts.MakeOptions)); err != nil {
			return err
		}
	}
	return nil
}

// buildArgs returns the arguments of one "cmake --build" call. An empty
// target selects the default one.
func buildArgs(concurrency int, target string, makeOptions []string) []string {
	args := []string{"--build", "."}
	if concurrency > 1 {
		args = append(args, "--parallel", strconv.Itoa(concurrency))
	}
	if target != "" {
		args = append(args, "--target", target)
	}
	if len(makeOptions) > 0 {
		args = append(args, "--")
		for _, o := range makeOptions {
			args = append(args, strings.TrimSpace(o))
		}
	}
	return args
}

// Clean removes the binary directory. A failure is only logged unless
// FailOnError is set. With RetryOnError the removal is tried once more.
func (b *Builder) Clean(ctx context.Context) error {
	if b.opts.SkipClean {
		b.log("Clean is skipped.")
		return nil
	}

	bin, err := BinaryDir(b.opts.ProjectBuildDir, b.opts.BinaryDir)
	if err != nil {
		return err
	}

	b.debug("binary dir: %s", bin)

	err = _removeAll(bin)
	if err != nil && b.opts.RetryOnError {
		b.log("- retrying clean of %s: %v", bin, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(_cleanRetryDelay):
		}
		err = _removeAll(bin)
	}

	if err != nil {
		if b.opts.FailOnError {
			return fmt.Errorf("clean %s: %w", bin, err)
		}
		b.log("- failed to clean %s: %v", bin, err)
		return nil
	}

	b.debug("- removed %s", bin)
	return nil
}
