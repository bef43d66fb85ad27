// Copyright 2023 Uber Technologies, Inc.
// Licensed under the MIT License

// releaser is a tool for managing part of the process to release a new version of hello_check.
package main

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"regexp"
	"strings"

	"github.com/bazelbuild/buildtools/build"
)

var (
	// Paths to be included to the release
	_paths = []string{
		"BUILD.bazel",
		"MODULE.bazel",
		"go.mod",
		"go.sum",
		"hello/*",
		"internal/*",
		"cmd/*",
	}

	// regexp for valid tags
	_tagRegexp = regexp.MustCompile(`^v([0-9]+)\.([0-9]+)(\.([0-9]+))(-rc([0-9]+))?$`)

	errTag = errors.New("tag accepts the following formats: v1.0.0 v1.0.1-rc1")
)

// moduleInfo is what we read from the module() call in MODULE.bazel.
type moduleInfo struct {
	name    string
	version string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func log(msg string, format ...any) {
	fmt.Fprintf(flag.CommandLine.Output(), msg+"\n", format...)
}

func run() (_err error) {
	var (
		repoRoot string
		tag      string
	)

	flag.StringVar(&repoRoot, "repo_root", os.Getenv("BUILD_WORKSPACE_DIRECTORY"), "root directory of hello_check repo")
	flag.StringVar(&tag, "tag", "", "tag for this release")

	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), `usage: bazel run //tools/releaser -- -tag <tag>

This utility is intended to handle many of the steps to release a new version.

`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if tag == "" {
		return fmt.Errorf("tag is required")
	}

	if !_tagRegexp.MatchString(tag) {
		return errTag
	}

	mod, err := parseModule(path.Join(repoRoot, "MODULE.bazel"))
	if err != nil {
		return err
	}
	if err := checkVersion(mod, tag); err != nil {
		return err
	}

	// commands that Must Not Fail
	cmds := [][]string{
		{"git", "diff", "--stat", "--exit-code"},
		{"git", "tag", tag},
	}

	log("Cutting a release of %s:", mod.name)

	for _, c := range cmds {
		cmd := exec.Command(c[0], c[1:]...)
		cmd.Dir = repoRoot
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf(
				"run %s: %w\n%s",
				strings.Join(c, " "),
				err,
				out,
			)
		}
	}

	fpath := path.Join(repoRoot, fmt.Sprintf("%s-%s.tar.gz", mod.name, tag))
	tgz, err := os.Create(fpath)
	if err != nil {
		return err
	}
	defer func() {
		if _err != nil {
			os.Remove(fpath)
		}
	}()
	hashw := sha256.New()

	gzw, err := gzip.NewWriterLevel(io.MultiWriter(tgz, hashw), gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("create gzip writer: %w", err)
	}

	log("- creating %s", fpath)

	var stderr bytes.Buffer
	cmd := exec.Command(
		"git",
		append([]string{
			"archive",
			"--format=tar",
			tag,
		}, _paths...)...,
	)
	cmd.Dir = repoRoot
	cmd.Stdout = gzw
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("create git archive: %w\n%s", err, stderr.Bytes())
	}

	if err := gzw.Close(); err != nil {
		return fmt.Errorf("close gzip stream: %w", err)
	}

	if err := tgz.Close(); err != nil {
		return err
	}
	log("- wrote %s", fpath)
	log("Release:\n-----\n" + genBoilerplate(mod.name, tag, fmt.Sprintf("%x", hashw.Sum(nil))))

	return nil
}

// parseModule reads name and version from the module() call in fname.
func parseModule(fname string) (moduleInfo, error) {
	data, err := os.ReadFile(fname)
	if err != nil {
		return moduleInfo{}, err
	}

	f, err := build.ParseBzl(fname, data)
	if err != nil {
		return moduleInfo{}, fmt.Errorf("parse %s: %w", fname, err)
	}

	for _, stmt := range f.Stmt {
		call, ok := stmt.(*build.CallExpr)
		if !ok {
			continue
		}
		if fn, ok := call.X.(*build.Ident); !ok || fn.Name != "module" {
			continue
		}

		var mod moduleInfo
		for _, arg := range call.List {
			assign, ok := arg.(*build.AssignExpr)
			if !ok {
				continue
			}
			key, ok := assign.LHS.(*build.Ident)
			if !ok {
				continue
			}

			var dst *string
			switch key.Name {
			case "name":
				dst = &mod.name
			case "version":
				dst = &mod.version
			default:
				continue
			}

			value, ok := assign.RHS.(*build.StringExpr)
			if !ok {
				return moduleInfo{}, fmt.Errorf("module(%s = ...): got a non-string expression", key.Name)
			}
			*dst = value.Value
		}

		if mod.name == "" || mod.version == "" {
			return moduleInfo{}, fmt.Errorf("module() in %s must set name and version", fname)
		}
		return mod, nil
	}

	return moduleInfo{}, fmt.Errorf("call module(...) not found in %s", fname)
}

// checkVersion verifies that tag, minus the "v" and any "-rcN", is the module version.
func checkVersion(mod moduleInfo, tag string) error {
	want := strings.TrimPrefix(tag, "v")
	if i := strings.Index(want, "-rc"); i >= 0 {
		want = want[:i]
	}
	if mod.version != want {
		return fmt.Errorf("MODULE.bazel version %q does not match tag %s", mod.version, tag)
	}
	return nil
}

func genBoilerplate(name, version, shasum string) string {
	return fmt.Sprintf(`load("@bazel_tools//tools/build_defs/repo:http.bzl", "http_archive")

http_archive(
    name = "%[3]s",
    sha256 = "%[2]s",
    urls = [
        "https://github.com/uber/%[3]s/releases/download/%[1]s/%[3]s-%[1]s.tar.gz",
    ],
)`, version, shasum, name)
}
