// Copyright 2023 Uber Technologies, Inc.
// Licensed under the MIT License

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uber/hello_check/internal/builder"
)

// _fakeCMakeArgs makes the test binary act as cmake: it appends its
// arguments as one line to the named file.
const _fakeCMakeArgs = "CMAKEBUILD_FAKE_CMAKE_ARGS"

func TestMain(m *testing.M) {
	if path := os.Getenv(_fakeCMakeArgs); path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			os.Exit(3)
		}
		f.WriteString(strings.Join(os.Args[1:], " ") + "\n")
		f.Close()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		want      builder.Options
		wantGoals []string
		wantErr   string
	}{
		{
			name:      "defaults",
			args:      []string{"-project_build_dir", "out", "configure"},
			want:      builder.Options{ProjectBuildDir: "out"},
			wantGoals: []string{"configure"},
		},
		{
			name: "everything",
			args: []string{
				"-source", "src", "-binary", "bin", "-generator", "Ninja", "-j", "4",
				"-cmake", "/opt/cmake", "-verbose", "-skip_clean", "-fail_on_error", "-retry_on_error",
				"-target", "a", "-target", "b", "-test_target", "t",
				"-make_option", "-k", "-D", "X=1", "-D", "Y=a=b", "-env", "CC=%CC%",
				"configure", "compile", "test-compile", "clean",
			},
			want: builder.Options{
				SourceDir:          "src",
				BinaryDir:          "bin",
				Generator:          "Ninja",
				Concurrency:        4,
				CMakePath:          "/opt/cmake",
				Verbose:            true,
				SkipClean:          true,
				FailOnError:        true,
				RetryOnError:       true,
				CompileTargets:     []string{"a", "b"},
				TestCompileTargets: []string{"t"},
				MakeOptions:        []string{"-k"},
				Defines:            map[string]string{"X": "1", "Y": "a=b"},
				Env:                map[string]string{"CC": "%CC%"},
			},
			wantGoals: []string{"configure", "compile", "test-compile", "clean"},
		},
		{name: "no goal", args: []string{"-binary", "bin"}, wantErr: "at least one goal is required"},
		{name: "unknown goal", args: []string{"install"}, wantErr: `unknown goal "install"`},
		{name: "bad define", args: []string{"-D", "NOVALUE", "configure"}, wantErr: "want KEY=VALUE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, goals, err := parseFlags(tt.args, &bytes.Buffer{})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantGoals, goals)
		})
	}
}

func TestRun(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	project := t.TempDir()
	argsLog := filepath.Join(t.TempDir(), "args.txt")

	var stdout, stderr bytes.Buffer
	err = run(context.Background(), []string{
		"-project_build_dir", project,
		"-source", project,
		"-cmake", exe,
		"-env", _fakeCMakeArgs + "=" + argsLog,
		"-j", "2",
		"-D", "A=1",
		"-target", "hello_c",
		"configure", "compile", "clean",
	}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())

	data, err := os.ReadFile(argsLog)
	require.NoError(t, err)
	assert.Equal(t,
		"-DA=1 "+project+"\n"+
			"--build . --parallel 2 --target hello_c\n",
		string(data))

	assert.Contains(t, stdout.String(), "--- configure\n")
	assert.Contains(t, stdout.String(), "--- clean\n")
	assert.NoDirExists(t, filepath.Join(project, "cmake"))
}

func TestRunGoalError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"compile"}, &stdout, &stderr)
	assert.EqualError(t, err, "compile: project build directory was not supplied")
}
