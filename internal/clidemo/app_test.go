package clidemo_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskweave/internal/clidemo"
)

// captureStdout runs fn with os.Stdout redirected to a pipe and
// returns everything written to it.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	old := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = old }()

	fn()

	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestOnce_CountsWords(t *testing.T) {
	out := captureStdout(t, func() {
		err := clidemo.Once(context.Background(), "the quick brown fox", nil)
		require.NoError(t, err)
	})
	require.Contains(t, out, "4 words")
}

func TestOnce_EmptyString_CountsZero(t *testing.T) {
	out := captureStdout(t, func() {
		err := clidemo.Once(context.Background(), "", nil)
		require.NoError(t, err)
	})
	require.Contains(t, out, "0 words")
}

func TestRun_PrintsCountAndPicksUpEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.txt")
	require.NoError(t, os.WriteFile(path, []byte("one two three"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// captureStdout's require calls must run on the test goroutine, so
	// Run itself is driven from a plain goroutine reporting only a
	// bare error and the captured output over channels.
	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, w, perr := os.Pipe()
		if perr != nil {
			done <- result{err: perr}
			return
		}
		old := os.Stdout
		os.Stdout = w
		runErr := clidemo.Run(ctx, path, nil)
		os.Stdout = old
		_ = w.Close()
		out, _ := io.ReadAll(r)
		done <- result{out: string(out), err: runErr}
	}()

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("one two three four five"), 0o644))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Contains(t, r.out, "3 words")
		require.Contains(t, r.out, "5 words")
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context timeout")
	}
}

func TestInspect_PrintsRootAndWordCountDescriptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inspected.txt")
	require.NoError(t, os.WriteFile(path, []byte("alpha beta"), 0o644))

	out := captureStdout(t, func() {
		err := clidemo.Inspect(context.Background(), path, nil)
		require.NoError(t, err)
	})
	require.Contains(t, out, "root(")
	require.Contains(t, out, "native(fn#2")
}

func TestInspect_MissingFile_IsConfigError(t *testing.T) {
	err := clidemo.Inspect(context.Background(), "/no/such/file", nil)
	require.Error(t, err)
	require.Equal(t, clidemo.ExitConfigError, clidemo.ExitCode(err))
}

func TestRun_EmptyPath_IsInvalidInvocation(t *testing.T) {
	err := clidemo.Run(context.Background(), "", nil)
	require.Error(t, err)
	require.Equal(t, clidemo.ExitInvalidInvocation, clidemo.ExitCode(err))
}

func TestInspect_EmptyPath_IsInvalidInvocation(t *testing.T) {
	err := clidemo.Inspect(context.Background(), "", nil)
	require.Error(t, err)
	require.Equal(t, clidemo.ExitInvalidInvocation, clidemo.ExitCode(err))
}

func TestExitCode_DefaultsToInternalErrorForUnknownErrors(t *testing.T) {
	require.Equal(t, clidemo.ExitInternalError, clidemo.ExitCode(io.ErrUnexpectedEOF))
	require.Equal(t, clidemo.ExitSuccess, clidemo.ExitCode(nil))
}
