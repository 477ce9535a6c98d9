//go:build linux

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgrid/evalgrid/dag"
)

func TestLocalRunSuccess(t *testing.T) {
	dir := t.TempDir()
	r := NewLocal()
	res, err := r.Run(context.Background(), Config{
		WorkDir:    dir,
		Executable: "/bin/true",
	})
	require.NoError(t, err)
	assert.False(t, res.Failed)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, dag.StatusSuccess, res.Status())
}

func TestLocalRunNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	r := NewLocal()
	res, err := r.Run(context.Background(), Config{
		WorkDir:    dir,
		Executable: "/bin/sh",
		Args:       []string{"-c", "exit 7"},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
}

func TestLocalRunWallTimeExceeded(t *testing.T) {
	dir := t.TempDir()
	r := NewLocal()
	res, err := r.Run(context.Background(), Config{
		WorkDir:    dir,
		Executable: "/bin/sh",
		Args:       []string{"-c", "sleep 5"},
		WallTime:   200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.HitWall)
}

func TestLocalRunMissingExecutable(t *testing.T) {
	dir := t.TempDir()
	r := NewLocal()
	res, err := r.Run(context.Background(), Config{
		WorkDir:    dir,
		Executable: filepath.Join(dir, "does-not-exist"),
	})
	require.NoError(t, err)
	assert.True(t, res.Failed)
}

func TestLocalRunStdoutRedirect(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.txt")
	r := NewLocal()
	res, err := r.Run(context.Background(), Config{
		WorkDir:    dir,
		Executable: "/bin/sh",
		Args:       []string{"-c", "echo hello"},
		StdoutPath: outPath,
	})
	require.NoError(t, err)
	assert.False(t, res.Failed)
	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}
