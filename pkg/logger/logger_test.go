package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareOpensSandboxSinks(t *testing.T) {
	sandbox := filepath.Join(t.TempDir(), "sandbox")
	l := NewSandboxLogger()

	info, err := l.Prepare(nil, sandbox)
	require.NoError(t, err)
	defer info.Stdout.Close()
	defer info.Stderr.Close()

	_, err = info.Stdout.WriteString("out\n")
	require.NoError(t, err)
	_, err = info.Stderr.WriteString("err\n")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(sandbox, "stdout"))
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(data))

	data, err = os.ReadFile(filepath.Join(sandbox, "stderr"))
	require.NoError(t, err)
	assert.Equal(t, "err\n", string(data))
}

func TestPrepareAppendsAcrossRestarts(t *testing.T) {
	sandbox := t.TempDir()
	l := NewSandboxLogger()

	info, err := l.Prepare(nil, sandbox)
	require.NoError(t, err)
	_, err = info.Stdout.WriteString("first\n")
	require.NoError(t, err)
	info.Stdout.Close()
	info.Stderr.Close()

	info, err = l.Prepare(nil, sandbox)
	require.NoError(t, err)
	_, err = info.Stdout.WriteString("second\n")
	require.NoError(t, err)
	info.Stdout.Close()
	info.Stderr.Close()

	data, err := os.ReadFile(filepath.Join(sandbox, "stdout"))
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))
}
