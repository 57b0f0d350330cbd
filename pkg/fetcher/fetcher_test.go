package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/types"
)

func TestFetchFileURI(t *testing.T) {
	source := filepath.Join(t.TempDir(), "artifact.txt")
	require.NoError(t, os.WriteFile(source, []byte("payload"), 0o644))

	sandbox := t.TempDir()
	f := New()

	err := f.Fetch(context.Background(), types.NewContainerID("c1"), types.CommandInfo{
		URIs: []types.URI{{Value: source}},
	}, sandbox, "")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(sandbox, "artifact.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestFetchMarksExecutable(t *testing.T) {
	source := filepath.Join(t.TempDir(), "run.sh")
	require.NoError(t, os.WriteFile(source, []byte("#!/bin/sh\n"), 0o644))

	sandbox := t.TempDir()
	f := New()

	err := f.Fetch(context.Background(), types.NewContainerID("c1"), types.CommandInfo{
		URIs: []types.URI{{Value: source, Executable: true}},
	}, sandbox, "")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(sandbox, "run.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o111)
}

func TestFetchHTTPURI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote payload"))
	}))
	defer server.Close()

	sandbox := t.TempDir()
	f := New()

	err := f.Fetch(context.Background(), types.NewContainerID("c1"), types.CommandInfo{
		URIs: []types.URI{{Value: server.URL + "/artifact.bin"}},
	}, sandbox, "")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(sandbox, "artifact.bin"))
	require.NoError(t, err)
	assert.Equal(t, "remote payload", string(data))
}

func TestFetchHTTPNotFoundFailsFast(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	f := New()
	err := f.Fetch(context.Background(), types.NewContainerID("c1"), types.CommandInfo{
		URIs: []types.URI{{Value: server.URL + "/missing.bin"}},
	}, t.TempDir(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestFetchNoURIsIsNoop(t *testing.T) {
	f := New()
	require.NoError(t, f.Fetch(context.Background(),
		types.NewContainerID("c1"), types.CommandInfo{}, t.TempDir(), ""))
}

func TestKillAbortsFetch(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	f := New()
	id := types.NewContainerID("c1")

	done := make(chan error, 1)
	go func() {
		done <- f.Fetch(context.Background(), id, types.CommandInfo{
			URIs: []types.URI{{Value: server.URL + "/slow.bin"}},
		}, t.TempDir(), "")
	}()

	// Give the fetch a moment to register its cancel func.
	time.Sleep(100 * time.Millisecond)
	f.Kill(id)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("fetch was not aborted")
	}
}
