package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/burrow/pkg/archive"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

// Fetcher downloads a command's artifacts into the sandbox before the
// container execs.
type Fetcher interface {
	// Fetch downloads every URI of the command into directory.
	Fetch(ctx context.Context, id types.ContainerID, command types.CommandInfo,
		directory string, user string) error

	// Kill aborts the in-flight fetch for a container.
	Kill(id types.ContainerID)
}

// DefaultFetcher fetches file and http(s) URIs with exponential backoff
// retries.
type DefaultFetcher struct {
	client  *http.Client
	timeout time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New returns the default fetcher.
func New() *DefaultFetcher {
	return &DefaultFetcher{
		client:  &http.Client{},
		timeout: 5 * time.Minute,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Fetch downloads every URI of the command into directory. A concurrent
// Kill for the same container aborts the download.
func (f *DefaultFetcher) Fetch(ctx context.Context, id types.ContainerID,
	command types.CommandInfo, directory string, user string) error {

	if len(command.URIs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)

	f.mu.Lock()
	f.cancels[id.String()] = cancel
	f.mu.Unlock()

	defer func() {
		cancel()
		f.mu.Lock()
		delete(f.cancels, id.String())
		f.mu.Unlock()
	}()

	logger := log.WithComponent("fetcher")

	for _, uri := range command.URIs {
		logger.Info().
			Str("container_id", id.String()).
			Str("uri", uri.Value).
			Msg("fetching artifact")

		if err := f.fetchOne(ctx, uri, directory); err != nil {
			return fmt.Errorf("failed to fetch %q: %w", uri.Value, err)
		}
	}
	return nil
}

// Kill aborts the in-flight fetch for a container. Unknown containers
// are ignored.
func (f *DefaultFetcher) Kill(id types.ContainerID) {
	f.mu.Lock()
	cancel, ok := f.cancels[id.String()]
	f.mu.Unlock()

	if ok {
		cancel()
	}
}

func (f *DefaultFetcher) fetchOne(ctx context.Context, uri types.URI, directory string) error {
	output := uri.OutputFile
	if output == "" {
		output = filepath.Base(strings.SplitN(uri.Value, "?", 2)[0])
	}
	if output == "" || output == "." || output == "/" {
		return fmt.Errorf("cannot determine output file for %q", uri.Value)
	}
	target := filepath.Join(directory, output)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	parsed, err := url.Parse(uri.Value)
	if err != nil {
		return fmt.Errorf("failed to parse URI: %w", err)
	}

	switch parsed.Scheme {
	case "http", "https":
		if err := f.download(ctx, uri.Value, target); err != nil {
			return err
		}
	case "file", "":
		source := uri.Value
		if parsed.Scheme == "file" {
			source = parsed.Path
		}
		if err := copyFile(source, target); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported URI scheme %q", parsed.Scheme)
	}

	if uri.Executable {
		if err := os.Chmod(target, 0o755); err != nil {
			return fmt.Errorf("failed to mark %q executable: %w", target, err)
		}
	}

	if uri.Extract {
		if err := extract(target, directory); err != nil {
			return err
		}
	}
	return nil
}

// download retrieves an HTTP(S) URI with exponential backoff. Transient
// failures retry until the container's fetch context is cancelled.
func (f *DefaultFetcher) download(ctx context.Context, rawURL, target string) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			metrics.FetchRetries.Inc()
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			metrics.FetchRetries.Inc()
			return fmt.Errorf("server returned %s", resp.Status)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("server returned %s", resp.Status))
		}

		out, err := os.Create(target)
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err := io.Copy(out, resp.Body); err != nil {
			out.Close()
			os.Remove(target)
			return err
		}
		return out.Close()
	}

	return backoff.Retry(operation, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
}

func copyFile(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create target: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy: %w", err)
	}
	return out.Close()
}

// extract unpacks recognized archive formats next to the artifact.
func extract(target, directory string) error {
	in, err := os.Open(target)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", target, err)
	}
	defer in.Close()

	switch {
	case strings.HasSuffix(target, ".tar.gz"), strings.HasSuffix(target, ".tgz"):
		return archive.UntarGz(in, directory)
	case strings.HasSuffix(target, ".tar"):
		return archive.Untar(in, directory)
	default:
		// Unrecognized formats are left as-is.
		return nil
	}
}
