// Package logger routes container subprocess output. The default
// implementation writes stdout and stderr to files in the sandbox.
package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

// SubprocessInfo carries the stdio destinations for a container's entry
// process. The caller owns closing the files after the fork.
type SubprocessInfo struct {
	Stdout *os.File
	Stderr *os.File
}

// ContainerLogger prepares the stdio destinations of containers and is
// notified about recovered executors.
type ContainerLogger interface {
	// Recover is called for every recovered top-level container.
	Recover(executor *types.ExecutorInfo, directory string) error

	// Prepare returns the subprocess stdio destinations for a
	// container about to be forked.
	Prepare(executor *types.ExecutorInfo, directory string) (SubprocessInfo, error)
}

// SandboxLogger writes container output to "stdout" and "stderr" files
// in the sandbox.
type SandboxLogger struct{}

// NewSandboxLogger returns the default sandbox file logger.
func NewSandboxLogger() *SandboxLogger {
	return &SandboxLogger{}
}

// Recover has nothing to restore for sandbox files; it only logs.
func (l *SandboxLogger) Recover(executor *types.ExecutorInfo, directory string) error {
	log.WithComponent("logger").Debug().
		Str("directory", directory).
		Msg("recovered sandbox logger")
	return nil
}

// Prepare opens the sandbox output files in append mode so restarts
// keep prior output.
func (l *SandboxLogger) Prepare(executor *types.ExecutorInfo, directory string) (SubprocessInfo, error) {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return SubprocessInfo{}, fmt.Errorf("failed to create sandbox directory: %w", err)
	}

	stdout, err := os.OpenFile(
		filepath.Join(directory, "stdout"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return SubprocessInfo{}, fmt.Errorf("failed to open stdout sink: %w", err)
	}

	stderr, err := os.OpenFile(
		filepath.Join(directory, "stderr"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		stdout.Close()
		return SubprocessInfo{}, fmt.Errorf("failed to open stderr sink: %w", err)
	}

	return SubprocessInfo{Stdout: stdout, Stderr: stderr}, nil
}
