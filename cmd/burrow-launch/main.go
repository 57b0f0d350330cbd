// Command burrow-launch is the in-container init helper. The
// containerizer forks it with a sync pipe on a well-known descriptor;
// it blocks until the parent signals that isolation is complete, runs
// the pre-exec commands, applies rootfs, working directory and user,
// then runs the container command and checkpoints its wait status into
// the runtime directory before exiting with the same outcome.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	osuser "os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/cuemby/burrow/pkg/launcher"
	"github.com/cuemby/burrow/pkg/paths"
	"github.com/cuemby/burrow/pkg/types"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var flagsJSON string

var rootCmd = &cobra.Command{
	Use:   "burrow-launch",
	Short: "Burrow container launch helper",
}

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Wait for the exec signal, then run the container command",
	RunE:  runLaunch,
}

func init() {
	launchCmd.Flags().StringVar(&flagsJSON, "flags", "", "JSON-encoded launch flags")
	launchCmd.MarkFlagRequired("flags")
	rootCmd.AddCommand(launchCmd)
}

func runLaunch(cmd *cobra.Command, args []string) error {
	var flags launcher.LaunchFlags
	if err := json.Unmarshal([]byte(flagsJSON), &flags); err != nil {
		return fmt.Errorf("failed to decode launch flags: %w", err)
	}

	if err := awaitExecSignal(flags.SyncFD); err != nil {
		return err
	}

	for _, preExec := range flags.PreExecCommands {
		command := buildCommand(preExec)
		command.Stdout = os.Stdout
		command.Stderr = os.Stderr
		if err := command.Run(); err != nil {
			return fmt.Errorf("failed to run pre-exec command: %w", err)
		}
	}

	if flags.Capabilities != nil {
		return fmt.Errorf("capability sets are not supported by this launch helper")
	}

	if flags.Rootfs != "" {
		if err := unix.Chroot(flags.Rootfs); err != nil {
			return fmt.Errorf("failed to chroot to %q: %w", flags.Rootfs, err)
		}
		if err := os.Chdir("/"); err != nil {
			return fmt.Errorf("failed to chdir into the new root: %w", err)
		}
	}

	if flags.WorkingDirectory != "" {
		if err := os.Chdir(flags.WorkingDirectory); err != nil {
			return fmt.Errorf("failed to chdir to %q: %w", flags.WorkingDirectory, err)
		}
	}

	if flags.User != "" {
		if err := switchUser(flags.User); err != nil {
			return err
		}
	}

	command := buildCommand(flags.Command)
	command.Stdin = os.Stdin
	command.Stdout = os.Stdout
	command.Stderr = os.Stderr
	command.Env = os.Environ()

	if err := command.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	waitErr := command.Wait()

	// Checkpoint the wait status so the containerizer can recover the
	// outcome even if this helper is gone by the time it looks.
	waitStatus := 0
	if status, ok := command.ProcessState.Sys().(syscall.WaitStatus); ok {
		waitStatus = int(status)
	}

	if flags.RuntimeDirectory != "" {
		statusPath := filepath.Join(flags.RuntimeDirectory, paths.StatusFile)
		if err := paths.Checkpoint(statusPath, []byte(strconv.Itoa(waitStatus))); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to checkpoint status: %v\n", err)
		}
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		return waitErr
	}
	return nil
}

// awaitExecSignal blocks on the sync pipe until the parent writes the
// go-ahead byte. A closed pipe means the launch was abandoned.
func awaitExecSignal(fd int) error {
	sync := os.NewFile(uintptr(fd), "sync")
	if sync == nil {
		return fmt.Errorf("sync descriptor %d is not open", fd)
	}
	defer sync.Close()

	buf := make([]byte, 1)
	for {
		n, err := sync.Read(buf)
		if n == 1 {
			return nil
		}
		if err == io.EOF {
			return fmt.Errorf("sync pipe closed before the exec signal")
		}
		if err != nil && !errors.Is(err, syscall.EINTR) {
			return fmt.Errorf("failed to read the sync pipe: %w", err)
		}
	}
}

// buildCommand turns a CommandInfo into an executable command: shell
// commands run under "sh -c", plain commands exec the value with its
// arguments.
func buildCommand(info types.CommandInfo) *exec.Cmd {
	if info.Shell {
		return exec.Command("/bin/sh", "-c", info.Value)
	}
	return exec.Command(info.Value, info.Arguments...)
}

// switchUser drops privileges to the named user.
func switchUser(username string) error {
	u, err := osuser.Lookup(username)
	if err != nil {
		return fmt.Errorf("failed to look up user %q: %w", username, err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("failed to parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("failed to parse gid %q: %w", u.Gid, err)
	}

	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("failed to setgid %d: %w", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("failed to setuid %d: %w", uid, err)
	}
	return nil
}
