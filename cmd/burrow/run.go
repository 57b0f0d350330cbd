package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/containerizer"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

var runFlags struct {
	command string
	sandbox string
	user    string
	image   string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch a single container and wait for it",
	Long: `Launches one container through the full pipeline, waits for it to
terminate and prints its exit status. Interrupting destroys the
container first.`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runFlags.command, "command", "", "Shell command the container runs")
	runCmd.Flags().StringVar(&runFlags.sandbox, "sandbox", "", "Sandbox directory (defaults to a temp directory)")
	runCmd.Flags().StringVar(&runFlags.user, "user", "", "User to run the command as")
	runCmd.Flags().StringVar(&runFlags.image, "image", "", "Docker image reference to provision as rootfs")
	runCmd.MarkFlagRequired("command")
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel)})

	c, err := containerizer.New(cfg)
	if err != nil {
		return err
	}

	if err := c.Recover(nil); err != nil {
		return err
	}

	sandbox := runFlags.sandbox
	if sandbox == "" {
		sandbox, err = os.MkdirTemp("", "burrow-sandbox-*")
		if err != nil {
			return fmt.Errorf("failed to create sandbox: %w", err)
		}
	}

	id := types.NewContainerID(uuid.NewString())

	executor := types.ExecutorInfo{
		ID:          "run-" + id.Value,
		FrameworkID: "burrow-cli",
		Command:     types.CommandInfo{Shell: true, Value: runFlags.command},
	}
	if runFlags.image != "" {
		executor.Container = &types.ContainerInfo{
			Type: types.ContainerTypeNative,
			Image: &types.Image{
				Type:   types.ImageTypeDocker,
				Docker: &types.DockerImage{Name: runFlags.image},
			},
		}
	}

	ok, err := c.Launch(id, nil, executor, sandbox, runFlags.user, nil, false)
	if err != nil {
		return fmt.Errorf("failed to launch container: %w", err)
	}
	if !ok {
		return fmt.Errorf("container was not launched by this containerizer")
	}

	fmt.Printf("Launched container %s in %s\n", id, sandbox)

	// Destroy on interrupt; otherwise wait for natural termination.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		fmt.Println("Destroying container...")
		c.Destroy(id)
	}()

	termination, err := c.Wait(id)
	if err != nil {
		return err
	}
	if termination == nil {
		return fmt.Errorf("container %s is unknown", id)
	}

	if termination.ExitStatus != nil {
		fmt.Printf("Container exited with status %d\n", *termination.ExitStatus)
	} else {
		fmt.Println("Container terminated without a known exit status")
	}
	if termination.Message != "" {
		fmt.Printf("Message: %s\n", termination.Message)
	}
	return nil
}
