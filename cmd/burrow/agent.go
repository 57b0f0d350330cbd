package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/containerizer"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/state"

	// Builtin isolators register themselves.
	_ "github.com/cuemby/burrow/pkg/isolator/filesystem"
	_ "github.com/cuemby/burrow/pkg/isolator/posix"
)

var agentFlags struct {
	configPath  string
	runtimeDir  string
	workDir     string
	isolation   []string
	metricsAddr string
	logLevel    string
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the containerizer agent",
	Long: `Runs the containerizer: recovers checkpointed containers, destroys
orphans, serves the metrics endpoint when an address is configured, and
then runs until interrupted. It accepts no container operations itself.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentFlags.configPath, "config", "", "Path to the YAML configuration file")
	agentCmd.Flags().StringVar(&agentFlags.runtimeDir, "runtime-dir", "", "Containerizer runtime (checkpoint) directory")
	agentCmd.Flags().StringVar(&agentFlags.workDir, "work-dir", "", "Agent work directory holding sandboxes and metadata")
	agentCmd.Flags().StringSliceVar(&agentFlags.isolation, "isolation", nil, "Ordered isolator names")
	agentCmd.Flags().StringVar(&agentFlags.metricsAddr, "metrics-addr", "", "Prometheus metrics listen address")
	agentCmd.Flags().StringVar(&agentFlags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if agentFlags.configPath != "" {
		cfg, err = config.Load(agentFlags.configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	// Flags override the file.
	if agentFlags.runtimeDir != "" {
		cfg.RuntimeDir = agentFlags.runtimeDir
	}
	if agentFlags.workDir != "" {
		cfg.WorkDir = agentFlags.workDir
	}
	if len(agentFlags.isolation) > 0 {
		cfg.Isolation = agentFlags.isolation
	}
	if agentFlags.metricsAddr != "" {
		cfg.MetricsAddr = agentFlags.metricsAddr
	}
	if agentFlags.logLevel != "" {
		cfg.LogLevel = agentFlags.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true})
	logger := log.WithComponent("agent")

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}

	meta, err := state.Open(cfg.WorkDir)
	if err != nil {
		return err
	}
	defer meta.Close()

	c, err := containerizer.New(cfg, containerizer.WithMetaStore(meta))
	if err != nil {
		return err
	}

	agentState, err := meta.AgentState()
	if err != nil {
		return err
	}

	if err := c.Recover(agentState); err != nil {
		return fmt.Errorf("failed to recover containerizer: %w", err)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	logger.Info().
		Int("containers", len(c.Containers())).
		Msg("agent is ready")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	return nil
}
