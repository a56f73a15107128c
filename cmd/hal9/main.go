package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hal9-io/hal9/internal/config"
	"github.com/hal9-io/hal9/pkg/logging"
	"github.com/hal9-io/hal9/pkg/server"
)

var (
	cfgFile string
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "hal9",
		Short:   "HAL9 hierarchical cognitive-compute runtime",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: hal9.yaml in the current directory)")

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Printf("error executing command: %v", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*logging.StructuredLogger, error) {
	level := logging.LevelInfo
	switch cfg.Monitoring.LogLevel {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	}
	return logging.NewStructuredLogger(&logging.LoggerConfig{
		Level:       level,
		Format:      logging.FormatConsole,
		Output:      os.Stdout,
		ServiceName: "hal9",
	})
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start a HAL9 server node",
		RunE:  runStart,
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	core, err := server.New(*cfg, log)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := core.Start(ctx); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	log.Info(fmt.Sprintf("hal9 server %s started", cfg.ServerID))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	if err := core.Shutdown(30 * time.Second); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Validate configuration and report the neurons it would register",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	core, err := server.New(*cfg, log)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	status := core.Status()
	fmt.Printf("server_id: %s\n", cfg.ServerID)
	fmt.Printf("distributed: %t\n", cfg.Distributed.Enabled)
	fmt.Printf("neurons: %d\n", len(status.Neurons))
	for _, n := range status.Neurons {
		fmt.Printf("  - %s (%s) state=%s healthy=%t\n", n.ID, n.Layer, n.State, n.IsHealthy)
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hal9 version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
