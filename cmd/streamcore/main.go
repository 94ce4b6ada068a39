package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/internal/checkpoint"
	"github.com/ajitpratap0/streamcore/internal/pipeline"
	"github.com/ajitpratap0/streamcore/pkg/config"
	"github.com/ajitpratap0/streamcore/pkg/connector/registry"
	"github.com/ajitpratap0/streamcore/pkg/logger"

	// Register the bundled connectors
	_ "github.com/ajitpratap0/streamcore/pkg/connector/destinations/json"
	_ "github.com/ajitpratap0/streamcore/pkg/connector/destinations/kafka"
	_ "github.com/ajitpratap0/streamcore/pkg/connector/sources/json"
	_ "github.com/ajitpratap0/streamcore/pkg/connector/sources/kafka"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "streamcore",
		Short: "streamcore - real-time event stream processing",
		Long: `streamcore ingests events, deduplicates them, runs them through a keyed
processing pipeline with event-time windows and pattern detection, and
delivers the results to a sink while checkpointing its state.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the YAML configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("streamcore v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "connectors",
		Short: "List available connectors",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Sources:")
			for _, s := range registry.ListSources() {
				fmt.Printf("  - %s\n", s)
			}
			fmt.Println("Sinks:")
			for _, s := range registry.ListSinks() {
				fmt.Printf("  - %s\n", s)
			}
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration without starting the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}
			// compile stages and patterns against an in-memory store
			e, err := pipeline.NewEngine(cmd.Context(), cfg, zap.NewNop(),
				pipeline.WithCheckpointStore(checkpoint.NewMemoryStore()))
			if err != nil {
				return err
			}
			if _, err := e.StandardStages(pipeline.StageHooks{}); err != nil {
				return err
			}
			fmt.Printf("configuration %q is valid\n", cfg.Name)
			return nil
		},
	})

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine",
		Long: `Run the engine with the configured source and sink. The engine recovers
from the latest checkpoint, processes until the source is exhausted or a
SIGINT/SIGTERM arrives, then drains and takes a final checkpoint.

Example:
  streamcore run --config stream.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Logging); err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return run(cmd.Context(), cfg, logger.Get())
		},
	}
	root.AddCommand(runCmd)

	checkpointsCmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect stored checkpoints",
	}
	checkpointsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored checkpoints, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}
			return listCheckpoints(cmd.Context(), cfg, os.Stdout)
		},
	})
	root.AddCommand(checkpointsCmd)

	return root
}

func listCheckpoints(ctx context.Context, cfg *config.StreamConfig, out *os.File) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := checkpoint.NewStore(ctx, cfg.Checkpoint.Store, zap.NewNop())
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := checkpoint.NewManager(nil, store, checkpoint.Components{}, zap.NewNop())
	if err != nil {
		return err
	}
	infos, err := m.List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tAGE")
	now := time.Now()
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\n", info.ID, info.CreatedAt.Format(time.RFC3339), now.Sub(info.CreatedAt).Truncate(time.Second))
	}
	return w.Flush()
}
