// Package main provides the CLI entry point for dtm0d.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ozanturksever/dtm0-recovery/internal/config"
	"github.com/ozanturksever/dtm0-recovery/internal/daemon"
	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
)

const (
	defaultConfigPath = "/etc/dtm0/dtm0.json"
)

var (
	// Version information set via ldflags
	version = "0.0.0-dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dtm0d",
	Short: "dtm0d - DTM0 recovery daemon",
	Long: `dtm0d runs one DTM0 participant. It keeps the local transaction log,
replays it to recovering peers, recovers its own log after a restart, and
evicts the records of permanently failed participants.

HA events and readiness signals are exchanged over NATS JetStream.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(logLevel, logFormat); err != nil {
			return err
		}

		// Skip config loading for commands that do not need it
		if cmd.Name() == "init" || cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.ApplyDefaults()

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file (.json or .yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(haCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(versionCmd)
}

// setupLogging installs the default slog handler.
func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid --log-format %q: must be text or json", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// initCmd writes a configuration file for this node
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration for this node",
	Long: `Initialize the node configuration by creating a configuration file.

The file format follows the extension of --config: .yaml/.yml writes YAML,
anything else JSON.`,
	RunE: runInit,
}

var (
	initClusterID string
	initNodeID    string
	initMembers   []string
	initNATSURLs  []string
	initLogPath   string
	initMetrics   string
	initMirror    bool
)

func init() {
	initCmd.Flags().StringVar(&initClusterID, "cluster-id", "", "Cluster identifier (required)")
	initCmd.Flags().StringVar(&initNodeID, "node-id", "", "Participant identifier of this node (required)")
	initCmd.Flags().StringSliceVar(&initMembers, "members", nil, "Participant identifiers of the other cluster members")
	initCmd.Flags().StringSliceVar(&initNATSURLs, "nats", nil, "NATS server URLs (required)")
	initCmd.Flags().StringVar(&initLogPath, "log-path", config.DefaultLogPath, "Path of the SQLite log (\":memory:\" for a volatile log)")
	initCmd.Flags().StringVar(&initMetrics, "metrics", config.DefaultMetricsListen, "Metrics listen address (empty to disable)")
	initCmd.Flags().BoolVar(&initMirror, "mirror", false, "Mirror the participant registry into NATS KV")

	_ = initCmd.MarkFlagRequired("cluster-id")
	_ = initCmd.MarkFlagRequired("node-id")
	_ = initCmd.MarkFlagRequired("nats")
}

func runInit(cmd *cobra.Command, args []string) error {
	newCfg := &config.Config{
		ClusterID: initClusterID,
		NodeID:    dtx.ParticipantID(initNodeID),
		NATS: config.NATSConfig{
			Servers: initNATSURLs,
		},
		Log:     config.LogConfig{Path: initLogPath},
		Metrics: config.MetricsConfig{Listen: initMetrics},
		Mirror:  config.MirrorConfig{Enabled: initMirror},
	}
	for _, m := range initMembers {
		newCfg.Members = append(newCfg.Members, dtx.ParticipantID(m))
	}

	newCfg.ApplyDefaults()

	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := newCfg.Marshal(configPath)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("✓ Node configuration initialized\n")
	fmt.Printf("  Config file: %s\n", configPath)
	fmt.Printf("  Cluster ID:  %s\n", newCfg.ClusterID)
	fmt.Printf("  Node ID:     %s\n", newCfg.NodeID)
	fmt.Printf("  Members:     %v\n", newCfg.Members)
	fmt.Printf("  NATS:        %v\n", newCfg.NATS.Servers)
	fmt.Printf("  Log:         %s\n", newCfg.Log.Path)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  Start the daemon:  dtm0d daemon")

	return nil
}

// daemonCmd runs the participant daemon
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the participant daemon",
	Long: `Run the participant daemon, which follows HA events and runs the
local, remote and eviction recovery tasks they call for.

The daemon runs continuously until stopped with SIGINT or SIGTERM.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	fmt.Println("Starting dtm0d daemon...")
	fmt.Printf("  Cluster ID: %s\n", cfg.ClusterID)
	fmt.Printf("  Node ID:    %s\n", cfg.NodeID)
	fmt.Printf("  Members:    %v\n", cfg.Members)
	fmt.Printf("  NATS:       %v\n", cfg.NATS.Servers)
	if cfg.Metrics.Listen != "" {
		fmt.Printf("  Metrics:    %s\n", cfg.Metrics.Listen)
	}
	fmt.Println()

	d, err := daemon.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	go func() {
		select {
		case <-d.Ready():
			fmt.Println("✓ Daemon started. Press Ctrl+C to stop.")
		case <-ctx.Done():
		}
	}()

	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}

	fmt.Println("✓ Daemon stopped")
	return nil
}

// versionCmd shows version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dtm0d %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}
