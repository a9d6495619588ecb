package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/pylonrelay/internal/config"
	"github.com/nextlevelbuilder/pylonrelay/internal/pidfile"
	"github.com/nextlevelbuilder/pylonrelay/internal/relay"
	"github.com/nextlevelbuilder/pylonrelay/internal/tracing"
	"github.com/nextlevelbuilder/pylonrelay/pkg/protocol"
)

var (
	cfgFile string
	verbose bool
	port    int
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay — WebSocket hub fronting Pylons, apps, and viewers",
	Run: func(cmd *cobra.Command, args []string) {
		runRelay()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: relay.json or $RELAY_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "listen port (overrides PORT env and config file)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serviceNameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("RELAY_CONFIG"); v != "" {
		return v
	}
	return "relay.json"
}

func runRelay() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.LoadRelay(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if port != 0 {
		if port < 1 || port > 65535 {
			slog.Error("invalid --port", "port", port)
			os.Exit(1)
		}
		cfg.Port = port
	}

	if err := pidfile.Create("relay.pid", func(pid int) {
		slog.Warn("relay: existing pidfile found, overwriting", "pid", pid)
	}); err != nil {
		slog.Error("failed to create pidfile", "error", err)
		os.Exit(1)
	}
	defer pidfile.Remove("relay.pid")

	shutdownTracing, err := tracing.Init(context.Background(), tracing.Config{
		Enabled:      cfg.Telemetry.Enabled,
		Endpoint:     cfg.Telemetry.Endpoint,
		Protocol:     cfg.Telemetry.Protocol,
		Insecure:     cfg.Telemetry.Insecure,
		ServiceName:  serviceNameOr(cfg.Telemetry.ServiceName, "goclaw-relay"),
		Headers:      cfg.Telemetry.Headers,
		SamplerRatio: cfg.Telemetry.SamplerRatio,
	})
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	server := relay.NewServer(cfg, nil)

	stopWatch, err := config.WatchRelay(resolveConfigPath(), server.Hub().UpdateConfig)
	if err != nil {
		slog.Warn("relay: config hot-reload unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("relay: shutdown initiated", "signal", sig)
		cancel()
	}()

	slog.Info("relay starting", "port", cfg.Port, "protocol", protocol.ProtocolVersion)
	if err := server.Start(ctx); err != nil {
		slog.Error("relay error", "error", err)
		os.Exit(1)
	}
}
