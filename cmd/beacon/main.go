package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/pylonrelay/internal/beacon"
	"github.com/nextlevelbuilder/pylonrelay/internal/config"
	"github.com/nextlevelbuilder/pylonrelay/internal/pidfile"
	"github.com/nextlevelbuilder/pylonrelay/internal/provideradapter"
	"github.com/nextlevelbuilder/pylonrelay/internal/tracing"
)

var (
	cfgFile string
	verbose bool
	port    int
)

var rootCmd = &cobra.Command{
	Use:   "beacon",
	Short: "Beacon — TCP multiplexer fronting one LLM SDK instance for many Workers",
	Run: func(cmd *cobra.Command, args []string) {
		runBeacon()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: beacon.json or $BEACON_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "listen port (overrides BEACON_PORT env and config file)")
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
	if v := os.Getenv("BEACON_CONFIG"); v != "" {
		return v
	}
	return "beacon.json"
}

func runBeacon() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.LoadBeacon(resolveConfigPath())
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

	if err := pidfile.Create("beacon.pid", func(pid int) {
		slog.Warn("beacon: existing pidfile found, overwriting", "pid", pid)
	}); err != nil {
		slog.Error("failed to create pidfile", "error", err)
		os.Exit(1)
	}
	defer pidfile.Remove("beacon.pid")

	shutdownTracing, err := tracing.Init(context.Background(), tracing.Config{
		Enabled:      cfg.Telemetry.Enabled,
		Endpoint:     cfg.Telemetry.Endpoint,
		Protocol:     cfg.Telemetry.Protocol,
		Insecure:     cfg.Telemetry.Insecure,
		ServiceName:  serviceNameOr(cfg.Telemetry.ServiceName, "goclaw-beacon"),
		Headers:      cfg.Telemetry.Headers,
		SamplerRatio: cfg.Telemetry.SamplerRatio,
	})
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		slog.Error("ANTHROPIC_API_KEY is required")
		os.Exit(1)
	}
	adapter := provideradapter.NewAnthropic(apiKey)

	srv := beacon.New(adapter)
	if cfg.RateLimitRPS > 0 {
		srv.SetRateLimit(cfg.RateLimitRPS)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		slog.Error("failed to listen", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("beacon: shutdown initiated", "signal", sig)
		cancel()
	}()

	slog.Info("beacon starting", "port", cfg.Port)
	if err := srv.Serve(ctx, ln); err != nil {
		slog.Error("beacon error", "error", err)
		os.Exit(1)
	}
}
