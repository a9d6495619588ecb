package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/pylonrelay/internal/beaconclient"
	"github.com/nextlevelbuilder/pylonrelay/internal/config"
	"github.com/nextlevelbuilder/pylonrelay/internal/ids"
	"github.com/nextlevelbuilder/pylonrelay/internal/message"
	"github.com/nextlevelbuilder/pylonrelay/internal/pidfile"
	"github.com/nextlevelbuilder/pylonrelay/internal/relayclient"
	"github.com/nextlevelbuilder/pylonrelay/internal/session"
	"github.com/nextlevelbuilder/pylonrelay/internal/toolserver"
	"github.com/nextlevelbuilder/pylonrelay/internal/tracing"
	"github.com/nextlevelbuilder/pylonrelay/internal/workspace"
)

var (
	cfgFile   string
	verbose   bool
	port      int
	relayAddr string
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Worker (Pylon) — session manager, tool server, and Beacon/Relay client",
	Run: func(cmd *cobra.Command, args []string) {
		runWorker()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: worker.json or $WORKER_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "tool server port (overrides config's toolServerPort)")
	rootCmd.PersistentFlags().StringVar(&relayAddr, "relay", "127.0.0.1:8787", "Relay host:port to connect to as this Pylon")
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
	if v := os.Getenv("WORKER_CONFIG"); v != "" {
		return v
	}
	return "worker.json"
}

func runWorker() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.LoadWorker(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if port != 0 {
		if port < 1 || port > 65535 {
			slog.Error("invalid --port", "port", port)
			os.Exit(1)
		}
		cfg.ToolServerPort = port
	}
	if cfg.PylonID < 1 || cfg.PylonID > 15 {
		slog.Error("invalid pylonId in worker config", "pylonId", cfg.PylonID)
		os.Exit(1)
	}

	if err := pidfile.Create("worker.pid", func(pid int) {
		slog.Warn("worker: existing pidfile found, overwriting", "pid", pid)
	}); err != nil {
		slog.Error("failed to create pidfile", "error", err)
		os.Exit(1)
	}
	defer pidfile.Remove("worker.pid")

	shutdownTracing, err := tracing.Init(context.Background(), tracing.Config{
		Enabled:      cfg.Telemetry.Enabled,
		Endpoint:     cfg.Telemetry.Endpoint,
		Protocol:     cfg.Telemetry.Protocol,
		Insecure:     cfg.Telemetry.Insecure,
		ServiceName:  serviceNameOr(cfg.Telemetry.ServiceName, "goclaw-worker"),
		Headers:      cfg.Telemetry.Headers,
		SamplerRatio: cfg.Telemetry.SamplerRatio,
	})
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	pylonID := ids.PylonId(cfg.PylonID)

	snapshotPath := filepath.Join(cfg.WorkspaceDataDir, "workspaces.json")
	store, err := workspace.Load(snapshotPath, pylonID)
	if err != nil {
		slog.Warn("worker: no prior workspace snapshot, starting fresh", "error", err)
		store = workspace.New(pylonID)
	}
	if reset := store.ResetActiveConversations(); len(reset) > 0 {
		slog.Info("worker: reset stale conversations to idle on startup", "count", len(reset))
	}
	defer func() {
		if err := store.Save(snapshotPath); err != nil {
			slog.Error("worker: failed to save workspace snapshot on shutdown", "error", err)
		}
	}()

	msgsPath := filepath.Join(cfg.WorkspaceDataDir, "messages.db")
	msgs, err := message.Open(msgsPath)
	if err != nil {
		slog.Error("failed to open message store", "error", err)
		os.Exit(1)
	}
	defer msgs.Close()

	beaconAddr := net.JoinHostPort(cfg.BeaconHost, strconv.Itoa(cfg.BeaconPort))
	adapter, err := beaconclient.Dial(beaconAddr, cfg.PylonID, "127.0.0.1", cfg.ToolServerPort)
	if err != nil {
		slog.Error("failed to dial beacon", "error", err, "addr", beaconAddr)
		os.Exit(1)
	}
	defer adapter.Close()

	editTools := map[string]bool{"Edit": true, "Write": true, "NotebookEdit": true}
	rules := session.NewRuleSet(session.ModeRule(editTools))

	events := make(chan session.Event, 256)
	manager := session.NewManager(adapter, msgs, rules, events)

	resolve := func(ctx context.Context, toolUseID string) (ids.ConvId, error) {
		return adapter.Lookup(ctx, toolUseID)
	}
	onCreate := func(convID ids.ConvId) {
		slog.Info("worker: new conversation created via lookup_and_create_conversation", "convId", convID)
	}
	tools := toolserver.New(store, resolve, onCreate)

	toolLn, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.ToolServerPort)))
	if err != nil {
		slog.Error("failed to listen for tool server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("worker: shutdown initiated", "signal", sig)
		cancel()
	}()

	go func() {
		if err := tools.Serve(ctx, toolLn); err != nil {
			slog.Error("worker: tool server error", "error", err)
		}
	}()

	relay, err := relayclient.Dial(relayAddr, cfg.PylonID)
	if err != nil {
		slog.Error("failed to connect to relay", "error", err, "addr", relayAddr)
		os.Exit(1)
	}
	defer relay.Close()
	go relay.Run(ctx)
	go relay.KeepAlive(ctx, 30*time.Second)

	go forwardSessionEvents(ctx, relay, events)
	go dispatchInboundFrames(ctx, relay, manager, store, msgs)

	slog.Info("worker starting", "pylonId", cfg.PylonID, "env", cfg.Env, "toolServerPort", cfg.ToolServerPort, "beacon", beaconAddr, "relay", relayAddr)
	<-ctx.Done()
	slog.Info("worker: shutting down")
}
