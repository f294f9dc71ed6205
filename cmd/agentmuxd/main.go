package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coremux/agentmux/internal/authn"
	"github.com/coremux/agentmux/internal/auditlog"
	"github.com/coremux/agentmux/internal/breaker"
	"github.com/coremux/agentmux/internal/config"
	"github.com/coremux/agentmux/internal/engine"
	"github.com/coremux/agentmux/internal/governor"
	"github.com/coremux/agentmux/internal/lock"
	"github.com/coremux/agentmux/internal/logger"
	"github.com/coremux/agentmux/internal/metastore"
	"github.com/coremux/agentmux/internal/provider"
	"github.com/coremux/agentmux/internal/replay"
	"github.com/coremux/agentmux/internal/session"
	"github.com/coremux/agentmux/internal/sessionversion"
	"github.com/coremux/agentmux/internal/transport"
	"github.com/coremux/agentmux/internal/uiregistry"
)

func main() {
	var stdio bool
	var portFlag int
	var dataDirFlag string

	root := &cobra.Command{
		Use:   "agentmuxd",
		Short: "agentmux session multiplexer daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(stdio, portFlag, dataDirFlag)
		},
	}
	root.Flags().BoolVar(&stdio, "stdio", false, "serve a single client over stdin/stdout instead of the socket transport")
	root.Flags().IntVar(&portFlag, "port", 0, "TCP port to listen on (overrides AGENTMUX_PORT; 0 means unix-socket mode)")
	root.Flags().StringVar(&dataDirFlag, "data-dir", "", "data directory (overrides AGENTMUX_HOME)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(stdio bool, portFlag int, dataDirFlag string) error {
	dataDir := dataDirFlag
	if dataDir == "" {
		d, err := config.DataDir()
		if err != nil {
			return fmt.Errorf("resolve data dir: %w", err)
		}
		dataDir = d
	}
	if err := config.EnsureDataDir(dataDir); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}

	cfg, err := config.LoadDaemonConfig(dataDir)
	if err != nil {
		return fmt.Errorf("load daemon config: %w", err)
	}
	if portStr := os.Getenv("AGENTMUX_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("invalid AGENTMUX_PORT: %s", portStr)
		}
		cfg.Port = port
	}
	if portFlag != 0 {
		cfg.Port = portFlag
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(dataDir, "agentmux.sock")
	}

	if err := logger.Init(cfg.LogLevel, filepath.Join(dataDir, "agentmuxd.log")); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.Info("agentmuxd starting", "dataDir", dataDir, "stdio", stdio)

	gov := governor.New(governor.Config{
		MaxSessions:      cfg.MaxSessions,
		MaxConnections:   cfg.MaxConnections,
		MaxMessageBytes:  cfg.MaxMessageBytes,
		SessionRateLimit: cfg.SessionRateLimit,
		GlobalRateLimit:  cfg.GlobalRateLimit,
		ZombieTimeout:    cfg.ZombieTimeoutDuration(),
		MaxSessionLife:   cfg.MaxSessionLifeDuration(),
	})
	defer gov.Stop()

	locks := lock.New(lock.Config{})
	replayStore := replay.New(replay.Config{InFlightCap: cfg.MaxInFlightCommands}, time.Now().Unix())
	defer replayStore.Stop()
	versions := sessionversion.New()
	eng := engine.New(engine.Config{}, replayStore)
	breakers := breaker.New(breaker.Config{})
	defer breakers.Stop()
	uiReg := uiregistry.New(uiregistry.Config{})

	metaStore, err := metastore.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer metaStore.Close()

	audit, err := auditlog.Open(filepath.Join(dataDir, "audit.db"))
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer audit.Close()

	registry := defaultProviderRegistry()
	factory := func(ctx context.Context, sessionID string, opts session.CreateOptions) (session.Capability, error) {
		return session.NewLocalCapability(sessionID, registry, opts), nil
	}

	mgr := session.NewManager(session.Deps{
		Governor:   gov,
		Locks:      locks,
		Replay:     replayStore,
		Versions:   versions,
		Engine:     eng,
		Breakers:   breakers,
		UIRegistry: uiReg,
		Factory:    factory,
		MetaStore:  metaStore,
		Audit:      audit,
	})

	if err := restoreStoredSessions(mgr, metaStore); err != nil {
		logger.Warn("restoring stored session metadata failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reapDone := make(chan struct{})
	go func() {
		defer close(reapDone)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mgr.ReapStaleSessions()
			}
		}
	}()

	if stdio {
		err := transport.RunStdio(ctx, mgr, gov, os.Stdin, os.Stdout, transport.StdioConfig{
			MaxMessageBytes:      cfg.MaxMessageBytes,
			BandwidthBytesPerSec: cfg.BandwidthBytesPerSec,
			BandwidthBurst:       cfg.BandwidthBurst,
		})
		<-reapDone
		mgr.InitiateShutdown(10 * time.Second)
		return err
	}

	var verifier *authn.Verifier
	if cfg.JWTSecret != "" || cfg.DevMode {
		verifier = authn.NewVerifier([]byte(cfg.JWTSecret), cfg.DevMode, cfg.JWTSecret)
	}

	srv := transport.NewSocketServer(mgr, gov, verifier, transport.SocketConfig{
		SocketPath:           cfg.SocketPath,
		Port:                 cfg.Port,
		MaxMessageBytes:      int64(cfg.MaxMessageBytes),
		BandwidthBytesPerSec: cfg.BandwidthBytesPerSec,
		BandwidthBurst:       cfg.BandwidthBurst,
	})

	logger.Info("agentmuxd listening", "port", cfg.Port, "socket", cfg.SocketPath)
	err = srv.ListenAndServe(ctx)
	<-reapDone
	mgr.InitiateShutdown(10 * time.Second)
	if err != nil {
		return fmt.Errorf("socket transport: %w", err)
	}
	logger.Info("agentmuxd stopped")
	return nil
}

// defaultProviderRegistry wires every provider adapter the spec names,
// each resolving its CLI command from PATH unless overridden by its
// AGENTMUX_*_CMD environment variable.
func defaultProviderRegistry() *provider.Registry {
	return provider.NewRegistry(
		provider.NewClaude(os.Getenv("AGENTMUX_CLAUDE_CMD")),
		provider.NewCodex(os.Getenv("AGENTMUX_CODEX_CMD")),
		provider.NewGemini(os.Getenv("AGENTMUX_GEMINI_CMD"), os.Getenv("AGENTMUX_GEMINI_MODEL")),
		provider.NewOllama(os.Getenv("AGENTMUX_OLLAMA_CMD"), os.Getenv("AGENTMUX_OLLAMA_MODEL")),
	)
}

// restoreStoredSessions is a placeholder hook for warming the Session
// Manager's bookkeeping from metastore records at startup; sessions
// themselves stay lazily rehydrated via load_session (spec §4.9), so
// this only validates the store is readable before serving traffic.
func restoreStoredSessions(mgr *session.Manager, metaStore *metastore.Store) error {
	_, err := metaStore.Load()
	return err
}
