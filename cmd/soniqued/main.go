// Command soniqued runs the SoniqueBay assistant daemon: a multi-agent
// conversational core for a personal music library, served over WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/dorel14/SoniqueBay-sub001/internal/agent"
	"github.com/dorel14/SoniqueBay-sub001/internal/bus"
	"github.com/dorel14/SoniqueBay-sub001/internal/channels"
	"github.com/dorel14/SoniqueBay-sub001/internal/config"
	"github.com/dorel14/SoniqueBay-sub001/internal/gateway"
	"github.com/dorel14/SoniqueBay-sub001/internal/llm"
	"github.com/dorel14/SoniqueBay-sub001/internal/orchestrator"
	otelPkg "github.com/dorel14/SoniqueBay-sub001/internal/otel"
	"github.com/dorel14/SoniqueBay-sub001/internal/persistence"
	"github.com/dorel14/SoniqueBay-sub001/internal/router"
	"github.com/dorel14/SoniqueBay-sub001/internal/session"
	"github.com/dorel14/SoniqueBay-sub001/internal/telemetry"
	"github.com/dorel14/SoniqueBay-sub001/internal/tool"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	homeDir := flag.String("home", "", "data directory (default: ~/.soniquebay, or SONIQUEBAY_HOME)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("soniqued", Version)
		return
	}
	if *homeDir == "" {
		*homeDir = os.Getenv("SONIQUEBAY_HOME")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	// The store must open cleanly; serving with a partial agent set is
	// worse than not serving.
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	profiles := agent.NewSQLiteProfileStore(store)
	if err := agent.Bootstrap(ctx, profiles, cfg.LLM.Model, logger); err != nil {
		fatalStartup(logger, "E_BOOTSTRAP", err)
	}
	logger.Info("startup phase", "phase", "profiles_seeded")

	compiler := agent.NewCompiler(profiles)
	compiler.WatchBus(ctx, eventBus)

	registry := tool.NewRegistry(cfg.ToolTimeout(), logger)
	if err := tool.RegisterBuiltins(registry, store, logger); err != nil {
		fatalStartup(logger, "E_TOOL_REGISTER", err)
	}
	wasmHost := tool.NewWASMHost(ctx, logger)
	defer wasmHost.Close(context.Background())
	if cfg.Tools.PluginDir != "" {
		if err := wasmHost.LoadDir(ctx, registry, cfg.Tools.PluginDir, cfg.Tools.PluginAgents); err != nil {
			logger.Warn("plugin dir load incomplete", "dir", cfg.Tools.PluginDir, "error", err)
		}
	}

	sessions := session.NewStore(cfg.Session.MaxHistoryTurns, cfg.IdleTimeout(), eventBus, logger)

	apiKey := ""
	if cfg.LLM.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.LLM.APIKeyEnv)
	}
	backend := llm.WithTimeout(llm.NewGenkitBackend(ctx, llm.GenkitConfig{
		Provider:             cfg.LLM.Provider,
		APIKey:               apiKey,
		OpenAICompatProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
	}), cfg.CallTimeout())

	rt := router.New(compiler, profiles, backend, router.Config{
		RouterAgent:   cfg.Routing.RouterAgent,
		MaxCandidates: cfg.Routing.MaxCandidates,
		HistoryTurns:  cfg.Routing.HistoryTurns,
		RetryBackoff:  time.Duration(cfg.LLM.RetryBackoffMillis) * time.Millisecond,
	}, logger)

	orch := orchestrator.New(ctx, sessions, rt, compiler, backend, registry, store, eventBus,
		orchestrator.Config{
			Threshold:    cfg.Routing.Threshold,
			MaxClarifies: cfg.Clarify.MaxConsecutive,
			ChunkBytes:   cfg.Stream.ChunkBytes,
			Linger:       time.Duration(cfg.Stream.LingerMillis) * time.Millisecond,
			RetryBackoff: time.Duration(cfg.LLM.RetryBackoffMillis) * time.Millisecond,
			QueueSize:    cfg.Session.MaxQueuedMessages,
		}, logger)

	meters, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}
	orch.Instrument(otelProvider.Tracer, meters)

	authToken := cfg.AuthToken
	if authToken == "" {
		authToken = uuid.NewString()
		tokenPath := filepath.Join(cfg.HomeDir, "auth_token")
		if err := os.WriteFile(tokenPath, []byte(authToken+"\n"), 0o600); err != nil {
			fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
		}
		logger.Info("generated auth token", "path", tokenPath)
	}

	gw := gateway.New(gateway.Config{
		Orchestrator:      orch,
		Sessions:          sessions,
		Store:             store,
		Tools:             registry,
		Profiles:          profiles,
		Bus:               eventBus,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	}, logger)

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Background jobs: idle conversation eviction and decision-log retention.
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Session.SweepSpec, func() {
		if n := sessions.EvictIdle(time.Now()); n > 0 {
			meters.ContextEvictions.Add(context.Background(), int64(n))
			logger.Info("evicted idle conversations", "count", n)
		}
	}); err != nil {
		fatalStartup(logger, "E_CRON_SWEEP", err)
	}
	if _, err := sched.AddFunc(cfg.Retention.PruneSpec, func() {
		pruneCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		retention := time.Duration(cfg.Retention.DecisionDays) * 24 * time.Hour
		n, err := store.PruneDecisions(pruneCtx, retention)
		if err != nil {
			logger.Error("decision prune failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("pruned routing decisions", "count", n, "older_than", retention)
		}
	}); err != nil {
		fatalStartup(logger, "E_CRON_PRUNE", err)
	}
	sched.Start()
	defer sched.Stop()

	if cfg.Telegram.Enabled {
		tg := channels.NewTelegramChannel(cfg.Telegram.Token, cfg.Telegram.AllowedIDs, orch, logger)
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram channel failed", "error", err)
			}
		}()
	}

	// Hot-reload of live-tunable settings on config file changes.
	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for range confWatcher.Events() {
			newCfg, err := config.Load(cfg.HomeDir)
			if err != nil {
				logger.Error("config reload failed, keeping previous settings", "error", err)
				continue
			}
			orch.ApplyRouting(newCfg.Routing.Threshold, newCfg.Clarify.MaxConsecutive)
			telemetry.SetLevel(newCfg.LogLevel)
			logger.Info("config hot-reloaded",
				"routing_threshold", newCfg.Routing.Threshold,
				"clarify_max", newCfg.Clarify.MaxConsecutive,
				"log_level", newCfg.LogLevel)
		}
	}()

	logger.Info("startup phase", "phase", "serving", "version", Version)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first; in-flight turns observe context cancellation.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"assistant","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
