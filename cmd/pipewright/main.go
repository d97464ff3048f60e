// Command pipewright runs the staged agent workflow orchestrator: the HTTP
// API, the WebSocket event feed and, when enabled, an MCP server for agent
// clients. `pipewright admin` exposes operational subcommands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pipewright/pipewright/internal/adapter/cachedstore"
	pwhttp "github.com/pipewright/pipewright/internal/adapter/http"
	"github.com/pipewright/pipewright/internal/adapter/litellm"
	"github.com/pipewright/pipewright/internal/adapter/localcap"
	pwmcp "github.com/pipewright/pipewright/internal/adapter/mcp"
	"github.com/pipewright/pipewright/internal/adapter/memstore"
	pwnats "github.com/pipewright/pipewright/internal/adapter/nats"
	"github.com/pipewright/pipewright/internal/adapter/natskv"
	pwotel "github.com/pipewright/pipewright/internal/adapter/otel"
	"github.com/pipewright/pipewright/internal/adapter/postgres"
	"github.com/pipewright/pipewright/internal/adapter/ristretto"
	"github.com/pipewright/pipewright/internal/adapter/ws"
	"github.com/pipewright/pipewright/internal/config"
	"github.com/pipewright/pipewright/internal/domain/workflow"
	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/middleware"
	"github.com/pipewright/pipewright/internal/port/a2a"
	"github.com/pipewright/pipewright/internal/port/broadcast"
	"github.com/pipewright/pipewright/internal/port/checkpoint"
	"github.com/pipewright/pipewright/internal/port/eventlog"
	"github.com/pipewright/pipewright/internal/resilience"
	"github.com/pipewright/pipewright/internal/service"
)

const (
	version = "0.1.0"

	// Idempotency replay entries live in their own KV bucket so they never
	// share keys with run checkpoints.
	idempotencyBucket = "pipewright_idem"
	idempotencyTTL    = 24 * time.Hour
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			slog.Error("admin command failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return err
	}
	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return err
	}
	slog.SetDefault(logger.New(cfg.Logging))
	slog.Info("configuration loaded",
		"version", version,
		"config_file", cfgPath,
		"store", cfg.Store.Backend,
		"worker", cfg.Workflow.Worker,
		"model", cfg.Workflow.Model,
		"auth", cfg.Auth.Enabled,
	)

	var metrics *pwotel.Metrics
	if cfg.Telemetry.Enabled {
		provider, err := pwotel.Setup(ctx, pwotel.Config{
			ServiceName:    cfg.Logging.Service,
			ServiceVersion: version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
			SampleRatio:    cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("telemetry setup: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(sctx); err != nil {
				slog.Warn("telemetry shutdown", "error", err)
			}
		}()
		if metrics, err = pwotel.NewMetrics(); err != nil {
			return fmt.Errorf("telemetry metrics: %w", err)
		}
	}

	// NATS is required by the natskv backend and opt-in everywhere else.
	var nconn *pwnats.Conn
	if cfg.NATS.Enabled || cfg.Store.Backend == "natskv" {
		nconn, err = pwnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer func() { _ = nconn.Drain() }()
		slog.Info("nats connected", "url", cfg.NATS.URL, "stream", cfg.NATS.Stream)
	}

	store, events, closeStore, err := openStore(ctx, cfg, nconn)
	if err != nil {
		return err
	}
	defer closeStore()

	// Read cache in front of the checkpoint store.
	if cfg.Cache.MaxSizeMB > 0 {
		c, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
		if err != nil {
			return fmt.Errorf("run cache: %w", err)
		}
		defer c.Close()
		store = cachedstore.New(store, c, cfg.Cache.TTL)
	}

	local, err := localcap.NewProvider(cfg.Workspace.Root, cfg.Workspace.MaxConcurrentExec, cfg.Workspace.ExecTimeout)
	if err != nil {
		return fmt.Errorf("workspace provider: %w", err)
	}

	// Stage events fan out to WebSocket clients always, NATS when connected.
	hub := ws.NewHub()
	var bc broadcast.Broadcaster = hub
	if nconn != nil {
		bc = broadcast.Fanout{hub, nconn}
	}

	gateway, err := service.NewGateway(store, events, bc, local)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	orch := service.NewOrchestrator(store, events, bc, gateway, &cfg.Workflow)
	orch.SetOnRunFinished(func(_ context.Context, threadID string, status workflow.Status) {
		slog.Info("run finished", "thread_id", threadID, "status", status)
	})
	if metrics != nil {
		orch.SetMetrics(metrics)
		gateway.SetMetrics(metrics)
	}

	llm := litellm.NewClient(cfg.LiteLLM.URL, cfg.LiteLLM.MasterKey, cfg.LiteLLM.Timeout)
	brk := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	llm.SetBreaker(brk)
	litellm.Register(llm, cfg.Workflow.Model)

	// Relaunch drivers for runs that were mid-stage when the last process
	// stopped.
	if n, err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("recover runs: %w", err)
	} else if n > 0 {
		slog.Info("recovered interrupted runs", "count", n)
	}

	watchdog := service.NewWatchdog(orch, store, &cfg.Workflow)
	watchdog.Start()
	defer watchdog.Stop()

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopSweep := limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopSweep()

	var idemKV jetstream.KeyValue
	if nconn != nil {
		if idemKV, err = nconn.KeyValue(ctx, idempotencyBucket, idempotencyTTL); err != nil {
			return fmt.Errorf("idempotency bucket: %w", err)
		}
	}

	authHash := ""
	if cfg.Auth.Enabled {
		authHash = cfg.Auth.APIKeyHash
	}

	handlers := &pwhttp.Handlers{Orchestrator: orch, Gateway: gateway, LiteLLM: llm}

	r := chi.NewRouter()
	r.Use(pwhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(pwhttp.SecurityHeaders)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(pwhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	if cfg.Telemetry.Enabled {
		r.Use(pwotel.HTTPMiddleware(cfg.Logging.Service))
	}
	r.Use(middleware.Auth(authHash))
	r.Use(limiter.Handler)
	if idemKV != nil {
		r.Use(middleware.Idempotency(idemKV))
	}

	r.Get("/health", healthHandler(cfg, nconn, llm, brk))
	r.Get("/ws", hub.HandleWS)
	pwhttp.MountRoutes(r, handlers)
	a2a.NewHandler(cfg.Server.BaseURL, orch).MountRoutes(r)

	if cfg.MCP.Enabled {
		mcpSrv := pwmcp.NewServer(pwmcp.ServerConfig{
			Addr:    cfg.MCP.Addr,
			Name:    "pipewright",
			Version: version,
			APIKey:  cfg.MCP.APIKey,
		}, pwmcp.ServerDeps{Runs: orch, Capabilities: gateway})
		if err := mcpSrv.Start(); err != nil {
			return fmt.Errorf("mcp server: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mcpSrv.Stop(sctx); err != nil {
				slog.Warn("mcp shutdown", "error", err)
			}
		}()
		slog.Info("mcp server listening", "addr", cfg.MCP.Addr)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// openStore builds the checkpoint and event stores for the configured
// backend. The returned func closes whatever the backend opened.
func openStore(ctx context.Context, cfg *config.Config, nconn *pwnats.Conn) (checkpoint.Store, eventlog.Store, func(), error) {
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres connect: %w", err)
		}
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("postgres migrate: %w", err)
		}
		slog.Info("postgres ready", "max_conns", cfg.Postgres.MaxConns)
		return postgres.NewStore(pool), postgres.NewEventStore(pool), pool.Close, nil

	case "natskv":
		kv, err := nconn.KeyValue(ctx, cfg.NATS.KVBucket, 0)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("nats kv bucket: %w", err)
		}
		// Event history stays process-local on this backend; postgres is
		// the backend that persists it.
		return natskv.New(kv), memstore.NewEventLog(), func() {}, nil

	default:
		return memstore.New(), memstore.NewEventLog(), func() {}, nil
	}
}

type healthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	NATS    string `json:"nats,omitempty"`
	LiteLLM string `json:"litellm"`
	Breaker string `json:"litellm_breaker"`
}

// healthHandler reports overall and per-component health. The response is
// always 200; consumers read the status field.
func healthHandler(cfg *config.Config, nconn *pwnats.Conn, llm *litellm.Client, brk *resilience.Breaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hs := healthStatus{Status: "ok", Version: version, Store: cfg.Store.Backend, LiteLLM: "ok"}

		if nconn != nil {
			hs.NATS = "connected"
			if !nconn.IsConnected() {
				hs.NATS = "disconnected"
				hs.Status = "degraded"
			}
		}

		hctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if ok, err := llm.Health(hctx); err != nil || !ok {
			hs.LiteLLM = "unreachable"
			hs.Status = "degraded"
		}
		hs.Breaker = brk.State()
		if hs.Breaker == "open" {
			hs.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(hs)
	}
}
