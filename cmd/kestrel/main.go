// Command kestrel serves an LLM agent over HTTP.
//
// Configuration comes from kestrel.toml plus environment overrides
// (LLM_MODEL, LLM_API_KEY, ENABLE_MCP, ENABLE_SANDBOX, ...). The agent is
// assembled from the configured session store, skill catalog, MCP servers,
// and sandbox runner, then exposed at POST /run and POST /run/stream.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	kestrel "github.com/kestrelai/kestrel"
	"github.com/kestrelai/kestrel/internal/config"
	"github.com/kestrelai/kestrel/mcp"
	"github.com/kestrelai/kestrel/observer"
	"github.com/kestrelai/kestrel/provider/resolve"
	"github.com/kestrelai/kestrel/sandbox"
	"github.com/kestrelai/kestrel/server"
	"github.com/kestrelai/kestrel/skills"
	storefile "github.com/kestrelai/kestrel/store/file"
	storemem "github.com/kestrelai/kestrel/store/memory"
	storepg "github.com/kestrelai/kestrel/store/postgres"
	storesqlite "github.com/kestrelai/kestrel/store/sqlite"
	"github.com/kestrelai/kestrel/tools/file"
	"github.com/kestrelai/kestrel/tools/search"
	"github.com/kestrelai/kestrel/tools/shell"
	"github.com/kestrelai/kestrel/tools/web"
)

func main() {
	configPath := flag.String("config", "kestrel.toml", "path to TOML config")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.Load(*configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	canonical := resolve.Canonicalize(cfg.LLM.Model)
	provider, err := resolve.Provider(resolve.Config{
		Model:   canonical,
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.APIBase,
	})
	if err != nil {
		return err
	}
	provider = kestrel.WithRetry(provider)

	var tracer kestrel.Tracer
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		inst, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			return err
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = shutdown(shutCtx)
		}()
		_, model := resolve.Split(canonical)
		provider = observer.WrapProvider(provider, model, inst)
		tracer = observer.NewTracer()
		logger.Info("observer enabled")
	}

	sessions, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var skillIndex kestrel.SkillIndex
	if cfg.Skills.Dir != "" {
		idx, err := skills.Load(cfg.Skills.Dir, skills.WithLogger(logger))
		if err != nil {
			logger.Warn("skill catalog unavailable", "dir", cfg.Skills.Dir, "error", err)
		} else {
			skillIndex = idx
			logger.Info("skills loaded", "count", len(idx.List()))
		}
	}

	registry := kestrel.NewRegistry(kestrel.RegistryLogger(logger))
	registry.Register(shell.New(cfg.Agent.WorkspacePath, 30))
	registry.Register(file.New(cfg.Agent.WorkspacePath))
	registry.Register(web.New())
	if cfg.Search.BraveAPIKey != "" {
		registry.Register(search.New(cfg.Search.BraveAPIKey))
	}

	if cfg.MCP.Enabled {
		mcpCfg, err := mcp.LoadConfig(cfg.MCP.ConfigPath)
		if err != nil {
			logger.Warn("mcp config unavailable", "path", cfg.MCP.ConfigPath, "error", err)
		} else {
			servers := mcp.LoadAll(ctx, mcpCfg, registry, logger)
			defer func() {
				for _, srv := range servers {
					srv.Close()
				}
			}()
		}
	}

	var sandboxMgr *sandbox.Manager
	if cfg.Sandbox.Enabled {
		var runner sandbox.Runner
		if cfg.Sandbox.URL != "" {
			runner = sandbox.NewHTTPRunner(cfg.Sandbox.URL)
		} else {
			runner = sandbox.NewSubprocessRunner(cfg.Sandbox.PythonBin, cfg.Sandbox.Workspace)
		}
		sandboxMgr = sandbox.NewManager(runner,
			time.Duration(cfg.Sandbox.TTLSeconds)*time.Second,
			sandbox.ManagerLogger(logger))
		defer sandboxMgr.Close()
		logger.Info("sandbox enabled", "remote", cfg.Sandbox.URL != "")
	}

	factory := &agentFactory{
		cfg:       cfg,
		canonical: canonical,
		provider:  provider,
		registry:  registry,
		sessions:  sessions,
		skills:    skillIndex,
		sandbox:   sandboxMgr,
		tracer:    tracer,
		logger:    logger,
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.New(factory, server.WithLogger(logger)).Handler(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "model", canonical)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// openStore builds the configured session store backend. The returned
// closer is a no-op for backends without resources to release.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (kestrel.SessionStore, func(), error) {
	switch cfg.Backend {
	case "", "file":
		st, err := storefile.New(cfg.Dir, storefile.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil
	case "memory":
		return storemem.New(), func() {}, nil
	case "sqlite":
		st, err := storesqlite.New(cfg.SQLitePath, storesqlite.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if err := st.Init(ctx); err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		st := storepg.New(pool, storepg.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, func() { pool.Close() }, nil
	default:
		return nil, nil, errUnknownBackend(cfg.Backend)
	}
}

type errUnknownBackend string

func (e errUnknownBackend) Error() string { return "unknown store backend: " + string(e) }
