package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/folio/internal/api"
	"github.com/kalambet/folio/internal/budget"
	"github.com/kalambet/folio/internal/composer"
	"github.com/kalambet/folio/internal/config"
	"github.com/kalambet/folio/internal/history"
	"github.com/kalambet/folio/internal/knowledge"
	"github.com/kalambet/folio/internal/llm"
	"github.com/kalambet/folio/internal/persist"
	"github.com/kalambet/folio/internal/pipeline"
	"github.com/kalambet/folio/internal/proxy"
	"github.com/kalambet/folio/internal/storage"
)

const (
	shutdownTimeout = 10 * time.Second
	probeInterval   = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the chat pipeline as MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, history backend and budget status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}
		return showStatus(cmd.Context(), client, os.Stdout)
	},
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// app is the assembled pipeline plus everything that needs closing.
type app struct {
	orch     *pipeline.Orchestrator
	worker   *persist.Worker
	recorder storage.Recorder
	closers  []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			slog.Warn("closing resource", "error", err)
		}
	}
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{}
	logger := slog.Default()

	var ledger budget.Ledger = budget.NewMemoryLedger(nil)
	histOpts := []history.Option{
		history.WithLimit(cfg.History.Length),
		history.WithTTL(cfg.SessionTTL()),
		history.WithProbeInterval(probeInterval),
	}
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		a.closers = append(a.closers, rdb)

		backend := history.NewRedisBackend(rdb)
		histOpts = append(histOpts, history.WithPrimary(backend, backend))
		ledger = budget.NewFailoverLedger(budget.NewRedisLedger(rdb), nil, probeInterval)
		logger.Info("redis configured", "addr", opts.Addr, "db", opts.DB)
	} else {
		logger.Warn("no redis url configured, history and budget are process-local")
	}

	hist := history.NewStore(histOpts...)
	hist.Start(ctx)

	docs := knowledge.NewStore(knowledge.DirSource{Dir: cfg.Context.Dir},
		knowledge.WithTTL(cfg.ContextCacheTTL()))

	client := proxy.NewClientWithBaseURL(cfg.Provider.AnthropicAPIKey, cfg.Provider.BaseURL, cfg.ProviderTimeout())
	svc, err := llm.NewService(client, composer.New(cfg.Persona.Name, 0), llm.Settings{
		Model:       cfg.Provider.Model,
		MaxTokens:   cfg.Provider.MaxTokens,
		Temperature: cfg.Provider.Temperature,
		Persona:     cfg.Persona.Name,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("configuring model: %w", err)
	}

	gov := budget.NewGovernor(ledger, budget.Limits{
		DailyCostUSD:    cfg.Limits.DailyCostUSD,
		DailyRequests:   cfg.Limits.DailyRequests,
		PerMinute:       cfg.Limits.PerMinute,
		PerHour:         cfg.Limits.PerHour,
		SessionRequests: cfg.Limits.SessionRequests,
		SessionWindow:   time.Hour,
		Cooldown:        cfg.DisableCooldown(),
		AlertThreshold:  cfg.Limits.AlertThreshold,
	})

	rec, err := openRecorder(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.recorder = rec
	a.closers = append(a.closers, rec)
	a.worker = persist.NewWorker(rec, 0)

	a.orch = pipeline.New(pipeline.Deps{
		Knowledge: docs,
		History:   hist,
		Governor:  gov,
		LLM:       svc,
		Sink:      a.worker,
	})
	return a, nil
}

func openRecorder(cfg config.Config) (storage.Recorder, error) {
	switch cfg.Storage.Driver {
	case "supabase":
		s, err := storage.OpenSupabase(cfg.Storage.SupabaseURL, cfg.Storage.SupabaseKey)
		if err != nil {
			return nil, fmt.Errorf("opening supabase: %w", err)
		}
		return s, nil
	default:
		s, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		return s, nil
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "folio version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	proxies, err := api.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("server.trusted_proxies: %w", err)
	}
	handler := api.NewHandler(api.Deps{
		Chat:           a.orch,
		Store:          a.recorder,
		AdminToken:     cfg.Auth.AdminToken,
		AllowedOrigins: api.ParseOrigins(cfg.Server.AllowedOrigins),
		TrustedProxies: proxies,
	})
	if cfg.Auth.AdminToken == "" {
		slog.Info("no admin token configured, analytics endpoint disabled")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	// The worker outlives the listener so batches from requests finishing
	// during shutdown are still written.
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.worker.Run(workerCtx)
		return nil
	})
	g.Go(func() error {
		slog.Info("folio listening", "addr", ln.Addr().String(), "max_conns", cfg.Server.MaxConns)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		defer stopWorker()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	delivered, dropped := a.worker.Stats()
	slog.Info("persistence worker stopped", "delivered", delivered, "dropped", dropped)
	return err
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{Chat: a.orch, Version: version})
	stdioSrv := server.NewStdioServer(mcpSrv)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("MCP server started (stdio transport)")
		defer stop()
		if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

type healthResponse struct {
	Status   string `json:"status"`
	History  string `json:"history"`
	Degraded bool   `json:"degraded"`
}

func showStatus(ctx context.Context, client *apiClient, w io.Writer) error {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus(w, "Server", "stopped")
		return nil
	}
	var health healthResponse
	if err := decodeJSON(resp, &health); err != nil {
		printStatus(w, "Server", "error (%v)", err)
		return nil
	}
	printStatus(w, "Server", "running at %s", client.baseURL)
	if health.Degraded {
		printStatus(w, "History", "%s (degraded)", health.History)
	} else {
		printStatus(w, "History", "%s", health.History)
	}

	resp, err = client.get(ctx, "/api/budget/status")
	if err != nil {
		return err
	}
	var st budget.Status
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}
	printBudget(w, st)
	return nil
}

func printBudget(w io.Writer, st budget.Status) {
	printStatus(w, "Date", "%s", st.Date)
	printStatus(w, "Spend", "$%.4f of $%.2f (%.1f%%)", st.TodayCostUSD, st.Limits.DailyCostUSD, st.CostUtilizationPercent)
	printStatus(w, "Requests", "%d of %d", st.TodayRequests, st.Limits.DailyRequests)
	printStatus(w, "Cache", "%d read / %d written tokens", st.CacheReads, st.CacheWrites)
	switch {
	case st.Disabled:
		printStatus(w, "Chat", "%s", colorize(colorRed, "disabled (budget reached)"))
	case st.BudgetExceeded:
		printStatus(w, "Chat", "%s", colorize(colorYellow, "over budget"))
	default:
		printStatus(w, "Chat", "%s", colorize(colorGreen, "enabled"))
	}
}
