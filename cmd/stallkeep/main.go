// Entry point for the stallkeep service: HTTP API by default, MCP over
// stdio with -mcp.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/kervalen/stallkeep/api"
	"github.com/kervalen/stallkeep/browser"
	"github.com/kervalen/stallkeep/config"
	"github.com/kervalen/stallkeep/connect"
	"github.com/kervalen/stallkeep/dbopen"
	"github.com/kervalen/stallkeep/platform"
	"github.com/kervalen/stallkeep/scoring"
	"github.com/kervalen/stallkeep/scrape"
	"github.com/kervalen/stallkeep/session"
	"github.com/kervalen/stallkeep/vault"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", env("STALLKEEP_CONFIG", ""), "path to YAML config (empty = defaults)")
	logLevel := flag.String("log-level", env("LOG_LEVEL", "info"), "debug|info|warn|error")
	mcpMode := flag.Bool("mcp", false, "serve MCP over stdio instead of HTTP")
	flag.Parse()

	logger := newLogger(*logLevel, *mcpMode)
	slog.SetDefault(logger)

	if err := run(*configPath, *mcpMode, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, mcpMode bool, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}

	secret, err := config.VaultSecret()
	if err != nil {
		return err
	}
	v, err := vault.New(secret)
	if err != nil {
		return err
	}

	db, err := dbopen.Open(cfg.DB.Path, dbopen.WithMkdirAll())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := session.ApplySchema(db); err != nil {
		return err
	}
	if err := scrape.ApplyProductsSchema(db); err != nil {
		return err
	}

	platforms := platform.NewRegistry()
	if cfg.Platform.ProfilesPath != "" {
		if err := platforms.LoadFile(cfg.Platform.ProfilesPath); err != nil {
			return err
		}
		logger.Info("platform profiles loaded",
			"path", cfg.Platform.ProfilesPath, "platforms", platforms.Names())
	} else {
		logger.Warn("no platform profiles configured, nothing to connect to")
	}

	mgr := browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		NavTimeout:       cfg.Browser.NavTimeout,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		XvfbDisplay:      cfg.Browser.XvfbDisplay,
		Logger:           logger,
	})
	defer mgr.Close()

	sessions := session.NewStore(db, v, logger)

	attempts := connect.NewRegistry(cfg.Connect.AttemptTTL, logger)
	go attempts.Run(ctx)

	connectSvc := connect.NewService(sessions, platforms, mgr, attempts, v, connect.Config{
		TokenTTL: cfg.Connect.TokenTTL,
		Logger:   logger,
	})

	provider := scoring.NewProvider(scoring.ProviderConfig{
		Endpoint: cfg.Scoring.Endpoint,
		APIKey:   config.AIKey(),
		Model:    cfg.Scoring.Model,
		Timeout:  cfg.Scoring.Timeout,
	})
	if provider == nil {
		logger.Info("AI scoring disabled, deterministic formula only")
	}
	engine := scoring.NewEngine(provider, scoring.Config{
		BatchSize:  cfg.Scoring.BatchSize,
		Workers:    cfg.Scoring.Workers,
		BatchDelay: cfg.Scoring.BatchDelay,
		Logger:     logger,
	})

	scrapeSvc := scrape.NewService(sessions, platforms, mgr,
		scrape.NewProductStore(db), engine,
		scrape.NewCollector(cfg.Scrape.EvidenceDir, logger), scrape.Config{
			MaxPagesCeiling: cfg.Scrape.MaxPagesCeiling,
			DefaultMaxPages: cfg.Scrape.DefaultMaxPages,
			DelayMin:        cfg.Scrape.DelayMin,
			DelayMax:        cfg.Scrape.DelayMax,
			Logger:          logger,
		})

	if mcpMode {
		return runMCP(ctx, logger, connectSvc, scrapeSvc, sessions, engine)
	}
	return runHTTP(ctx, logger, cfg.Server.Addr, api.NewServer(connectSvc, scrapeSvc, sessions, logger))
}

func runHTTP(ctx context.Context, logger *slog.Logger, addr string, apiSrv *api.Server) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           apiSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Scrape runs hold the request open while pages load; give them room.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func runMCP(ctx context.Context, logger *slog.Logger,
	connectSvc *connect.Service, scrapeSvc *scrape.Service,
	sessions *session.Store, engine *scoring.Engine) error {

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "stallkeep",
		Version: version,
	}, nil)
	connect.RegisterMCP(srv, connectSvc)
	scrape.RegisterMCP(srv, scrapeSvc)
	session.RegisterMCP(srv, sessions)
	scoring.RegisterMCP(srv, engine)

	logger.Info("MCP serving on stdio", "version", version)
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}

// newLogger builds the process logger. In MCP mode stdout carries the
// protocol, so logs must go to stderr.
func newLogger(level string, mcpMode bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	out := os.Stdout
	if mcpMode {
		out = os.Stderr
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl}))
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
