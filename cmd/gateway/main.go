// Command gateway runs the ODIN gateway server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/odin-protocol/gateway/pkg/config"
	"github.com/odin-protocol/gateway/pkg/gateway"
	"github.com/odin-protocol/gateway/pkg/hel"
	"github.com/odin-protocol/gateway/pkg/keys"
	"github.com/odin-protocol/gateway/pkg/ledger"
	"github.com/odin-protocol/gateway/pkg/observability"
	"github.com/odin-protocol/gateway/pkg/reloader"
	"github.com/odin-protocol/gateway/pkg/sft"
	"github.com/odin-protocol/gateway/pkg/storage"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return serve(stderr)
	}
	switch args[1] {
	case "serve", "server":
		return serve(stderr)
	case "jwks":
		return printJWKS(stdout, stderr)
	case "health":
		return checkHealth(stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "odin-gateway %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return serve(stderr)
		}
		_, _ = fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: gateway <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  serve     Run the gateway server (default)")
	_, _ = fmt.Fprintln(w, "  jwks      Print the gateway's public JWKS")
	_, _ = fmt.Fprintln(w, "  health    Probe a running gateway over HTTP")
	_, _ = fmt.Fprintln(w, "  version   Show version information")
}

func serve(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "odin-gateway",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	})
	if err != nil {
		logger.Error("observability init failed", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	ks, err := keys.Load(keys.Options{KeystorePath: cfg.KeystorePath})
	if err != nil {
		logger.Error("keystore load failed", "err", err)
		return 1
	}
	if ks.Ephemeral() {
		logger.Warn("signing with an ephemeral key, proofs will not survive a restart")
	}

	store, err := storage.New(ctx, storage.Config{
		Backend:    cfg.StorageBackend,
		DataDir:    cfg.DataDir,
		S3Bucket:   cfg.S3Bucket,
		S3Region:   cfg.S3Region,
		S3Endpoint: cfg.S3Endpoint,
		S3Prefix:   cfg.S3Prefix,
		GCSBucket:  cfg.GCSBucket,
		GCSPrefix:  cfg.GCSPrefix,
	})
	if err != nil {
		logger.Error("storage init failed", "backend", cfg.StorageBackend, "err", err)
		return 1
	}

	led, err := openLedger(ctx, cfg)
	if err != nil {
		logger.Error("ledger init failed", "backend", cfg.LedgerBackend, "err", err)
		return 1
	}

	policy, err := loadPolicy(ctx, cfg, logger)
	if err != nil {
		logger.Error("policy load failed", "source", cfg.PolicySource, "err", err)
		return 1
	}

	gw, err := gateway.New(gateway.Options{
		Config:   cfg,
		Logger:   logger,
		Keys:     ks,
		Store:    store,
		Ledger:   led,
		Policy:   policy,
		Registry: sft.NewRegistry(),
		Obs:      obs,
	})
	if err != nil {
		logger.Error("gateway init failed", "err", err)
		return 1
	}

	srv := gw.Server()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway listening",
		"port", cfg.Port,
		"storage", cfg.StorageBackend,
		"ledger", cfg.LedgerBackend,
		"enforce_routes", cfg.EnforceRoutes,
		"sign_routes", cfg.SignRoutes,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "err", err)
		return 1
	}
	logger.Info("gateway stopped")
	return 0
}

// openLedger selects the ledger backend: JSONL file, in-memory ring,
// SQLite, Postgres or Redis.
func openLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, error) {
	switch cfg.LedgerBackend {
	case "file", "":
		return ledger.NewFileLedger(filepath.Join(cfg.DataDir, "ledger.jsonl"))
	case "memory":
		return ledger.NewMemoryLedger(4096), nil
	case "sqlite":
		dsn := cfg.LedgerDSN
		if dsn == "" {
			dsn = filepath.Join(cfg.DataDir, "ledger.db")
		}
		return ledger.NewSQLiteLedger(ctx, dsn)
	case "postgres":
		return ledger.NewPostgresLedger(ctx, cfg.LedgerDSN)
	case "redis":
		return ledger.NewRedisLedger(cfg.LedgerDSN, "odin:ledger"), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

// loadPolicy builds the policy asset: a file or HTTP source when dynamic
// reload is on, a one-shot load otherwise, and a permissive default when
// no source is configured.
func loadPolicy(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*reloader.Asset[*hel.Engine], error) {
	if cfg.PolicySource == "" {
		eng, err := hel.NewEngine(nil)
		if err != nil {
			return nil, err
		}
		logger.Warn("no policy source configured, running permissive")
		return reloader.Static("policy", eng), nil
	}

	var source reloader.Source
	if strings.HasPrefix(cfg.PolicySource, "http://") || strings.HasPrefix(cfg.PolicySource, "https://") {
		source = &reloader.HTTPSource{URL: cfg.PolicySource}
	} else {
		source = &reloader.FileSource{Path: cfg.PolicySource}
	}

	asset := reloader.NewAsset("policy", source, cfg.DynamicTTL, hel.ParsePolicy, logger)
	// Fail startup on an unloadable policy instead of running permissive.
	if _, err := asset.Get(ctx); err != nil {
		return nil, err
	}
	if !cfg.DynamicEnable {
		eng, err := asset.Get(ctx)
		if err != nil {
			return nil, err
		}
		return reloader.Static("policy", eng), nil
	}
	return asset, nil
}

func printJWKS(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	ks, err := keys.Load(keys.Options{KeystorePath: cfg.KeystorePath})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "keystore: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ks.ToJWKS()); err != nil {
		_, _ = fmt.Fprintf(stderr, "encode: %v\n", err)
		return 1
	}
	return 0
}

func checkHealth(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:" + cfg.Port + "/readyz")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "gateway unreachable: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "gateway not ready: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "ok")
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
