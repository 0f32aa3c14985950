package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"levman/config"
	"levman/leverage"
	"levman/observability"
	"levman/observability/logging"
	"levman/observability/metrics"
	telemetry "levman/observability/otel"
	"levman/permit"
	"levman/pool/rpcclient"
	"levman/service"
	"levman/state"
	"levman/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to levmand config")
	flag.Parse()
	if cfgPath == "" {
		cfgPath = strings.TrimSpace(os.Getenv("LEVMAN_CONFIG"))
	}
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := logging.Setup("levmand", cfg.Environment, logging.Options{
		Level:      parseLevel(cfg.Log.Level),
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := initTelemetry(ctx, cfg)
	if err != nil {
		logger.Error("init telemetry", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := openDatabase(cfg, logger)
	if err != nil {
		logger.Error("open database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()
	ledger := state.NewLedger(db)

	client, err := rpcclient.NewClient(rpcclient.Config{
		BaseURL:            cfg.Pool.Endpoint,
		BearerToken:        cfg.Pool.BearerToken,
		SharedSecretHeader: cfg.Pool.SharedSecretHeader,
		SharedSecretValue:  cfg.Pool.SharedSecretValue,
		TLSClientCAFile:    cfg.Pool.TLSClientCAFile,
		AllowInsecure:      cfg.Pool.AllowInsecure,
		Timeout:            cfg.Pool.Timeout,
	})
	if err != nil {
		logger.Error("configure pool client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	facade := rpcclient.NewFacade(client)

	orchestrator, err := cfg.OrchestratorAddress()
	if err != nil {
		logger.Error("parse orchestrator address", slog.String("error", err.Error()))
		os.Exit(1)
	}
	admin, err := cfg.AdminAddress()
	if err != nil {
		logger.Error("parse admin address", slog.String("error", err.Error()))
		os.Exit(1)
	}

	engine := leverage.NewEngine(orchestrator, admin)
	engine.SetLedger(ledger)
	engine.SetPool(facade)
	engine.SetTokenMover(facade)
	engine.SetPermitAdapter(permit.NewAdapter(facade, ledger))
	engine.SetEmitter(observability.NewEventRecorder(logger))
	engine.SetReferralCode(cfg.Accounts.ReferralCode)

	if count, err := engine.ActiveSupplyCount(); err == nil {
		metrics.Leverage().SetActiveSupplies(count)
	}

	server, err := service.NewServer(service.Config{
		Engine:            engine,
		Logger:            logger,
		Auth:              service.AuthConfig{APITokens: cfg.Auth.APITokens, JWTSecret: cfg.Auth.JWTSecret},
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	})
	if err != nil {
		logger.Error("configure server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("levmand listening",
		slog.String("listen", cfg.ListenAddress),
		slog.String("pool", cfg.Pool.Endpoint),
		slog.Bool("tls", cfg.TLS.Enabled()),
	)
	certPath, keyPath := "", ""
	if cfg.TLS.Enabled() {
		certPath, keyPath = cfg.TLS.CertPath, cfg.TLS.KeyPath
	}
	if err := server.Serve(ctx, cfg.ListenAddress, certPath, keyPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("serve", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("levmand stopped")
}

func openDatabase(cfg config.Config, logger *slog.Logger) (storage.Database, error) {
	if cfg.DataDir == "" {
		logger.Warn("no data_dir configured, using in-memory ledger")
		return storage.NewMemDB(), nil
	}
	return storage.NewLevelDB(cfg.DataDir)
}

func initTelemetry(ctx context.Context, cfg config.Config) (func(context.Context) error, error) {
	if !cfg.Telemetry.Metrics && !cfg.Telemetry.Traces {
		return nil, nil
	}
	endpoint := cfg.Telemetry.Endpoint
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	insecure := cfg.Telemetry.Insecure
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	return telemetry.Init(ctx, telemetry.Config{
		ServiceName: "levmand",
		Environment: cfg.Environment,
		Endpoint:    endpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
}

func parseLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
