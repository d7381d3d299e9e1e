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
	"strings"
	"syscall"
	"time"

	"gorm.io/gorm"

	"satgate/config"
	"satgate/core/adapter"
	"satgate/core/auth"
	"satgate/core/ledger"
	"satgate/core/pipeline"
	"satgate/core/policy"
	"satgate/core/pricing"
	"satgate/core/registry"
	"satgate/gateway/httpapi"
	"satgate/observability/logging"
	"satgate/settle/checkout"
	"satgate/settle/lightning"
	"satgate/storage"
)

const configPathEnv = "SATGATE_CONFIG"

func main() {
	configFile := flag.String("config", "./satgate.yaml", "Path to the configuration file")
	flag.Parse()

	path := *configFile
	if env := strings.TrimSpace(os.Getenv(configPathEnv)); env != "" {
		path = env
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("satgated", cfg.Environment, cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}

	sourceRegistry := pricing.NewSourceRegistry()
	sources := make([]pricing.Source, 0, len(cfg.Oracle.Sources))
	for _, src := range cfg.Oracle.Sources {
		source, err := sourceRegistry.Build(src.Name, src.Type, src.Endpoint)
		if err != nil {
			logger.Error("build rate source", "source", src.Name, "error", err)
			os.Exit(1)
		}
		sources = append(sources, source)
	}
	oracle, err := pricing.NewOracle(db, sources, cfg.Oracle.Interval.Duration, logger)
	if err != nil {
		logger.Error("build oracle", "error", err)
		os.Exit(1)
	}
	oracle.WithGuard(pricing.RateGuard{
		MaxAge:          cfg.Oracle.MaxRateAge.Duration,
		MaxDeviationBps: cfg.Oracle.MaxDeviationBps,
		AverageWindow:   cfg.Oracle.DeviationWindow.Duration,
	})
	if err := oracle.Bootstrap(ctx); err != nil {
		logger.Error("bootstrap oracle", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := oracle.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("oracle stopped", "error", err)
		}
	}()

	led := ledger.New(db)
	engine := policy.NewEngine(led.SpentToday, cfg.Policy.SpendCacheTTL.Duration)
	reg := registry.New()
	adapters := adapter.NewSet()
	if err := seedAdapters(cfg, oracle, reg, adapters); err != nil {
		logger.Error("seed adapters", "error", err)
		os.Exit(1)
	}
	if err := rehydrateApproved(db, oracle, reg, adapters, logger); err != nil {
		logger.Error("rehydrate approved services", "error", err)
		os.Exit(1)
	}

	pipe := pipeline.New(db, reg, adapters, engine, led, logger, pipeline.Options{
		ExecuteTimeout: cfg.Pipeline.ExecuteTimeout.Duration,
		CallTimeout:    cfg.Pipeline.CallTimeout.Duration,
	})

	var issuer lightning.Issuer
	if cfg.Lightning.RestURL != "" {
		issuer = lightning.NewRESTIssuer(cfg.Lightning.RestURL, cfg.Lightning.MacaroonEnv, nil)
	}
	if cfg.Lightning.StreamURL != "" {
		settler := lightning.New(db, led,
			lightning.WebsocketDialer(cfg.Lightning.StreamURL, cfg.Lightning.MacaroonEnv),
			cfg.Lightning.ReconnectBase.Duration, cfg.Lightning.ExpirySweep.Duration, logger)
		go func() {
			if err := settler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("lightning settler stopped", "error", err)
			}
		}()
		go func() {
			if err := settler.RunExpiry(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("invoice expiry sweeper stopped", "error", err)
			}
		}()
	}

	server := httpapi.New(httpapi.Config{
		DB:              db,
		Logger:          logger,
		Authenticator:   auth.New(db),
		Pipeline:        pipe,
		Oracle:          oracle,
		Registry:        reg,
		Adapters:        adapters,
		Ledger:          led,
		InvoiceIssuer:   issuer,
		InvoiceTTL:      cfg.Lightning.InvoiceTTL.Duration,
		CheckoutWebhook: checkout.NewSettler(db, led, cfg.Checkout.WebhookSecretEnv, logger),
		Sessions:        checkout.NewStripeCreator(cfg.Checkout.APIKeyEnv),
		SuccessURL:      cfg.Checkout.SuccessURL,
		CancelURL:       cfg.Checkout.CancelURL,
		AdminSecretEnv:  cfg.Admin.JWTSecretEnv,
		RatePerSecond:   cfg.RateLimit.RequestsPerSecond,
		RateBurst:       cfg.RateLimit.Burst,
	})
	defer server.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddress, "env", cfg.Environment)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

// seedAdapters builds the statically configured upstream adapters and makes
// them resolvable through the capability registry.
func seedAdapters(cfg config.Config, oracle *pricing.Oracle, reg *registry.Registry, adapters *adapter.Set) error {
	for _, svc := range cfg.Services {
		var (
			built      adapter.Adapter
			capability string
			err        error
		)
		switch svc.Kind {
		case "llm":
			capability = svc.Capability
			if capability == "" {
				capability = registry.CapReason
			}
			built, err = adapter.NewLLM(svc.Slug, capability, svc.BaseURL, svc.CredentialEnv, oracle, nil)
		case "search":
			capability = registry.CapSearch
			built, err = adapter.NewSearch(svc.Slug, svc.BaseURL, svc.CredentialEnv, oracle, nil)
		case "image":
			capability = registry.CapImagine
			built, err = adapter.NewImageGen(svc.Slug, svc.BaseURL, svc.CredentialEnv, oracle, nil)
		case "speech":
			capability = registry.CapTranscribe
			built, err = adapter.NewSpeech(svc.Slug, svc.BaseURL, svc.CredentialEnv, oracle, nil)
		case "generic":
			capability = svc.Capability
			built, err = adapter.NewGeneric(adapter.Descriptor{
				Slug:              svc.Slug,
				BaseURL:           svc.BaseURL,
				AuthType:          svc.AuthType,
				AuthCredentialEnv: svc.CredentialEnv,
				Capability:        capability,
				DefaultOperation:  svc.DefaultOperation,
			}, oracle, nil)
		default:
			err = fmt.Errorf("unsupported adapter kind %q", svc.Kind)
		}
		if err != nil {
			return fmt.Errorf("service %s: %w", svc.Slug, err)
		}
		if err := reg.Register(capability, svc.Slug, svc.Priority, true); err != nil {
			return fmt.Errorf("service %s: %w", svc.Slug, err)
		}
		if err := adapters.Register(built); err != nil {
			return fmt.Errorf("service %s: %w", svc.Slug, err)
		}
	}
	return nil
}

// rehydrateApproved rebuilds generic adapters for services approved through
// the runtime registry in a previous run.
func rehydrateApproved(db *gorm.DB, oracle *pricing.Oracle, reg *registry.Registry, adapters *adapter.Set, logger *slog.Logger) error {
	var rows []storage.Service
	if err := db.Where("status = ? AND capability <> ''", "active").Find(&rows).Error; err != nil {
		return err
	}
	for i := range rows {
		svc := &rows[i]
		if _, taken := adapters.Lookup(svc.Slug); taken {
			continue
		}
		built, err := adapter.NewGeneric(adapter.Descriptor{
			Slug:              svc.Slug,
			BaseURL:           svc.BaseURL,
			AuthType:          svc.AuthType,
			AuthCredentialEnv: svc.AuthCredentialEnv,
			Capability:        svc.Capability,
			DefaultOperation:  svc.DefaultOperation,
		}, oracle, nil)
		if err != nil {
			logger.Warn("skip stored service", "slug", svc.Slug, "error", err)
			continue
		}
		if err := reg.Register(svc.Capability, svc.Slug, 0, true); err != nil {
			logger.Warn("skip stored service", "slug", svc.Slug, "error", err)
			continue
		}
		if err := adapters.Register(built); err != nil {
			return err
		}
	}
	return nil
}
