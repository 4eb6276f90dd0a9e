// Command proctord runs the tamper-evident proctoring audit daemon.
//
// It serves the exam portal's audit API: a hash-chained ledger of portal
// events, the proctoring event pipeline with per-attempt policy enforcement,
// and the chain verification endpoint.
//
// Usage:
//
//	proctord [flags]
//
// Examples:
//
//	# Run with the default config (~/.proctord/config.toml)
//	proctord
//
//	# Run with an explicit config file and signing key
//	proctord -config /etc/proctord/config.toml -signing-key /etc/proctord/signing_key
package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goelprasang2004/smart-proctoring-system/internal/config"
	"github.com/goelprasang2004/smart-proctoring-system/internal/health"
	"github.com/goelprasang2004/smart-proctoring-system/internal/ledger"
	"github.com/goelprasang2004/smart-proctoring-system/internal/logging"
	"github.com/goelprasang2004/smart-proctoring-system/internal/metrics"
	"github.com/goelprasang2004/smart-proctoring-system/internal/proctoring"
	"github.com/goelprasang2004/smart-proctoring-system/internal/server"
)

var (
	// Version information (set at build time)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.proctord/config.toml)")
	addr := flag.String("addr", "", "listen address override")
	signingKey := flag.String("signing-key", "", "path to ed25519 signing key (enables block signing)")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("proctord %s (commit: %s, built: %s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	if err := run(*configPath, *addr, *signingKey); err != nil {
		fmt.Fprintf(os.Stderr, "proctord: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addrOverride, signingKeyOverride string) error {
	if configPath == "" {
		configPath = config.ConfigPath()
	}
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addrOverride != "" {
		cfg.Server.Addr = addrOverride
	}
	if signingKeyOverride != "" {
		cfg.Signing.Enabled = true
		cfg.Signing.KeyPath = signingKeyOverride
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger, err := logging.New(&logging.Config{
		Level:     level,
		Format:    logging.ParseFormat(cfg.Logging.Format),
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		Component: "proctord",
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ledger store, optionally signing.
	var opts []ledger.Option
	var pubKey ed25519.PublicKey
	if cfg.Signing.Enabled {
		key, err := ledger.LoadSigningKey(cfg.Signing.KeyPath)
		if err != nil {
			return fmt.Errorf("load signing key: %w", err)
		}
		opts = append(opts, ledger.WithSigner(key))
		pubKey = key.Public().(ed25519.PublicKey)
		logger.Info("block signing enabled", "path", cfg.Signing.KeyPath)
	}
	chain, err := ledger.Open(cfg.Storage.LedgerPath, opts...)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer chain.Close()

	if err := chain.Bootstrap(ctx); err != nil {
		return err
	}
	logger.Info("ledger ready", "path", cfg.Storage.LedgerPath, "genesis", ledger.GenesisHash())

	store, err := proctoring.OpenStore(cfg.Storage.ProctoringPath)
	if err != nil {
		return fmt.Errorf("open proctoring store: %w", err)
	}
	defer store.Close()

	monitor := proctoring.NewMonitor(store, chain, monitorConfig(cfg), logger.Logger)
	loader.OnChange(func(newCfg *config.Config) {
		monitor.SetPolicy(policyFromConfig(newCfg))
		logger.Info("policy reloaded")
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	}
	defer loader.Close()
	go func() {
		for err := range loader.Errors() {
			logger.Error("config reload failed", "error", err)
		}
	}()

	registry := metrics.Default()
	proctordMetrics := metrics.InitMetrics(registry)

	checker := health.NewChecker()
	checker.RegisterFunc("ledger", true, health.LedgerCheck(func(ctx context.Context) (int64, error) {
		head, err := chain.LatestBlock(ctx)
		if err != nil {
			return 0, err
		}
		return head.SequenceNumber, nil
	}))
	checker.RegisterFunc("proctoring_db", true, health.DatabaseCheck(store.Ping))

	verifier := ledger.NewVerifier(chain, pubKey)
	handler, err := server.NewHandler(monitor, chain, verifier, proctordMetrics, logger)
	if err != nil {
		return err
	}
	handler.SuspicionThreshold = cfg.Proctoring.SuspicionThreshold
	handler.SuspicionMinEvents = cfg.Proctoring.SuspicionMinEvents

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.New(handler, checker, registry),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		checker.SetReady(true)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func monitorConfig(cfg *config.Config) proctoring.MonitorConfig {
	return proctoring.MonitorConfig{
		Policy:         policyFromConfig(cfg),
		ThrottleWindow: time.Duration(cfg.Proctoring.ThrottleWindowMs) * time.Millisecond,
	}
}

func policyFromConfig(cfg *config.Config) proctoring.Policy {
	policy := proctoring.DefaultPolicy()
	if cfg.Proctoring.WarnAfter >= 0 {
		policy.WarnAfter = cfg.Proctoring.WarnAfter
	}
	if len(cfg.Proctoring.AutoTerminate) > 0 {
		policy.AutoTerminate = cfg.Proctoring.AutoTerminate
	}
	return policy
}
