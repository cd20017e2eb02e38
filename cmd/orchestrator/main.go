// Command orchestrator runs the payment orchestration engine: HTTP
// surface, escrow auto-release job, subscription billing, and
// crash-recovery reconciliation.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/velopay/orchestrator/internal/compliance"
	"github.com/velopay/orchestrator/internal/config"
	"github.com/velopay/orchestrator/internal/escrow"
	"github.com/velopay/orchestrator/internal/fees"
	"github.com/velopay/orchestrator/internal/gateway"
	"github.com/velopay/orchestrator/internal/lifecycle"
	"github.com/velopay/orchestrator/internal/notify"
	"github.com/velopay/orchestrator/internal/rates"
	"github.com/velopay/orchestrator/internal/registry"
	"github.com/velopay/orchestrator/internal/risk"
	"github.com/velopay/orchestrator/internal/routing"
	"github.com/velopay/orchestrator/internal/server"
	"github.com/velopay/orchestrator/internal/store"
	"github.com/velopay/orchestrator/internal/subscription"
	"github.com/velopay/orchestrator/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, v, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.NewLogger(cfg.Server.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	st, err := store.NewGormStore(log, db)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}

	var health routing.Health
	if cfg.Redis.Addr != "" {
		health = routing.NewRedisHealth(log, redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), 24*time.Hour)
	} else {
		log.Warn("Redis not configured; provider health tracking is in-process only")
		health = routing.NewMemoryHealth()
	}

	var sink notify.Sink = notify.NopSink{}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink := notify.NewKafkaSink(log, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafkaSink.Close()
		sink = kafkaSink
	} else {
		log.Warn("Kafka not configured; notifications are disabled")
	}

	reg := registry.New(cfg.Providers)
	policy := routing.NewPolicyHolder(routing.PolicyFromConfig(cfg.Routing))

	// Hot reload: provider registry and routing policy swap atomically
	// when the config file changes.
	if *configPath != "" {
		watchConfig(v, log, reg, policy)
	}

	calc := fees.NewCalculator(cfg.Fees)

	var rateSource rates.Source
	if cfg.Rates.BaseURL != "" {
		rateSource = rates.NewHTTPSource(cfg.Rates.Name, cfg.Rates.BaseURL, cfg.Rates.Timeout)
	} else {
		log.Warn("Rate source not configured; conversions limited to identical currencies")
		rateSource = rates.NewStaticSource("static")
	}

	screener := compliance.NewHTTPScreener(cfg.Compliance.BaseURL, cfg.Compliance.Timeout)
	gate := compliance.NewGate(log, screener)

	history := risk.NewStoreHistory(st, 0)
	var signals risk.SignalProvider
	if cfg.Risk.SignalsBaseURL != "" {
		signals = risk.NewHTTPSignals(cfg.Risk.SignalsBaseURL, cfg.Risk.SignalsTimeout)
	} else {
		log.Warn("Signal service not configured; device and geolocation risk factors are disabled")
	}
	riskEngine := risk.NewEngine(log, cfg.Risk, history, signals)

	router := routing.NewEngine(log, reg, calc, health, policy)

	// Provider protocol adapters plug in behind the gateway contract;
	// the in-memory gateway stands in until one is configured.
	gateways := gateway.StaticResolver{}
	for _, p := range cfg.Providers {
		gateways[p.Name] = gateway.NewMemoryGateway(p.Name)
	}

	manager := lifecycle.NewManager(log, cfg.Lifecycle, st, gate, riskEngine, router, reg, calc, gateways, health, sink)
	escrowManager := escrow.NewManager(log, st, gateways, sink, cfg.Lifecycle.ProviderTimeout)
	conversions := fees.NewService(log, calc, rateSource, st)
	subscriptions := subscription.NewService(log, st, reg, manager)

	handler := server.NewHandler(log, manager, escrowManager, riskEngine, router, conversions, subscriptions, st)
	engine := server.NewRouter(log, handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Recover transactions stranded mid-execution by a previous crash
	// before taking traffic.
	if n, err := manager.Reconcile(ctx, 100); err != nil {
		log.Error("Startup reconciliation failed", zap.Error(err))
	} else if n > 0 {
		log.Info("Recovered stranded transactions", zap.Int("count", n))
	}

	go escrowManager.RunAutoRelease(ctx, cfg.Lifecycle.ReconcileInterval, 100)
	go runBilling(ctx, log, subscriptions, cfg.Lifecycle.ReconcileInterval)
	go runReconcile(ctx, log, manager, cfg.Lifecycle.ReconcileInterval)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: engine}
	go func() {
		log.Info("Payment orchestration engine listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}
}

func runBilling(ctx context.Context, log *zap.Logger, subs *subscription.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := subs.ChargeDue(ctx, 100); err != nil {
				log.Error("Subscription billing pass failed", zap.Error(err))
			} else if n > 0 {
				log.Info("Subscription billing pass complete", zap.Int("charged", n))
			}
		}
	}
}

func runReconcile(ctx context.Context, log *zap.Logger, manager *lifecycle.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := manager.Reconcile(ctx, 100); err != nil {
				log.Error("Reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

func watchConfig(v *viper.Viper, log *zap.Logger, reg *registry.Registry, policy *routing.PolicyHolder) {
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := config.Reload(v)
		if err != nil {
			log.Error("Config reload failed; keeping previous policy", zap.Error(err))
			return
		}
		reg.Reload(cfg.Providers)
		policy.Swap(routing.PolicyFromConfig(cfg.Routing))
		log.Info("Routing policy and provider registry reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()
}
