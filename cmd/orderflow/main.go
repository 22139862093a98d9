package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"orderflow/config"
	"orderflow/internal/audit"
	"orderflow/internal/facade"
	"orderflow/internal/feed"
	"orderflow/internal/idem"
	"orderflow/internal/ledger"
	"orderflow/internal/ops"
	"orderflow/internal/risk"
	"orderflow/internal/router"
	"orderflow/internal/specs"
	"orderflow/internal/venue"
	binancevenue "orderflow/internal/venue/binance"
	bybitvenue "orderflow/internal/venue/bybit"
	"orderflow/internal/venue/paper"
	"orderflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithEnv("APP_ENV").WithFields(logger.Fields{
		"service": cfg.Orderflow.Name,
		"version": cfg.Orderflow.Version,
		"dry_run": cfg.Execution.DryRun,
	}).Info("starting orderflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Telemetry.CloudWatch.Region, cfg.Telemetry.CloudWatch.Namespace, "")
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	venues := map[string]venue.Capability{
		"paper": paper.New(),
	}
	if cfg.Venues.Binance.Enabled {
		venues["binance"] = binancevenue.NewClient(cfg.Venues.Binance)
	}
	if cfg.Venues.Bybit.Enabled {
		venues["bybit"] = bybitvenue.NewClient(cfg.Venues.Bybit)
	}

	book := ledger.New(0)
	registry := specs.NewRegistry(venues, cfg.Specs.Defaults, cfg.Specs.Overrides)
	rails := risk.New(cfg.Risk, book)
	slippage := router.NewSlippageMonitor(cfg.Slippage)
	rtr := router.New(cfg.Execution, venues, registry, book, rails, slippage)
	guard := idem.NewGuard(cfg.Idempotency.ClaimTTL, cfg.Idempotency.MaxRecords)

	// Seed positions from the default venue's account before accepting
	// orders, so exposure caps see reality from the first call.
	if adapter, ok := venues[strings.ToLower(cfg.Execution.DefaultVenue)]; ok && adapter.Name() != "paper" {
		seedCtx, seedCancel := context.WithTimeout(ctx, 15*time.Second)
		snapshot, err := adapter.AccountSnapshot(seedCtx)
		seedCancel()
		if err != nil {
			log.WithError(err).Warn("failed to seed positions from account snapshot")
		} else {
			book.Seed(adapter.Name(), snapshot.Positions)
			log.WithFields(logger.Fields{
				"venue":     adapter.Name(),
				"positions": len(snapshot.Positions),
			}).Info("positions seeded from account snapshot")
		}
	}

	var shipper *audit.Shipper
	if cfg.Audit.S3.Enabled {
		shipper, err = audit.NewShipper(cfg.Audit.S3)
		if err != nil {
			log.WithError(err).Error("failed to create audit shipper")
			os.Exit(1)
		}
		if err := shipper.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start audit shipper")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 audit shipping disabled")
	}

	sink := audit.NewFileSink(cfg.Audit, shipper)
	exec := facade.New(cfg.Execution, cfg.Idempotency, rails, rtr, guard, sink)

	opsServer := ops.NewServer(cfg.Ops, exec, book, filepath.Dir(cfg.Audit.Path), log)
	if opsServer != nil {
		go func() {
			if err := opsServer.Run(ctx, cfg.Orderflow.Name); err != nil {
				log.WithError(err).Error("ops server exited")
			}
		}()
		log.WithFields(logger.Fields{"address": opsServer.Address()}).Info("ops server listening")
	} else {
		log.WithComponent("main").Info("ops server disabled; facade reachable only in-process")
	}

	var binanceFeed *feed.BinanceFeed
	if cfg.Feed.Binance.Enabled {
		binanceFeed = feed.NewBinanceFeed(cfg.Feed.Binance, book)
		if err := binanceFeed.Start(ctx); err != nil {
			log.WithError(err).Warn("binance feed failed to start")
		}
	}
	var kucoinFeed *feed.KucoinFeed
	if cfg.Feed.Kucoin.Enabled {
		kucoinFeed = feed.NewKucoinFeed(cfg.Feed.Kucoin, book)
		if err := kucoinFeed.Start(ctx); err != nil {
			log.WithError(err).Warn("kucoin feed failed to start")
		}
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if kucoinFeed != nil {
		kucoinFeed.Stop()
	}
	if binanceFeed != nil {
		binanceFeed.Stop()
	}
	if shipper != nil {
		shipper.Stop()
	}
	if err := sink.Close(); err != nil {
		log.WithError(err).Warn("failed to close audit sink")
	}

	log.Info("orderflow stopped")
}
