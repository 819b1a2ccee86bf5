package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"squarespool/internal/beacon"
	"squarespool/internal/config"
	"squarespool/internal/db"
	"squarespool/internal/oracle"
	"squarespool/internal/pool"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorkerFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	dbPool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := db.EnsureSchema(ctx, dbPool); err != nil {
		logger.Error("schema init failed", "err", err)
		os.Exit(1)
	}

	bc := beacon.New(dbPool, logger)
	poolSvc := pool.NewService(dbPool, bc, logger)
	fetcher, err := oracle.NewFetcher(cfg.ScoreFeedURLs, cfg.OracleTimeout, logger)
	if err != nil {
		logger.Error("oracle init failed", "err", err)
		os.Exit(1)
	}

	runOnce := strings.EqualFold(strings.TrimSpace(os.Getenv("SQUARES_WORKER_RUN_ONCE")), "true")
	if runOnce {
		if _, err := bc.Advance(ctx); err != nil {
			logger.Error("beacon advance failed", "err", err)
			os.Exit(1)
		}
		resolvePending(ctx, logger, poolSvc, fetcher)
		if err := poolSvc.AccrueYield(ctx, cfg.YieldAPR, cfg.YieldTickEvery); err != nil {
			logger.Error("yield accrual failed", "err", err)
			os.Exit(1)
		}
		logger.Info("worker run-once completed")
		return
	}

	beaconTicker := time.NewTicker(cfg.BeaconTickEvery)
	defer beaconTicker.Stop()
	yieldTicker := time.NewTicker(cfg.YieldTickEvery)
	defer yieldTicker.Stop()

	logger.Info("worker started",
		"beacon_tick_every", cfg.BeaconTickEvery.String(),
		"yield_tick_every", cfg.YieldTickEvery.String(),
		"score_feeds", len(cfg.ScoreFeedURLs))
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case <-beaconTicker.C:
			height, err := bc.Advance(ctx)
			if err != nil {
				logger.Error("beacon advance failed", "err", err)
				continue
			}
			logger.Debug("beacon advanced", "height", height)
			resolvePending(ctx, logger, poolSvc, fetcher)
		case <-yieldTicker.C:
			if err := poolSvc.AccrueYield(ctx, cfg.YieldAPR, cfg.YieldTickEvery); err != nil {
				logger.Error("yield accrual failed", "err", err)
			}
		}
	}
}

func resolvePending(ctx context.Context, logger *slog.Logger, poolSvc *pool.Service, fetcher *oracle.Fetcher) {
	pending, err := poolSvc.PendingScoreRequests(ctx)
	if err != nil {
		logger.Error("pending requests read failed", "err", err)
		return
	}
	for _, req := range pending {
		result := fetcher.FetchQuarter(ctx, req.EventKey, int(req.Quarter))
		err := poolSvc.ResolveScoreRequest(ctx, req.Token, result.Home, result.Away, result.Verified)
		if err != nil {
			logger.Error("score resolution failed",
				"token", req.Token,
				"pool_id", req.PoolID,
				"quarter", req.Quarter.Label(),
				"err", err)
			continue
		}
		logger.Info("score request resolved",
			"token", req.Token,
			"pool_id", req.PoolID,
			"quarter", req.Quarter.Label(),
			"verified", result.Verified,
			"votes", result.Votes,
			"sources", result.Sources)
	}
}
