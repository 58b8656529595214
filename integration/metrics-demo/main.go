// Command metrics-demo runs a block replay against an in-process fake and
// serves its Prometheus metrics, including the per-ErrorKind counter and
// the page-assembler eviction counter, over HTTP. Run with:
// go run integration/metrics-demo/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/helius-labs/replay-engine/go/integration"
	"github.com/helius-labs/replay-engine/go/internal/config"
	"github.com/helius-labs/replay-engine/go/internal/logging"
	"github.com/helius-labs/replay-engine/go/internal/metrics"
	"github.com/helius-labs/replay-engine/go/replay"
)

func main() {
	log.SetFlags(0)
	godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logger.Sync()

	store := integration.NewFakeBlockStore()
	for slot := cfg.Replay.StartSlot; slot < cfg.Replay.StartSlot+20; slot++ {
		store.Append(slot, replay.BlockPayload{Slot: slot})
	}

	caps := replay.NewBlockCapabilities(store, replay.Filter{}, cfg.Replay.PageSize)
	replayMetrics := replay.NewReplayMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := replay.NewReplayStream(ctx, replay.ReplayStreamConfig{
		StartSlot:            cfg.Replay.StartSlot,
		SafetyMargin:         cfg.Replay.SafetyMargin,
		PageSize:             cfg.Replay.PageSize,
		Capabilities:         caps,
		ConnectionTimeout:    cfg.Replay.ConnectionTimeout,
		MiniBackfillBudget:   cfg.Replay.MiniBackfillBudget,
		MaxEmptyPageAttempts: cfg.Replay.MaxEmptyPageAttempts,
		BackoffInitial:       cfg.Replay.BackoffInitial,
		BackoffMax:           cfg.Replay.BackoffMax,
		BackoffJitter:        cfg.Replay.BackoffJitter,
		Logger:               logger,
		Metrics:              replayMetrics,
	})
	if err != nil {
		log.Fatalf("new replay stream: %v", err)
	}
	defer stream.Close()

	registry := metrics.NewRegistry(replayMetrics, nil)

	go func() {
		for {
			if _, err := stream.Next(ctx); err != nil {
				return
			}
		}
	}()

	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for range tick.C {
			registry.Sample()
		}
	}()

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Endpoint, registry.Handler())
	srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}

	go func() {
		logger.Info("serving metrics", zap.String("addr", cfg.Metrics.ListenAddr), zap.String("endpoint", cfg.Metrics.Endpoint))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}
