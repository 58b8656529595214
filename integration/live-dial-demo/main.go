// Command live-dial-demo exercises internal/transport's real gRPC dial
// path: it builds ChannelOptions from the loaded upstream config, dials
// the configured endpoint, and logs the resulting channel state. A
// ReplayStream's OnReconnect factory is wired to redial through the same
// transport.Dial/transport.Target helpers on every reconnect, so the
// connection bootstrap and keepalive/window tuning are exercised on the
// reconnect path, not just read once at startup. The replay's list/stream
// calls still run against the in-memory fake, since no generated RPC
// client is in scope here; this demo is only responsible for the
// connection lifecycle around it.
//
// Run with: go run integration/live-dial-demo/main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/helius-labs/replay-engine/go/integration"
	"github.com/helius-labs/replay-engine/go/internal/config"
	"github.com/helius-labs/replay-engine/go/internal/logging"
	"github.com/helius-labs/replay-engine/go/internal/transport"
	"github.com/helius-labs/replay-engine/go/replay"
)

func channelOptions(cfg config.ReplayUpstreamConfig) transport.ChannelOptions {
	return transport.ChannelOptions{
		KeepaliveTimeSecs:     cfg.KeepaliveTimeSecs,
		KeepaliveTimeoutSecs:  cfg.KeepaliveTimeoutSecs,
		MaxRecvMsgSize:        cfg.MaxRecvMsgSize,
		MaxSendMsgSize:        cfg.MaxSendMsgSize,
		MinConnectTimeoutSecs: cfg.MinConnectTimeoutSecs,
		Insecure:              cfg.Insecure,
	}
}

func dialUpstream(ctx context.Context, logger *zap.Logger, cfg config.ReplayUpstreamConfig) *grpc.ClientConn {
	target, err := transport.Target(cfg.Endpoint)
	if err != nil {
		logger.Warn("resolving upstream target failed", zap.Error(err))
		return nil
	}
	conn, err := transport.Dial(ctx, cfg.Endpoint, channelOptions(cfg))
	if err != nil {
		logger.Warn("dialing upstream failed, continuing without a live channel", zap.String("target", target), zap.Error(err))
		return nil
	}
	logger.Info("dialed upstream", zap.String("target", target), zap.String("state", conn.GetState().String()))
	return conn
}

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := dialUpstream(ctx, logger, cfg.Upstream)
	if conn != nil {
		defer conn.Close()
	}

	store := integration.NewFakeBlockStore()
	for slot := cfg.Replay.StartSlot; slot < cfg.Replay.StartSlot+20; slot++ {
		store.Append(slot, replay.BlockPayload{Slot: slot})
	}
	caps := replay.NewBlockCapabilities(store, replay.Filter{}, cfg.Replay.PageSize)

	onReconnect := func(ctx context.Context) (replay.Capabilities, error) {
		if conn != nil {
			conn.Close()
		}
		conn = dialUpstream(ctx, logger, cfg.Upstream)
		return caps, nil
	}

	stream, err := replay.NewReplayStream(ctx, replay.ReplayStreamConfig{
		StartSlot:            cfg.Replay.StartSlot,
		SafetyMargin:         cfg.Replay.SafetyMargin,
		PageSize:             cfg.Replay.PageSize,
		Capabilities:         caps,
		OnReconnect:          onReconnect,
		ConnectionTimeout:    cfg.Replay.ConnectionTimeout,
		MiniBackfillBudget:   cfg.Replay.MiniBackfillBudget,
		MaxEmptyPageAttempts: cfg.Replay.MaxEmptyPageAttempts,
		BackoffInitial:       cfg.Replay.BackoffInitial,
		BackoffMax:           cfg.Replay.BackoffMax,
		BackoffJitter:        cfg.Replay.BackoffJitter,
		Logger:               logger,
	})
	if err != nil {
		log.Fatalf("new replay stream: %v", err)
	}
	defer stream.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			item, err := stream.Next(ctx)
			if err != nil {
				log.Printf("replay ended: %v", err)
				return
			}
			log.Printf("block slot=%d key=%s", item.Slot, item.Key)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-done:
	}
	cancel()
}
