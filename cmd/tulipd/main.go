// Command tulipd runs the single-instrument matching service: HTTP
// intake, the per-symbol matching shard, the durable ledger and, on the
// leader, cross-region reconciliation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tulipex/tulipcore/api"
	"github.com/tulipex/tulipcore/internal/config"
	"github.com/tulipex/tulipcore/internal/events"
	"github.com/tulipex/tulipcore/internal/idempotency"
	"github.com/tulipex/tulipcore/internal/intake"
	"github.com/tulipex/tulipcore/internal/ledger"
	"github.com/tulipex/tulipcore/internal/matching"
	"github.com/tulipex/tulipcore/internal/personas"
	"github.com/tulipex/tulipcore/internal/reconcile"
	"github.com/tulipex/tulipcore/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tulipd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("starting tulipd",
		zap.String("symbol", cfg.Symbol),
		zap.String("region", cfg.Region.Name),
		zap.String("role", string(cfg.Region.Role)))

	store, err := ledger.Open(cfg.Ledger.Driver, cfg.Ledger.DSN, log)
	if err != nil {
		return err
	}

	var idem idempotency.Store
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		idem = idempotency.NewRedisStore(client)
		log.Info("idempotency store: redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		idem = idempotency.NewMemoryStore()
		log.Warn("idempotency store: in-memory, duplicates survive this process only")
	}

	// The badger channel doubles as the durable dead letter store when
	// kafka carries the event stream.
	badgerCh, err := events.NewBadgerChannel(cfg.Events.Dir, cfg.Events.DedupeWindow)
	if err != nil {
		return err
	}
	defer badgerCh.Close()

	var channel events.Channel = badgerCh
	var dead events.DeadLetter = badgerCh
	if cfg.Kafka.Enabled {
		kafkaCh := events.NewKafkaChannel(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Events.DedupeWindow, log)
		defer kafkaCh.Close()
		channel = kafkaCh
		log.Info("event channel: kafka", zap.Strings("brokers", cfg.Kafka.Brokers))
	} else {
		log.Info("event channel: badger", zap.String("dir", cfg.Events.Dir))
	}

	var shardOpts []matching.ShardOption
	if cfg.Matching.Mode == "simulated" {
		shardOpts = append(shardOpts, matching.WithMatcher(matching.NewSimulatedMatcher()))
		log.Info("matching mode: simulated")
	}
	shard := matching.NewShard(cfg.Symbol, cfg.Region, store, channel, dead, log, shardOpts...)
	gatekeeper := intake.New(idem, store, channel, cfg.Region, cfg.Symbol, log)

	registry, err := personas.NewRegistry(store.DB(), personas.DefaultSeed(), log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 4)
	go func() {
		if err := shard.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("matching shard: %w", err)
		}
	}()

	if cfg.Region.IsLeader() && cfg.Reconcile.RemoteDSN != "" {
		remote, err := ledger.Open(cfg.Reconcile.RemoteDriver, cfg.Reconcile.RemoteDSN, log)
		if err != nil {
			return fmt.Errorf("open remote ledger: %w", err)
		}
		feed, err := remote.ChangeSignal(ctx)
		if err != nil {
			return fmt.Errorf("watch remote ledger: %w", err)
		}
		rec := reconcile.New(store, remote, channel, cfg.Region,
			cfg.Reconcile.RemoteRegion, cfg.Reconcile.Window, cfg.Reconcile.Interval,
			reconcile.PolicyScope(cfg.Reconcile.PolicyScope), feed, log)
		go func() {
			if err := rec.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("reconciler: %w", err)
			}
		}()
		log.Info("reconciler running", zap.String("remote_region", cfg.Reconcile.RemoteRegion))
	}

	books := shardBooks{cfg.Symbol: shard}
	hub := api.NewHub(store, books, cfg.Symbol, cfg.DepthCap, log)
	go hub.Run(ctx)

	server := api.NewServer(gatekeeper, store, books, registry, hub, cfg.Symbol, cfg.DepthCap, log)
	go func() {
		if err := server.Run(ctx, cfg.HTTPAddr); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// shardBooks resolves a symbol to its live shard book.
type shardBooks map[string]*matching.Shard

func (b shardBooks) Book(symbol string) (*matching.Book, bool) {
	shard, ok := b[symbol]
	if !ok {
		return nil, false
	}
	return shard.Book(), true
}
