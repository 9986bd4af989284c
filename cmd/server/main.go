package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	_ "github.com/go-sql-driver/mysql"

	"github.com/rl1809/reservation-ledger/internal/adapter/handler"
	"github.com/rl1809/reservation-ledger/internal/adapter/publisher"
	"github.com/rl1809/reservation-ledger/internal/adapter/storage"
	"github.com/rl1809/reservation-ledger/internal/config"
	"github.com/rl1809/reservation-ledger/internal/core/coordinator"
	"github.com/rl1809/reservation-ledger/internal/core/relay"
	"github.com/rl1809/reservation-ledger/internal/core/service"
	"github.com/rl1809/reservation-ledger/internal/core/stats"
	"github.com/rl1809/reservation-ledger/internal/port"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := cfg.Logger()

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

// backends holds everything that must be closed on shutdown.
type backends struct {
	store   port.EntityStore
	ledger  port.Ledger
	closers []io.Closer
}

func (b *backends) Close(log logrus.FieldLogger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			log.WithError(err).Warn("close failed")
		}
	}
}

func openBackends(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*backends, error) {
	b := &backends{}

	var db *sqlx.DB
	if cfg.NeedsMySQL() {
		var err error
		db, err = sqlx.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		b.closers = append(b.closers, db)

		if err := db.PingContext(ctx); err != nil {
			b.Close(log)
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		if err := storage.MigrateMySQL(db.DB); err != nil {
			b.Close(log)
			return nil, err
		}
		log.Info("connected to mysql")
	}

	switch cfg.StoreBackend {
	case config.BackendMySQL:
		b.store = storage.NewMySQLStore(db.DB)
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: cfg.RedisPoolSize,
		})
		b.closers = append(b.closers, rdb)
		if err := rdb.Ping(ctx).Err(); err != nil {
			b.Close(log)
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		log.Info("connected to redis")
		b.store = storage.NewRedisStore(rdb)
	default:
		b.store = storage.NewMemoryStore()
	}

	switch cfg.LedgerBackend {
	case config.BackendMySQL:
		ledger, err := storage.OpenMySQLLedger(ctx, db.DB)
		if err != nil {
			b.Close(log)
			return nil, err
		}
		b.ledger = ledger
	case config.BackendPebble:
		ledger, err := storage.OpenPebbleLedger(cfg.PebbleDir)
		if err != nil {
			b.Close(log)
			return nil, err
		}
		b.closers = append(b.closers, ledger)
		b.ledger = ledger
	default:
		b.ledger = storage.NewMemoryLedger()
	}

	log.WithFields(logrus.Fields{
		"store":  cfg.StoreBackend,
		"ledger": cfg.LedgerBackend,
	}).Info("backends ready")
	return b, nil
}

func openPublisher(cfg config.Config) (port.Publisher, error) {
	switch cfg.Publisher {
	case config.PublisherKafka:
		return publisher.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case config.PublisherAMQP:
		return publisher.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	default:
		return nil, nil
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close(log)

	agg := stats.New(
		stats.WithQueueSize(cfg.StatsQueueSize),
		stats.WithBucketWidth(cfg.StatsBucketWidth),
		stats.WithRetention(cfg.StatsRetention),
		stats.WithLogger(log.WithField("component", "stats")),
	)
	coord := coordinator.New(b.store, b.ledger,
		coordinator.WithLockTimeout(cfg.LockTimeout),
		coordinator.WithLogger(log.WithField("component", "coordinator")),
		coordinator.WithObserver(agg),
	)
	svc := service.NewReservationService(coord,
		service.WithStats(agg),
		service.WithLogger(log.WithField("component", "service")),
	)

	pub, err := openPublisher(cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return agg.Run(gctx) })

	if pub != nil {
		defer pub.Close()
		// Delivery is at-least-once: each run republishes from the start of
		// the ledger and consumers dedupe by operation id.
		r := relay.New(b.ledger, pub,
			relay.WithInterval(cfg.RelayInterval),
			relay.WithLogger(log.WithField("component", "relay")),
		)
		g.Go(func() error { return r.Run(gctx) })
		log.WithField("publisher", cfg.Publisher).Info("ledger relay started")
	}

	grpcServer := grpc.NewServer()
	hs := handler.NewGRPCHandler(svc, log.WithField("component", "grpc")).Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	g.Go(func() error {
		log.Infof("gRPC server listening on %s", cfg.GRPCAddr)
		return grpcServer.Serve(lis)
	})

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler.NewHTTPHandler(svc, log.WithField("component", "http")).Router(),
	}
	g.Go(func() error {
		log.Infof("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP shutdown")
		}
		log.Info("HTTP server stopped")

		hs.Shutdown()
		grpcServer.GracefulStop()
		log.Info("gRPC server stopped")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("servers stopped")
	return nil
}
