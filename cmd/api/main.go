package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-auctions/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ticket-auctions/internal/adapters/mongo"
	"github.com/robertarktes/ticket-auctions/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/ticket-auctions/internal/adapters/redis"
	"github.com/robertarktes/ticket-auctions/internal/auction"
	"github.com/robertarktes/ticket-auctions/internal/bootstrap"
	"github.com/robertarktes/ticket-auctions/internal/clock"
	"github.com/robertarktes/ticket-auctions/internal/config"
	httphandler "github.com/robertarktes/ticket-auctions/internal/http"
	"github.com/robertarktes/ticket-auctions/internal/idempotency"
	"github.com/robertarktes/ticket-auctions/internal/observability"
	"github.com/robertarktes/ticket-auctions/internal/rateLimit"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel)
	clk := clock.NewSystem()
	ctx := context.Background()

	var (
		store auction.Store = auction.NewMemoryStore()
		sinks []auction.Sink
		pool  *pgxpool.Pool
	)
	if cfg.StoreBackend == config.BackendCRDB {
		pool, err = pgxpool.New(ctx, cfg.CRDBDSN)
		if err != nil {
			log.Fatalf("failed to connect to crdb: %v", err)
		}
		defer pool.Close()
		repo := crdb.NewRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			log.Fatalf("failed to migrate crdb: %v", err)
		}
		store = repo
	}

	var catalog bootstrap.Catalog
	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf("failed to connect to mongo: %v", err)
		}
		defer mongoClient.Disconnect(context.Background())
		mongoDB := mongoClient.Database("auctions")
		catalog = mongoadapter.NewCatalogRepository(mongoDB, logger)
		// With crdb the outbox feeds the audit projection in auction-worker.
		if cfg.StoreBackend == config.BackendMemory {
			sinks = append(sinks, mongoadapter.NewAuditLogger(mongoDB, logger))
		}
	}

	if cfg.RabbitURL != "" && cfg.StoreBackend == config.BackendMemory {
		rabbitConn, err := amqp.Dial(cfg.RabbitURL)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		defer rabbitConn.Close()
		rabbitPub, err := rabbit.NewPublisher(rabbitConn)
		if err != nil {
			log.Fatalf("failed to create publisher: %v", err)
		}
		sinks = append(sinks, rabbit.NewSink(rabbitPub))
	}

	var (
		selections auction.Selections = auction.NewMemorySelections()
		idemp      *idempotency.Idempotency
		rl         *rateLimit.RateLimiter
	)
	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		selections = redisadapter.NewSelections(redisClient, cfg.SelectionTTL)
		idemp = idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL)
		rl = rateLimit.NewRateLimiter(redisadapter.NewCache(redisClient))
	}

	listings, err := bootstrap.Listings(ctx, cfg, catalog, clk.Now())
	if err != nil {
		log.Fatalf("failed to load listings: %v", err)
	}
	registry, err := bootstrap.Registry(ctx, listings, store, clk,
		auction.WithWindow(cfg.AuctionWindow),
		auction.WithSelections(selections),
		auction.WithSinks(sinks...),
		auction.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("failed to build listings: %v", err)
	}
	logger.WithField("listings", len(listings)).WithField("backend", cfg.StoreBackend).Info("listings loaded")

	handlers := httphandler.NewHandlers(registry, idemp, logger)
	if pool != nil {
		handlers.WithReadiness(func() error { return pool.Ping(context.Background()) })
	}
	r := httphandler.SetupRouter(handlers, logger, rl)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		auction.NewTicker(registry, logger).Run(gctx, cfg.AuctionPollInterval)
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
		case <-gctx.Done():
		}
		logger.Info("Shutdown Server ...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Server exited with error: ", err)
	}
	logger.Info("Server exiting")
}
