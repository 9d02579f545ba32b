package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-auctions/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ticket-auctions/internal/adapters/mongo"
	"github.com/robertarktes/ticket-auctions/internal/adapters/rabbit"
	"github.com/robertarktes/ticket-auctions/internal/auction"
	"github.com/robertarktes/ticket-auctions/internal/bootstrap"
	"github.com/robertarktes/ticket-auctions/internal/clock"
	"github.com/robertarktes/ticket-auctions/internal/config"
	"github.com/robertarktes/ticket-auctions/internal/domain"
	"github.com/robertarktes/ticket-auctions/internal/observability"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// auction-worker opens auction windows for listings stored in crdb and
// projects published events into the mongo audit log.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.StoreBackend != config.BackendCRDB {
		log.Fatalf("auction-worker requires STORE_BACKEND=crdb")
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel)

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	mongoDB := mongoClient.Database("auctions")
	catalog := mongoadapter.NewCatalogRepository(mongoDB, logger)
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	consumer, err := rabbit.NewConsumer(conn, "auction.audit.q",
		domain.EventAuctionOpened, domain.EventBidPlaced, domain.EventTicketPurchased, domain.EventTicketPosted)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listings, err := bootstrap.Listings(ctx, cfg, catalog, clock.NewSystem().Now())
	if err != nil {
		log.Fatalf("failed to load listings: %v", err)
	}
	registry, err := bootstrap.Registry(ctx, listings, repo, clock.NewSystem(),
		auction.WithWindow(cfg.AuctionWindow),
		auction.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("failed to build listings: %v", err)
	}

	go auction.NewTicker(registry, logger).Run(ctx, cfg.AuctionPollInterval)
	go func() {
		if err := consumer.Run(ctx, audit, logger); err != nil {
			logger.Error("audit consumer stopped: ", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("Shutdown auction worker")
}
