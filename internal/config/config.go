package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

const (
	BackendMemory = "memory"
	BackendCRDB   = "crdb"
)

type Config struct {
	ServiceName  string
	HTTPAddr     string
	StoreBackend string
	CRDBDSN      string
	MongoURI     string
	RedisAddr    string
	RabbitURL    string
	OTLPEndpoint string
	LogLevel     string

	AuctionWindow       time.Duration
	AuctionPollInterval time.Duration
	IdempotencyTTL      time.Duration
	SelectionTTL        time.Duration

	// CatalogEventIDs lists the catalog events to open listings for. When
	// empty (or without a catalog) a demo event is seeded.
	CatalogEventIDs []string
	// DemoEventIn places the seeded demo event this far from startup.
	DemoEventIn time.Duration
	// DemoEventAt pins the demo event time so every process sharing a store
	// agrees on it. It overrides DemoEventIn when set.
	DemoEventAt time.Time
}

// UsesDemoEvent reports whether listings come from the seeded demo event
// rather than the catalog.
func (c *Config) UsesDemoEvent() bool {
	return c.MongoURI == "" || len(c.CatalogEventIDs) == 0
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName:     getenv("SERVICE_NAME", "ticket-auctions"),
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		StoreBackend:    getenv("STORE_BACKEND", BackendMemory),
		CRDBDSN:         os.Getenv("CRDB_DSN"),
		MongoURI:        os.Getenv("MONGO_URI"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RabbitURL:       os.Getenv("RABBIT_URL"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		CatalogEventIDs: splitList(os.Getenv("CATALOG_EVENT_IDS")),
	}

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"AUCTION_WINDOW", 24 * time.Hour, &cfg.AuctionWindow},
		{"AUCTION_POLL_INTERVAL", time.Minute, &cfg.AuctionPollInterval},
		{"IDEMPOTENCY_TTL", time.Hour, &cfg.IdempotencyTTL},
		{"SELECTION_TTL", 30 * time.Minute, &cfg.SelectionTTL},
		{"DEMO_EVENT_IN", 2 * time.Hour, &cfg.DemoEventIn},
	}
	for _, d := range durations {
		v, err := durationEnv(d.key, d.def)
		if err != nil {
			return nil, err
		}
		*d.dest = v
	}

	if raw := os.Getenv("DEMO_EVENT_AT"); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, errors.Wrap(err, "parse DEMO_EVENT_AT")
		}
		cfg.DemoEventAt = at.UTC()
	}

	switch cfg.StoreBackend {
	case BackendMemory:
	case BackendCRDB:
		if cfg.CRDBDSN == "" {
			return nil, errors.New("STORE_BACKEND=crdb requires CRDB_DSN")
		}
		if cfg.UsesDemoEvent() && cfg.DemoEventAt.IsZero() {
			return nil, errors.New("STORE_BACKEND=crdb with the demo event requires DEMO_EVENT_AT")
		}
	default:
		return nil, errors.Newf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	if d <= 0 {
		return 0, errors.Newf("%s must be positive, got %s", key, raw)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
