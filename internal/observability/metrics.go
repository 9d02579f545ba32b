package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auction_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	BidsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auction_bids_total",
			Help: "Bids by kind and result",
		},
		[]string{"kind", "result"},
	)

	PurchasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auction_purchases_total",
			Help: "Purchase attempts by result",
		},
		[]string{"result"},
	)

	AuctionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auction_tickets_opened_total",
			Help: "Tickets moved from fixed price into bidding",
		},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "auction_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auction_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auction_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auction_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
