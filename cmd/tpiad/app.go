package main

import (
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tpia/internal/cluster"
	"tpia/internal/commodity"
	"tpia/internal/cycle"
	"tpia/internal/events"
	"tpia/internal/exit"
	"tpia/internal/ledger"
	"tpia/internal/lifecycle"
	"tpia/internal/metrics"
	"tpia/internal/repository/postgres"
	"tpia/pkg/cache"
	"tpia/pkg/config"
	"tpia/pkg/logger"
)

// app holds the wired engine for one command invocation.
type app struct {
	cfg      *config.Config
	log      logger.Logger
	clock    clockwork.Clock
	db       *sqlx.DB
	store    *postgres.Store
	cache    *cache.RedisCache
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	events   events.Publisher

	ledger    *ledger.Service
	allocator *cluster.Allocator
	exits     *exit.Engine
	lifecycle *lifecycle.Service
	cycles    *cycle.Processor

	closers []func() error
}

// newApp connects to postgres and, when reachable, redis. requireCache makes a
// redis failure fatal; one-shot commands fall back to uncached reads.
func newApp(cfg *config.Config, log logger.Logger, requireCache bool) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      log,
		clock:    clockwork.NewRealClock(),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	db, err := postgres.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	a.store = postgres.NewStore(db)
	log.Info("Database connected", nil)

	rc, err := cache.NewRedisCache(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	switch {
	case err == nil:
		a.cache = rc
		a.closers = append(a.closers, rc.Close)
		log.Info("Redis connected", nil)
	case requireCache:
		a.close()
		return nil, err
	default:
		log.Warn("Redis unavailable, continuing without cache", map[string]interface{}{"error": err.Error()})
	}

	a.events = events.NewLogPublisher(log)
	if cfg.Kafka.Enabled {
		kp := events.NewKafkaPublisher(cfg.Kafka, log)
		a.closers = append(a.closers, kp.Close)
		a.events = events.NewBreakerPublisher(kp, cfg.Kafka.BreakerFailures, cfg.Kafka.BreakerOpenDelay, log)
	}

	var catalog commodity.Catalog = commodity.NewStoreCatalog(a.store.Commodities())
	if a.cache != nil {
		catalog = commodity.NewCachedCatalog(catalog, a.cache, cfg.Redis.NavPriceTTL, log)
	}

	engine := cfg.Engine
	a.ledger = ledger.NewService(a.store, a.clock, log, a.metrics)
	a.allocator = cluster.NewAllocator(a.store, engine, a.clock, a.events, log, a.metrics)
	a.exits = exit.NewEngine(a.store, engine, a.ledger, a.clock, a.events, log, a.metrics)
	a.lifecycle = lifecycle.NewService(a.store, engine, a.ledger, a.allocator, a.exits, catalog, a.clock, a.events, log, a.metrics)
	a.cycles = cycle.NewProcessor(a.store, engine, a.ledger, a.exits, a.clock, a.events, log, a.metrics)
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("Failed to close resource", map[string]interface{}{"error": err.Error()})
		}
	}
}
