package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"geoforge/internal/api"
	"geoforge/internal/config"
	"geoforge/internal/db"
	"geoforge/internal/location"
	"geoforge/internal/metrics"
	"geoforge/internal/overlay"
	"geoforge/internal/routing"
	"geoforge/internal/sim"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.PlaybackSpeed(), cfg.SegmentsPerLeg)
		metricsSrv = mcol.Serve(cfg.MetricsAddr)
	}

	backend, nc, closeBackend := openBackend(cfg, mcol)
	defer closeBackend()

	// Optional run history
	var recorder sim.RunRecorder
	var runs api.RunLister
	if cfg.DatabaseURL != "" {
		sqlDB, store := openStore(ctx, cfg.DatabaseURL)
		defer sqlDB.Close()
		recorder, runs = store, store
	}

	hub := overlay.NewHub(mcol)
	svc := sim.NewService(hub, sim.BackendRegistrar(backend), hub, recorder, mcol)
	svcDone := make(chan struct{})
	go func() {
		defer close(svcDone)
		svc.Run(ctx)
	}()

	// Intent-style commands over NATS share the backend connection
	if nc != nil {
		listener, err := sim.SubscribeCommands(nc, cfg.NATSSubjectPrefix, svc)
		if err != nil {
			log.Fatalf("nats commands: %v", err)
		}
		defer listener.Close()
	}

	var router routing.Fetcher = routing.NewOSRMClient(cfg.OSRMURL, cfg.RoutingTimeout, mcol)
	if cfg.RedisURL != "" {
		rdb, err := routing.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Printf("route cache disabled: %v", err)
		} else {
			defer rdb.Close()
			router = routing.NewCache(rdb, router, cfg.RouteCacheTTL, mcol)
			log.Printf("route cache enabled (ttl %s)", cfg.RouteCacheTTL)
		}
	}

	h := api.NewHandler(svc, router, runs, hub, api.Defaults{
		Mode:           cfg.TravelMode,
		SegmentsPerLeg: cfg.SegmentsPerLeg,
		SpeedKmh:       cfg.SpeedKmh,
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: h.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
			cancel()
		}
	}()
	log.Printf("api listening on %s (backend %s, mode %s, %d segments per leg)",
		cfg.HTTPAddr, cfg.LocationBackend, cfg.TravelMode, cfg.SegmentsPerLeg)

	// Block until context cancelled
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	hub.Close()
	<-svcDone
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Println("shutdown complete")
}

// openBackend connects the configured location backend. The NATS connection
// is returned for command subscriptions when that backend is in use.
func openBackend(cfg *config.Config, mcol *metrics.Collector) (location.Backend, *nats.Conn, func()) {
	switch cfg.LocationBackend {
	case config.BackendMQTT:
		b, err := location.NewMQTTBackend(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopicPrefix)
		if err != nil {
			log.Fatalf("mqtt error: %v", err)
		}
		log.Printf("publishing fixes to mqtt %s under %s", cfg.MQTTBroker, cfg.MQTTTopicPrefix)
		return b, nil, b.Close
	case config.BackendNMEA:
		b := location.NewNMEABackend(location.NMEAConfig{PortPath: cfg.NMEAPort, BaudRate: cfg.NMEABaud})
		log.Printf("writing NMEA fixes to %s at %d baud", cfg.NMEAPort, cfg.NMEABaud)
		return b, nil, func() {
			if err := b.Close(); err != nil {
				log.Printf("close nmea port: %v", err)
			}
		}
	default:
		b, err := location.NewNATSBackend(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		log.Printf("publishing fixes to nats %s under %s.location.>", cfg.NATSURL, cfg.NATSSubjectPrefix)
		return b, b.Conn(), b.Close
	}
}

func openStore(ctx context.Context, dsn string) (*sql.DB, *db.Store) {
	sqlDB, err := db.Open(dsn)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		log.Fatalf("db ping error: %v", err)
	}
	store := db.NewStore(sqlDB)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("db schema error: %v", err)
	}
	log.Printf("recording runs in %s", db.Redact(dsn))
	return sqlDB, store
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) location.PublisherMetrics {
	if c == nil {
		return nil
	}
	return c.Backend()
}
