package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveSimulation prometheus.Gauge
	TickInterval     prometheus.Gauge // seconds

	SimulationsStarted  prometheus.Counter
	SimulationsFinished prometheus.Counter
	SimulationsStopped  prometheus.Counter
	SimulationsFailed   prometheus.Counter

	Ticks       prometheus.Counter
	FixesPushed prometheus.Counter
	PushErrors  prometheus.Counter

	ProviderRegistrations *prometheus.CounterVec // provider, result labels
	RouteFetches          *prometheus.CounterVec // result label: ok|error|cache_hit

	Published      prometheus.Counter
	PublishErrs    prometheus.Counter
	Connected      prometheus.Gauge
	OverlayClients prometheus.Gauge

	TickDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram

	DefaultSpeed   prometheus.Gauge // km/h
	SegmentsPerLeg prometheus.Gauge
}

func NewCollector(defaultSpeedKmh float64, segmentsPerLeg int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveSimulation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geoforge_active_simulation",
			Help: "1 while a route playback is running, 0 otherwise.",
		}),
		TickInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geoforge_tick_interval_seconds",
			Help: "Fixed tick interval of the current playback.",
		}),
		SimulationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoforge_simulations_started_total",
			Help: "Total playbacks started.",
		}),
		SimulationsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoforge_simulations_finished_total",
			Help: "Total playbacks that reached the end of the route.",
		}),
		SimulationsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoforge_simulations_stopped_total",
			Help: "Total playbacks stopped before the end of the route.",
		}),
		SimulationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoforge_simulations_failed_total",
			Help: "Total playbacks aborted by a location provider failure.",
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoforge_ticks_total",
			Help: "Total playback ticks executed.",
		}),
		FixesPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoforge_fixes_pushed_total",
			Help: "Total synthetic location fixes pushed.",
		}),
		PushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoforge_push_errors_total",
			Help: "Total failed fix pushes.",
		}),
		ProviderRegistrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geoforge_provider_registrations_total",
			Help: "Mock provider registrations.",
		}, []string{"provider", "result"}),
		RouteFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geoforge_route_fetches_total",
			Help: "Route fetches from the routing service.",
		}, []string{"result"}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoforge_backend_published_total",
			Help: "Total messages published by the location backend.",
		}),
		PublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoforge_backend_publish_errors_total",
			Help: "Total location backend publish errors.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geoforge_backend_connected",
			Help: "1 if the location backend connection is established, 0 otherwise.",
		}),
		OverlayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geoforge_overlay_clients",
			Help: "Connected map overlay WebSocket clients.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "geoforge_tick_duration_seconds",
			Help:    "Duration of a playback tick.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "geoforge_publish_duration_seconds",
			Help:    "Duration to marshal and publish a backend message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		DefaultSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geoforge_default_speed_kmh",
			Help: "Configured default playback speed.",
		}),
		SegmentsPerLeg: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geoforge_segments_per_leg",
			Help: "Configured default partition density.",
		}),
	}

	reg.MustRegister(
		c.ActiveSimulation, c.TickInterval,
		c.SimulationsStarted, c.SimulationsFinished, c.SimulationsStopped, c.SimulationsFailed,
		c.Ticks, c.FixesPushed, c.PushErrors,
		c.ProviderRegistrations, c.RouteFetches,
		c.Published, c.PublishErrs, c.Connected, c.OverlayClients,
		c.TickDuration, c.PublishDuration,
		c.DefaultSpeed, c.SegmentsPerLeg,
	)

	c.DefaultSpeed.Set(defaultSpeedKmh)
	c.SegmentsPerLeg.Set(float64(segmentsPerLeg))

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}

// Backend adapts the collector to location.PublisherMetrics.
func (c *Collector) Backend() *BackendMetrics { return &BackendMetrics{c: c} }

type BackendMetrics struct{ c *Collector }

func (p *BackendMetrics) PublishedInc()                  { p.c.Published.Inc() }
func (p *BackendMetrics) PublishErrInc()                 { p.c.PublishErrs.Inc() }
func (p *BackendMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *BackendMetrics) SetConnected(b bool) {
	if b {
		p.c.Connected.Set(1)
	} else {
		p.c.Connected.Set(0)
	}
}
