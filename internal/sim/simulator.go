// Package sim plays a partitioned route back as a stream of synthetic
// location fixes.
//
// A Simulator owns one goroutine per playback. Every mutation of playback
// state, the map surface and the location sink happens on that goroutine;
// the ticker only wakes it up. Stop cancels the playback and waits for the
// goroutine to exit, so no tick runs after Stop returns.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"geoforge/internal/geo"
	"geoforge/internal/location"
	mmetrics "geoforge/internal/metrics"
)

// MinTickInterval bounds the tick rate for degenerate routes (zero length or
// absurd speeds).
const MinTickInterval = 10 * time.Millisecond

// PositionMarkerID identifies the moving marker on the map surface.
const PositionMarkerID = "position"

var (
	ErrAlreadyRunning = errors.New("simulation already running")
	ErrInvalidRoute   = errors.New("invalid simulation route")
)

// Surface is the map overlay the simulator draws its marker on.
type Surface interface {
	AddMarker(id, icon string, at geo.GeoPoint)
	MoveMarker(id string, at geo.GeoPoint)
	RemoveMarker(id string)
	SetCenter(at geo.GeoPoint)
	AnimateTo(at geo.GeoPoint)
	Invalidate()
}

// LocationSink receives the fixes of one registered provider.
type LocationSink interface {
	Name() string
	PushLocation(ctx context.Context, lat, lon float64) error
	Shutdown()
}

// Registrar registers a named mock provider and returns its sink.
type Registrar func(ctx context.Context, provider string) (LocationSink, error)

// BackendRegistrar registers providers on a location backend.
func BackendRegistrar(backend location.Backend) Registrar {
	return func(ctx context.Context, provider string) (LocationSink, error) {
		p, err := location.Register(ctx, backend, provider)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

type providerState int

const (
	unregistered providerState = iota
	networkActive
	gpsActive
)

func (p providerState) String() string {
	switch p {
	case networkActive:
		return location.NetworkProvider
	case gpsActive:
		return location.GPSProvider
	}
	return ""
}

// providerOrder is tried front to back; the first provider that registers wins.
var providerOrder = []struct {
	name  string
	state providerState
}{
	{location.NetworkProvider, networkActive},
	{location.GPSProvider, gpsActive},
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// time.Ticker drops ticks a slow receiver misses instead of bursting to
// catch up, which keeps the cursor moving one point per delivered tick.
func newTimeTicker(d time.Duration) ticker { return timeTicker{time.NewTicker(d)} }

// Outcome is how the last playback ended.
type Outcome int

const (
	OutcomeNone Outcome = iota // never started, or still running
	OutcomeFinished
	OutcomeFailed
	OutcomeStopped
)

// State is a snapshot of a simulator.
type State struct {
	Running      bool          `json:"running"`
	Index        int           `json:"index"`
	Total        int           `json:"total"`
	Provider     string        `json:"provider,omitempty"`
	TickInterval time.Duration `json:"tickInterval"`
}

type Simulator struct {
	route      geo.Route
	markerIcon string
	speedKmh   float64
	surface    Surface
	register   Registrar
	metrics    *mmetrics.Collector
	newTicker  func(time.Duration) ticker

	// sink belongs to the playback goroutine while running
	sink LocationSink

	mu       sync.Mutex
	provider providerState
	running  bool
	index    int
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	outcome  Outcome
	cause    error
}

func New(route geo.Route, markerIcon string, speedKmh float64, surface Surface, register Registrar, metrics *mmetrics.Collector) *Simulator {
	return &Simulator{
		route:      route.Clone(),
		markerIcon: markerIcon,
		speedKmh:   speedKmh,
		surface:    surface,
		register:   register,
		metrics:    metrics,
		newTicker:  newTimeTicker,
	}
}

// TickInterval spreads the time needed to cover the route's great-circle
// length at speedKmh evenly over its len(route)-1 steps. One interval serves
// the whole playback, so apparent speed is only uniform when the points are
// evenly spaced.
func TickInterval(route geo.Route, speedKmh float64) time.Duration {
	if len(route) < 2 || speedKmh <= 0 {
		return MinTickInterval
	}
	seconds := route.Length(geo.Haversine) / geo.KmhToMps(speedKmh)
	d := time.Duration(seconds / float64(len(route)-1) * float64(time.Second))
	if d < MinTickInterval {
		return MinTickInterval
	}
	return d
}

// Start registers a mock provider, places the position marker and begins
// playback: the first point is emitted immediately, then one point per tick
// interval. ctx bounds the whole playback. onFinish runs once on the playback
// goroutine when the last point has been emitted (nil) or a provider failure
// aborted playback (non-nil); it is not called after Stop.
//
// Validation and registration happen before any state changes, so a failed
// Start leaves the simulator and the surface untouched.
func (s *Simulator) Start(ctx context.Context, onFinish func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if len(s.route) < 2 {
		return fmt.Errorf("%w: need at least 2 points, got %d", ErrInvalidRoute, len(s.route))
	}
	if s.speedKmh <= 0 {
		return fmt.Errorf("%w: speed must be positive, got %v", ErrInvalidRoute, s.speedKmh)
	}
	sink, state, err := s.registerProvider(ctx)
	if err != nil {
		return err
	}

	interval := TickInterval(s.route, s.speedKmh)
	runCtx, cancel := context.WithCancel(ctx)
	s.sink, s.provider = sink, state
	s.running = true
	s.index = 0
	s.outcome, s.cause = OutcomeNone, nil
	s.interval = interval
	s.cancel = cancel
	s.done = make(chan struct{})
	s.surface.AddMarker(PositionMarkerID, s.markerIcon, s.route[0])

	if s.metrics != nil {
		s.metrics.SimulationsStarted.Inc()
		s.metrics.ActiveSimulation.Set(1)
		s.metrics.TickInterval.Set(interval.Seconds())
	}
	log.Printf("starting simulation: %d points, %.0fm at %.1f km/h, tick %s, provider %s",
		len(s.route), s.route.Length(geo.Haversine), s.speedKmh, interval, s.provider)

	go s.run(runCtx, s.newTicker(interval), s.done, onFinish)
	return nil
}

// Stop cancels playback and waits for an in-flight tick to complete. Safe to
// call when not running.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	cancel()
	<-done
}

func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Simulator) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Running:      s.running,
		Index:        s.index,
		Total:        len(s.route),
		Provider:     s.providerName(),
		TickInterval: s.interval,
	}
}

// Outcome reports how the last playback ended and, for OutcomeFailed, why.
// It is set before Running turns false.
func (s *Simulator) Outcome() (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, s.cause
}

// Route returns the route being played.
func (s *Simulator) Route() geo.Route { return s.route.Clone() }

func (s *Simulator) run(ctx context.Context, t ticker, done chan struct{}, onFinish func(error)) {
	var err error
	finished := false
	for {
		if ctx.Err() != nil {
			break
		}
		finished, err = s.tick(ctx)
		if finished || err != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-t.C():
		}
	}
	t.Stop()

	switch {
	case err != nil:
		log.Printf("simulation aborted at point %d/%d: %v", s.State().Index, len(s.route), err)
		s.teardown(OutcomeFailed, err, func(m *mmetrics.Collector) { m.SimulationsFailed.Inc() })
	case finished:
		log.Printf("simulation finished after %d points", len(s.route))
		s.teardown(OutcomeFinished, nil, func(m *mmetrics.Collector) { m.SimulationsFinished.Inc() })
	default:
		log.Printf("simulation stopped at point %d/%d", s.State().Index, len(s.route))
		s.teardown(OutcomeStopped, nil, func(m *mmetrics.Collector) { m.SimulationsStopped.Inc() })
	}
	close(done)

	if (finished || err != nil) && onFinish != nil {
		onFinish(err)
	}
}

// tick emits route[index] and advances the cursor. It reports whether the
// route is exhausted.
func (s *Simulator) tick(ctx context.Context) (bool, error) {
	start := time.Now()
	s.mu.Lock()
	idx := s.index
	s.mu.Unlock()
	p := s.route[idx]

	s.surface.MoveMarker(PositionMarkerID, p)
	s.surface.SetCenter(p)
	s.surface.AnimateTo(p)

	if s.sink == nil {
		sink, state, err := s.registerProvider(ctx)
		if err != nil {
			return false, err
		}
		s.setSink(sink, state)
	}
	if err := s.sink.PushLocation(ctx, p.Lat, p.Lon); err != nil {
		// drop the provider; the next tick registers again or fails the run
		log.Printf("push fix %d via %s: %v", idx, s.sink.Name(), err)
		if s.metrics != nil {
			s.metrics.PushErrors.Inc()
		}
		s.sink.Shutdown()
		s.setSink(nil, unregistered)
	} else if s.metrics != nil {
		s.metrics.FixesPushed.Inc()
	}
	s.surface.Invalidate()

	s.mu.Lock()
	s.index = idx + 1
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.Ticks.Inc()
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
	return idx+1 >= len(s.route), nil
}

// registerProvider moves the provider state machine out of unregistered:
// network is tried first, then gps. At most one provider is active.
func (s *Simulator) registerProvider(ctx context.Context) (LocationSink, providerState, error) {
	var errs []error
	for _, p := range providerOrder {
		sink, err := s.register(ctx, p.name)
		if s.metrics != nil {
			result := "ok"
			if err != nil {
				result = "error"
			}
			s.metrics.ProviderRegistrations.WithLabelValues(p.name, result).Inc()
		}
		if err == nil {
			return sink, p.state, nil
		}
		errs = append(errs, err)
	}
	return nil, unregistered, errors.Join(errs...)
}

// setSink runs on the playback goroutine. sink is only touched there once
// playback has started; provider is also read by State.
func (s *Simulator) setSink(sink LocationSink, state providerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
	s.provider = state
}

func (s *Simulator) providerName() string { return s.provider.String() }

func (s *Simulator) teardown(outcome Outcome, cause error, count func(*mmetrics.Collector)) {
	s.surface.RemoveMarker(PositionMarkerID)
	s.surface.Invalidate()
	if s.sink != nil {
		s.sink.Shutdown()
	}

	s.mu.Lock()
	s.sink = nil
	s.provider = unregistered
	s.running = false
	s.outcome, s.cause = outcome, cause
	s.cancel()
	s.mu.Unlock()

	if s.metrics != nil {
		count(s.metrics)
		s.metrics.ActiveSimulation.Set(0)
	}
}
