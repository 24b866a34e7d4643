package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoforge/internal/geo"
	"geoforge/internal/location"
)

type recordingSurface struct {
	mu      sync.Mutex
	markers map[string]geo.GeoPoint
	center  geo.GeoPoint
	events  []string
	redraws int
}

func newRecordingSurface() *recordingSurface {
	return &recordingSurface{markers: make(map[string]geo.GeoPoint)}
}

func (r *recordingSurface) AddMarker(id, icon string, at geo.GeoPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markers[id] = at
	r.events = append(r.events, "add:"+id+":"+icon)
}

func (r *recordingSurface) MoveMarker(id string, at geo.GeoPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markers[id] = at
}

func (r *recordingSurface) RemoveMarker(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.markers, id)
	r.events = append(r.events, "remove:"+id)
}

func (r *recordingSurface) SetCenter(at geo.GeoPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.center = at
}

func (r *recordingSurface) AnimateTo(at geo.GeoPoint) {}

func (r *recordingSurface) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redraws++
}

func (r *recordingSurface) hasMarker(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.markers[id]
	return ok
}

func (r *recordingSurface) eventLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type recordingSink struct {
	name string

	mu       sync.Mutex
	fixes    []geo.GeoPoint
	pushErr  error
	shutdown int
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) PushLocation(_ context.Context, lat, lon float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pushErr != nil {
		return s.pushErr
	}
	s.fixes = append(s.fixes, geo.GeoPoint{Lat: lat, Lon: lon})
	return nil
}

func (s *recordingSink) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown++
}

func (s *recordingSink) pushed() []geo.GeoPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]geo.GeoPoint(nil), s.fixes...)
}

func (s *recordingSink) shutdowns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// fakeRegistrar hands out sinks per provider and fails providers listed in fail.
type fakeRegistrar struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
	sinks map[string]*recordingSink
}

func newFakeRegistrar(fail ...string) *fakeRegistrar {
	r := &fakeRegistrar{fail: make(map[string]bool), sinks: make(map[string]*recordingSink)}
	for _, f := range fail {
		r.fail[f] = true
	}
	return r
}

func (r *fakeRegistrar) register(_ context.Context, provider string) (LocationSink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, provider)
	if r.fail[provider] {
		return nil, fmt.Errorf("%w: %s", location.ErrMockProviderUnavailable, provider)
	}
	s := &recordingSink{name: provider}
	r.sinks[provider] = s
	return s, nil
}

func (r *fakeRegistrar) failAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[location.NetworkProvider] = true
	r.fail[location.GPSProvider] = true
}

func (r *fakeRegistrar) sink(provider string) *recordingSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sinks[provider]
}

type manualTicker struct {
	ch chan time.Time

	mu       sync.Mutex
	interval time.Duration
	stopped  bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *manualTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func newManual(s *Simulator) *manualTicker {
	tk := &manualTicker{ch: make(chan time.Time)}
	s.newTicker = func(d time.Duration) ticker {
		tk.mu.Lock()
		tk.interval = d
		tk.mu.Unlock()
		return tk
	}
	return tk
}

// meridianRoute returns n points due north of the origin whose great-circle
// length is totalM meters.
func meridianRoute(n int, totalM float64) geo.Route {
	stepDeg := totalM / float64(n-1) / 6371000.0 * 180 / 3.141592653589793
	r := make(geo.Route, n)
	for i := range r {
		r[i] = geo.GeoPoint{Lat: float64(i) * stepDeg, Lon: 38.76}
	}
	return r
}

func TestTickInterval(t *testing.T) {
	// 101 points, 1000 m at 36 km/h (10 m/s): 100 s over 100 steps
	got := TickInterval(meridianRoute(101, 1000), 36)
	assert.InDelta(t, float64(time.Second), float64(got), float64(time.Millisecond))

	assert.Equal(t, MinTickInterval, TickInterval(geo.Route{{Lat: 1, Lon: 1}, {Lat: 1, Lon: 1}}, 36))
	assert.Equal(t, MinTickInterval, TickInterval(geo.Route{{Lat: 1, Lon: 1}}, 36))
	assert.Equal(t, MinTickInterval, TickInterval(meridianRoute(3, 10), 0))
}

func TestStart_FirstTickIsImmediate(t *testing.T) {
	surface := newRecordingSurface()
	reg := newFakeRegistrar()
	route := meridianRoute(5, 100)
	s := New(route, "car", 36, surface, reg.register, nil)
	tk := newManual(s)

	require.NoError(t, s.Start(context.Background(), nil))
	defer s.Stop()

	require.Eventually(t, func() bool { return s.State().Index == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []geo.GeoPoint{route[0]}, reg.sink(location.NetworkProvider).pushed())
	assert.True(t, surface.hasMarker(PositionMarkerID))
	assert.Equal(t, []string{"add:position:car"}, surface.eventLog())
	assert.Equal(t, location.NetworkProvider, s.State().Provider)
	assert.Equal(t, TickInterval(route, 36), tk.interval)
	assert.Equal(t, []string{location.NetworkProvider}, reg.calls, "exactly one provider is registered")
}

func TestStop_AfterThreeTicks(t *testing.T) {
	surface := newRecordingSurface()
	reg := newFakeRegistrar()
	route := meridianRoute(101, 1000)
	s := New(route, "car", 36, surface, reg.register, nil)
	tk := newManual(s)

	finished := make(chan error, 1)
	require.NoError(t, s.Start(context.Background(), func(err error) { finished <- err }))
	assert.InDelta(t, float64(time.Second), float64(s.State().TickInterval), float64(time.Millisecond))

	tk.ch <- time.Now()
	tk.ch <- time.Now()
	require.Eventually(t, func() bool { return s.State().Index == 3 }, time.Second, time.Millisecond)

	s.Stop()

	st := s.State()
	assert.False(t, st.Running)
	assert.Equal(t, 3, st.Index)
	assert.Empty(t, st.Provider)
	assert.False(t, surface.hasMarker(PositionMarkerID))
	assert.True(t, tk.isStopped())
	outcome, cause := s.Outcome()
	assert.Equal(t, OutcomeStopped, outcome)
	assert.NoError(t, cause)

	sink := reg.sink(location.NetworkProvider)
	assert.Equal(t, []geo.GeoPoint{route[0], route[1], route[2]}, sink.pushed())
	assert.Equal(t, 1, sink.shutdowns())

	select {
	case tk.ch <- time.Now():
		t.Fatal("tick delivered after Stop")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 3, s.State().Index)

	select {
	case <-finished:
		t.Fatal("onFinish must not run after Stop")
	default:
	}
}

func TestStop_WhenNotRunningIsNoop(t *testing.T) {
	surface := newRecordingSurface()
	s := New(meridianRoute(3, 10), "car", 36, surface, newFakeRegistrar().register, nil)
	assert.NotPanics(t, s.Stop)
	assert.NotPanics(t, s.Stop)
	assert.Equal(t, State{Total: 3}, s.State())
	assert.Empty(t, surface.eventLog())
}

func TestRun_FinishesAtEndOfRoute(t *testing.T) {
	surface := newRecordingSurface()
	reg := newFakeRegistrar()
	route := meridianRoute(3, 100)
	s := New(route, "car", 36, surface, reg.register, nil)
	tk := newManual(s)

	finished := make(chan error, 1)
	require.NoError(t, s.Start(context.Background(), func(err error) {
		assert.False(t, s.Running(), "not running by the time onFinish runs")
		finished <- err
	}))
	tk.ch <- time.Now()
	tk.ch <- time.Now()

	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("onFinish not called")
	}
	assert.Equal(t, 3, s.State().Index)
	assert.True(t, tk.isStopped())
	assert.False(t, surface.hasMarker(PositionMarkerID))
	sink := reg.sink(location.NetworkProvider)
	assert.Equal(t, []geo.GeoPoint(route), sink.pushed())
	assert.Equal(t, 1, sink.shutdowns())

	// a late Stop does not rewrite how the playback ended
	s.Stop()
	outcome, _ := s.Outcome()
	assert.Equal(t, OutcomeFinished, outcome)

	// restartable once finished
	tk2 := newManual(s)
	require.NoError(t, s.Start(context.Background(), nil))
	outcome, _ = s.Outcome()
	assert.Equal(t, OutcomeNone, outcome)
	s.Stop()
	assert.True(t, tk2.isStopped())
	outcome, _ = s.Outcome()
	assert.Equal(t, OutcomeStopped, outcome)
}

func TestStart_AlreadyRunning(t *testing.T) {
	s := New(meridianRoute(3, 10), "car", 36, newRecordingSurface(), newFakeRegistrar().register, nil)
	newManual(s)
	require.NoError(t, s.Start(context.Background(), nil))
	defer s.Stop()
	require.ErrorIs(t, s.Start(context.Background(), nil), ErrAlreadyRunning)
}

func TestStart_InvalidRoute(t *testing.T) {
	surface := newRecordingSurface()
	reg := newFakeRegistrar()

	s := New(geo.Route{{Lat: 1, Lon: 1}}, "car", 36, surface, reg.register, nil)
	require.ErrorIs(t, s.Start(context.Background(), nil), ErrInvalidRoute)

	s = New(meridianRoute(3, 10), "car", 0, surface, reg.register, nil)
	require.ErrorIs(t, s.Start(context.Background(), nil), ErrInvalidRoute)

	assert.Empty(t, reg.calls)
	assert.Empty(t, surface.eventLog())
}

func TestStart_FallsBackToGPS(t *testing.T) {
	reg := newFakeRegistrar(location.NetworkProvider)
	s := New(meridianRoute(3, 10), "car", 36, newRecordingSurface(), reg.register, nil)
	newManual(s)
	require.NoError(t, s.Start(context.Background(), nil))
	defer s.Stop()

	assert.Equal(t, location.GPSProvider, s.State().Provider)
	assert.Equal(t, []string{location.NetworkProvider, location.GPSProvider}, reg.calls)
	require.Eventually(t, func() bool { return len(reg.sink(location.GPSProvider).pushed()) == 1 }, time.Second, time.Millisecond)
}

func TestStart_RegistrationExhaustedLeavesNoState(t *testing.T) {
	surface := newRecordingSurface()
	reg := newFakeRegistrar(location.NetworkProvider, location.GPSProvider)
	s := New(meridianRoute(3, 10), "car", 36, surface, reg.register, nil)

	err := s.Start(context.Background(), nil)
	require.ErrorIs(t, err, location.ErrMockProviderUnavailable)
	assert.False(t, s.Running())
	assert.Empty(t, surface.eventLog())
}

func TestRun_PushFailureThenRegistrationFailureAborts(t *testing.T) {
	surface := newRecordingSurface()
	reg := newFakeRegistrar()
	s := New(meridianRoute(5, 100), "car", 36, surface, reg.register, nil)
	tk := newManual(s)

	finished := make(chan error, 1)
	require.NoError(t, s.Start(context.Background(), func(err error) { finished <- err }))
	require.Eventually(t, func() bool { return s.State().Index == 1 }, time.Second, time.Millisecond)

	// the provider disappears underneath us and cannot be registered again
	sink := reg.sink(location.NetworkProvider)
	sink.mu.Lock()
	sink.pushErr = errors.New("provider \"network\" is not a test provider")
	sink.mu.Unlock()
	reg.failAll()

	tk.ch <- time.Now() // push fails, provider dropped
	tk.ch <- time.Now() // re-registration fails

	select {
	case err := <-finished:
		require.ErrorIs(t, err, location.ErrMockProviderUnavailable)
	case <-time.After(time.Second):
		t.Fatal("playback not aborted")
	}
	assert.False(t, s.Running())
	assert.False(t, surface.hasMarker(PositionMarkerID))
	assert.True(t, tk.isStopped())
	assert.Equal(t, 2, s.State().Index)
	assert.Equal(t, 1, sink.shutdowns())
	outcome, cause := s.Outcome()
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, cause, location.ErrMockProviderUnavailable)
}

func TestRun_RealTicker(t *testing.T) {
	reg := newFakeRegistrar()
	// tiny route at high speed runs at MinTickInterval
	s := New(geo.Route{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 0.00001}, {Lat: 0, Lon: 0.00002}, {Lat: 0, Lon: 0.00003}}, "car", 1000, newRecordingSurface(), reg.register, nil)
	finished := make(chan error, 1)
	require.NoError(t, s.Start(context.Background(), func(err error) { finished <- err }))
	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not finish")
	}
	assert.Len(t, reg.sink(location.NetworkProvider).pushed(), 4)
}

func TestRun_ParentContextCancelStops(t *testing.T) {
	surface := newRecordingSurface()
	s := New(meridianRoute(10, 100), "car", 36, surface, newFakeRegistrar().register, nil)
	tk := newManual(s)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, nil))
	cancel()
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)
	assert.True(t, tk.isStopped())
	assert.False(t, surface.hasMarker(PositionMarkerID))
}
