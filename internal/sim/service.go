package sim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"geoforge/internal/db"
	"geoforge/internal/geo"
	mmetrics "geoforge/internal/metrics"
)

// StartCommand asks the service to play a route. Starting while a playback is
// running stops that playback first.
type StartCommand struct {
	Route      geo.Route `json:"route"`
	MarkerIcon string    `json:"markerIcon"`
	SpeedKmh   float64   `json:"speedKmh"`
}

// StopCommand stops the current playback, if any.
type StopCommand struct{}

const (
	StartMarkerID = "start"
	EndMarkerID   = "end"

	DefaultMarkerIcon = "position"
)

var ErrServiceClosed = errors.New("simulation service closed")

// Notifier receives lifecycle events: started, finished, stopped, failed.
type Notifier interface {
	Notify(event string, payload any)
}

// RunRecorder persists playback history.
type RunRecorder interface {
	RunStarted(ctx context.Context, r db.Run) error
	RunEnded(ctx context.Context, id string, status db.RunStatus, played int, cause string, endedAt time.Time) error
}

// Status is a snapshot of the service.
type Status struct {
	State          string `json:"state"` // idle|running
	RunID          string `json:"runId,omitempty"`
	Index          int    `json:"index"`
	Total          int    `json:"total"`
	Provider       string `json:"provider,omitempty"`
	TickIntervalMs int64  `json:"tickIntervalMs"`
	LastError      string `json:"lastError,omitempty"`
}

// Service hosts at most one Simulator and keeps it alive independently of
// any client connection. Commands are processed one at a time by Run.
type Service struct {
	surface  Surface
	register Registrar
	notifier Notifier
	recorder RunRecorder
	metrics  *mmetrics.Collector

	requests chan request
	finished chan finishEvent
	quit     chan struct{}

	// current is owned by the Run goroutine
	current *playback

	mu      sync.Mutex
	shown   *playback
	last    *playback
	planned geo.Route
	lastErr string
}

type playback struct {
	id    string
	sim   *Simulator
	ended bool
}

type request struct {
	cmd   any
	reply chan error
}

type finishEvent struct {
	pb  *playback
	err error
}

// NewService wires a service; notifier, recorder and metrics may be nil.
func NewService(surface Surface, register Registrar, notifier Notifier, recorder RunRecorder, metrics *mmetrics.Collector) *Service {
	return &Service{
		surface:  surface,
		register: register,
		notifier: notifier,
		recorder: recorder,
		metrics:  metrics,
		requests: make(chan request),
		finished: make(chan finishEvent, 1),
		quit:     make(chan struct{}),
	}
}

// Run processes commands until ctx is cancelled, then stops any playback.
func (s *Service) Run(ctx context.Context) {
	defer close(s.quit)
	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			return
		case req := <-s.requests:
			req.reply <- s.handle(ctx, req.cmd)
		case ev := <-s.finished:
			status, cause := db.RunFinished, ""
			if ev.err != nil {
				status, cause = db.RunFailed, ev.err.Error()
			}
			s.endRun(ev.pb, status, cause)
		}
	}
}

// Send delivers a StartCommand or StopCommand and waits for it to be applied.
func (s *Service) Send(ctx context.Context, cmd any) error {
	switch cmd.(type) {
	case StartCommand, StopCommand:
	default:
		return fmt.Errorf("unknown command %T", cmd)
	}
	req := request{cmd: cmd, reply: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-s.quit:
		return ErrServiceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: "idle", LastError: s.lastErr}
	pb := s.shown
	if pb == nil {
		pb = s.last
	}
	if pb == nil {
		return st
	}
	ss := pb.sim.State()
	st.RunID = pb.id
	st.Index = ss.Index
	st.Total = ss.Total
	st.Provider = ss.Provider
	st.TickIntervalMs = ss.TickInterval.Milliseconds()
	if s.shown != nil && ss.Running {
		st.State = "running"
	}
	return st
}

// PlannedRoute returns the route of the most recent playback, nil if none.
func (s *Service) PlannedRoute() geo.Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.planned == nil {
		return nil
	}
	return s.planned.Clone()
}

func (s *Service) handle(ctx context.Context, cmd any) error {
	switch c := cmd.(type) {
	case StartCommand:
		return s.start(ctx, c)
	case StopCommand:
		s.stopCurrent()
	}
	return nil
}

func (s *Service) start(ctx context.Context, cmd StartCommand) error {
	if len(cmd.Route) < 2 {
		return fmt.Errorf("%w: need at least 2 points, got %d", ErrInvalidRoute, len(cmd.Route))
	}
	if cmd.SpeedKmh <= 0 {
		return fmt.Errorf("%w: speed must be positive, got %v", ErrInvalidRoute, cmd.SpeedKmh)
	}
	icon := cmd.MarkerIcon
	if icon == "" {
		icon = DefaultMarkerIcon
	}

	// the previous playback holds the provider names; release them first
	s.stopCurrent()

	sim := New(cmd.Route, icon, cmd.SpeedKmh, s.surface, s.register, s.metrics)
	pb := &playback{id: uuid.NewString(), sim: sim}
	err := sim.Start(ctx, func(err error) {
		select {
		case s.finished <- finishEvent{pb: pb, err: err}:
		case <-s.quit:
		}
	})
	if err != nil {
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()
		return err
	}

	route := sim.Route()
	s.surface.AddMarker(StartMarkerID, StartMarkerID, route[0])
	s.surface.AddMarker(EndMarkerID, EndMarkerID, route[len(route)-1])
	s.surface.Invalidate()

	s.current = pb
	s.mu.Lock()
	s.shown = pb
	s.planned = route
	s.lastErr = ""
	s.mu.Unlock()

	st := sim.State()
	log.Printf("run %s started: %d points via %s", pb.id, st.Total, st.Provider)
	s.record(func(ctx context.Context) error {
		return s.recorder.RunStarted(ctx, db.Run{
			ID:        pb.id,
			Points:    st.Total,
			LengthM:   route.Length(geo.Haversine),
			SpeedKmh:  cmd.SpeedKmh,
			Provider:  st.Provider,
			Status:    db.RunRunning,
			StartedAt: time.Now().UTC(),
		})
	})
	s.notify("started", s.Status())
	return nil
}

func (s *Service) stopCurrent() {
	pb := s.current
	if pb == nil || pb.ended {
		return
	}
	pb.sim.Stop()
	// the playback may have ended on its own while its finish event is
	// still queued behind this command
	status, cause := db.RunStopped, ""
	switch outcome, err := pb.sim.Outcome(); outcome {
	case OutcomeFinished:
		status = db.RunFinished
	case OutcomeFailed:
		status = db.RunFailed
		if err != nil {
			cause = err.Error()
		}
	}
	s.endRun(pb, status, cause)
}

// endRun records the terminal status of pb once. Later calls for the same
// playback, such as its queued finish event, are ignored.
func (s *Service) endRun(pb *playback, status db.RunStatus, cause string) {
	if pb.ended {
		return
	}
	pb.ended = true
	played := pb.sim.State().Index

	if pb == s.current {
		s.surface.RemoveMarker(StartMarkerID)
		s.surface.RemoveMarker(EndMarkerID)
		s.surface.Invalidate()
		s.current = nil
	}
	s.mu.Lock()
	if s.shown == pb {
		s.shown = nil
	}
	s.last = pb
	if cause != "" {
		s.lastErr = cause
	}
	s.mu.Unlock()

	log.Printf("run %s %s after %d points", pb.id, status, played)
	s.record(func(ctx context.Context) error {
		return s.recorder.RunEnded(ctx, pb.id, status, played, cause, time.Now().UTC())
	})
	s.notify(string(status), map[string]any{"runId": pb.id, "played": played, "error": cause})
}

func (s *Service) record(fn func(ctx context.Context) error) {
	if s.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Printf("record run: %v", err)
	}
}

func (s *Service) notify(event string, payload any) {
	if s.notifier != nil {
		s.notifier.Notify(event, payload)
	}
}
