// Package api is the HTTP control surface of the daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"geoforge/internal/db"
	"geoforge/internal/geo"
	"geoforge/internal/location"
	"geoforge/internal/partition"
	"geoforge/internal/routing"
	"geoforge/internal/sim"
)

// Controller drives playback; *sim.Service implements it.
type Controller interface {
	Send(ctx context.Context, cmd any) error
	Status() sim.Status
	PlannedRoute() geo.Route
}

// RunLister reads playback history; *db.Store implements it.
type RunLister interface {
	RecentRuns(ctx context.Context, limit int) ([]db.Run, error)
}

// Defaults fill in what a start request leaves out.
type Defaults struct {
	Mode           geo.TravelMode
	SegmentsPerLeg int
	SpeedKmh       float64 // 0 means the travel mode's speed
}

type Handler struct {
	ctrl     Controller
	router   routing.Fetcher
	runs     RunLister
	overlay  http.Handler
	defaults Defaults
}

// NewHandler wires the API; runs and overlay may be nil.
func NewHandler(ctrl Controller, router routing.Fetcher, runs RunLister, overlay http.Handler, defaults Defaults) *Handler {
	return &Handler{ctrl: ctrl, router: router, runs: runs, overlay: overlay, defaults: defaults}
}

func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	if h.overlay != nil {
		r.Handle("/ws", h.overlay).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(recoverer, requestLogger)
	api.HandleFunc("/simulations", h.startSimulation).Methods(http.MethodPost)
	api.HandleFunc("/simulations/stop", h.stopSimulation).Methods(http.MethodPost)
	api.HandleFunc("/simulations", h.simulationStatus).Methods(http.MethodGet)
	api.HandleFunc("/route.kml", h.routeKML).Methods(http.MethodGet)
	api.HandleFunc("/runs", h.recentRuns).Methods(http.MethodGet)
	return r
}

type startRequest struct {
	Waypoints  []geo.GeoPoint `json:"waypoints"`
	Mode       string         `json:"mode,omitempty"`
	Segments   *int           `json:"segments,omitempty"`
	SpeedKmh   *float64       `json:"speedKmh,omitempty"`
	MarkerIcon string         `json:"markerIcon,omitempty"`
}

type routeSummary struct {
	Waypoints int     `json:"waypoints"`
	RawPoints int     `json:"rawPoints"`
	Points    int     `json:"points"`
	DistanceM float64 `json:"distanceMeters"`
	DurationS float64 `json:"durationSeconds"`
	Mode      string  `json:"mode"`
	SpeedKmh  float64 `json:"speedKmh"`
}

type startResponse struct {
	Status sim.Status   `json:"status"`
	Route  routeSummary `json:"route"`
}

// startSimulation handles POST /api/simulations: route the waypoints,
// partition the road and hand it to the simulation service.
func (h *Handler) startSimulation(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_json", "invalid JSON body"))
		return
	}
	if err := routing.ValidateWaypoints(body.Waypoints); err != nil {
		writeError(w, err)
		return
	}
	mode := h.defaults.Mode
	if body.Mode != "" {
		m, err := geo.ParseTravelMode(body.Mode)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid_argument", err.Error()))
			return
		}
		mode = m
	}
	segments := h.defaults.SegmentsPerLeg
	if body.Segments != nil {
		segments = *body.Segments
	}
	speed := h.defaults.SpeedKmh
	if body.SpeedKmh != nil {
		speed = *body.SpeedKmh
	}
	if speed == 0 {
		speed = mode.SpeedKmPerHour()
	}
	if speed < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_argument", "speedKmh must be positive"))
		return
	}

	var res routing.Result
	select {
	case res = <-routing.FetchAsync(r.Context(), h.router, body.Waypoints, mode):
	case <-r.Context().Done():
		writeError(w, r.Context().Err())
		return
	}
	if res.Err != nil {
		log.Printf("fetch route: %v", res.Err)
		writeError(w, res.Err)
		return
	}

	points, err := partition.New(mode, geo.Euclidean).Partition(res.Road.Route, segments)
	if err != nil {
		writeError(w, err)
		return
	}
	icon := body.MarkerIcon
	if icon == "" {
		icon = strings.ToLower(mode.String())
	}
	if err := h.ctrl.Send(r.Context(), sim.StartCommand{Route: points, MarkerIcon: icon, SpeedKmh: speed}); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, startResponse{
		Status: h.ctrl.Status(),
		Route: routeSummary{
			Waypoints: len(body.Waypoints),
			RawPoints: len(res.Road.Route),
			Points:    len(points),
			DistanceM: res.Road.DistanceM,
			DurationS: res.Road.DurationS,
			Mode:      mode.String(),
			SpeedKmh:  speed,
		},
	})
}

func (h *Handler) stopSimulation(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Send(r.Context(), sim.StopCommand{}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

func (h *Handler) simulationStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

func (h *Handler) routeKML(w http.ResponseWriter, r *http.Request) {
	route := h.ctrl.PlannedRoute()
	if len(route) == 0 {
		writeJSON(w, http.StatusNotFound, errorBody("not_found", "no route has been planned"))
		return
	}
	w.Header().Set("Content-Type", "application/vnd.google-earth.kml+xml")
	w.Header().Set("Content-Disposition", `attachment; filename="route.kml"`)
	if err := geo.WriteKML(w, "geoforge route", route); err != nil {
		log.Printf("write kml: %v", err)
	}
}

func (h *Handler) recentRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeJSON(w, http.StatusNotFound, errorBody("not_found", "run history is not configured"))
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid_argument", "limit must be a positive integer"))
			return
		}
		limit = n
	}
	runs, err := h.runs.RecentRuns(r.Context(), limit)
	if err != nil {
		log.Printf("[handler] recent runs: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal_error", "could not load runs"))
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "simulation": h.ctrl.Status().State})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, partition.ErrInvalidArgument),
		errors.Is(err, routing.ErrInvalidWaypoints),
		errors.Is(err, sim.ErrInvalidRoute):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, routing.ErrRoutingFailure):
		return http.StatusBadGateway, "routing_failure"
	case errors.Is(err, location.ErrMockProviderUnavailable):
		return http.StatusServiceUnavailable, "mock_provider_unavailable"
	case errors.Is(err, sim.ErrAlreadyRunning):
		return http.StatusConflict, "already_running"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, sim.ErrServiceClosed), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[handler] %v", err)
	}
	writeJSON(w, status, errorBody(code, err.Error()))
}

func errorBody(code, msg string) map[string]string {
	return map[string]string{"error": code, "message": msg}
}

// writeJSON is a helper that writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
