// Package routing fetches road geometry between user waypoints from an
// OSRM-compatible routing service.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/twpayne/go-polyline"

	"geoforge/internal/geo"
	mmetrics "geoforge/internal/metrics"
)

const (
	MinWaypoints = 2
	MaxWaypoints = 4
)

var (
	ErrRoutingFailure   = errors.New("routing failure")
	ErrInvalidWaypoints = errors.New("invalid waypoints")
)

// Road is a routed path through the waypoints.
type Road struct {
	Route     geo.Route `json:"route"`
	DistanceM float64   `json:"distanceMeters"`
	DurationS float64   `json:"durationSeconds"`
}

// Fetcher returns the road through waypoints for a travel mode.
type Fetcher interface {
	FetchRoute(ctx context.Context, waypoints []geo.GeoPoint, mode geo.TravelMode) (Road, error)
}

// Result is delivered by FetchAsync.
type Result struct {
	Road Road
	Err  error
}

// FetchAsync runs f in its own goroutine. The channel yields exactly one
// Result and is then closed.
func FetchAsync(ctx context.Context, f Fetcher, waypoints []geo.GeoPoint, mode geo.TravelMode) <-chan Result {
	out := make(chan Result, 1)
	wps := append([]geo.GeoPoint(nil), waypoints...)
	go func() {
		defer close(out)
		road, err := f.FetchRoute(ctx, wps, mode)
		out <- Result{Road: road, Err: err}
	}()
	return out
}

// ValidateWaypoints checks count and coordinate ranges.
func ValidateWaypoints(waypoints []geo.GeoPoint) error {
	if n := len(waypoints); n < MinWaypoints || n > MaxWaypoints {
		return fmt.Errorf("%w: need %d to %d waypoints, got %d", ErrInvalidWaypoints, MinWaypoints, MaxWaypoints, n)
	}
	for i, p := range waypoints {
		if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
			return fmt.Errorf("%w: waypoint %d out of range: %s", ErrInvalidWaypoints, i, p)
		}
	}
	return nil
}

// OSRMClient talks to the OSRM route service (/route/v1/{profile}/{coords}).
type OSRMClient struct {
	baseURL string
	http    *http.Client
	metrics *mmetrics.Collector
}

func NewOSRMClient(baseURL string, timeout time.Duration, metrics *mmetrics.Collector) *OSRMClient {
	return &OSRMClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		metrics: metrics,
	}
}

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Geometry string  `json:"geometry"`
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

func (c *OSRMClient) FetchRoute(ctx context.Context, waypoints []geo.GeoPoint, mode geo.TravelMode) (Road, error) {
	if err := ValidateWaypoints(waypoints); err != nil {
		return Road{}, err
	}
	road, err := c.fetch(ctx, waypoints, mode)
	if c.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		c.metrics.RouteFetches.WithLabelValues(result).Inc()
	}
	return road, err
}

func (c *OSRMClient) fetch(ctx context.Context, waypoints []geo.GeoPoint, mode geo.TravelMode) (Road, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.routeURL(waypoints, mode), nil)
	if err != nil {
		return Road{}, fmt.Errorf("%w: %v", ErrRoutingFailure, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return Road{}, fmt.Errorf("%w: request: %v", ErrRoutingFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Road{}, fmt.Errorf("%w: read response: %v", ErrRoutingFailure, err)
	}
	var r osrmResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return Road{}, fmt.Errorf("%w: status %d: decode response: %v", ErrRoutingFailure, resp.StatusCode, err)
	}
	if r.Code != "Ok" || len(r.Routes) == 0 {
		return Road{}, fmt.Errorf("%w: error when loading the road: %s %s", ErrRoutingFailure, r.Code, r.Message)
	}

	best := r.Routes[0]
	coords, _, err := polyline.DecodeCoords([]byte(best.Geometry))
	if err != nil {
		return Road{}, fmt.Errorf("%w: decode geometry: %v", ErrRoutingFailure, err)
	}
	if len(coords) < 2 {
		return Road{}, fmt.Errorf("%w: error when loading the road: %d point geometry", ErrRoutingFailure, len(coords))
	}
	route := make(geo.Route, len(coords))
	for i, ll := range coords {
		route[i] = geo.GeoPoint{Lat: ll[0], Lon: ll[1]}
	}
	return Road{Route: route, DistanceM: best.Distance, DurationS: best.Duration}, nil
}

func (c *OSRMClient) routeURL(waypoints []geo.GeoPoint, mode geo.TravelMode) string {
	parts := make([]string, len(waypoints))
	for i, p := range waypoints {
		parts[i] = strconv.FormatFloat(p.Lon, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lat, 'f', -1, 64)
	}
	q := url.Values{}
	q.Set("overview", "full")
	q.Set("geometries", "polyline")
	return fmt.Sprintf("%s/route/v1/%s/%s?%s", c.baseURL, mode.Profile(), strings.Join(parts, ";"), q.Encode())
}
