// Package partition densifies a route polyline into evenly ratio-spaced
// playback samples.
//
// Interpolation is planar in lat/lon space, not geodesic. That is close
// enough for the short legs a road router returns and drifts on long ones.
package partition

import (
	"errors"
	"fmt"

	"geoforge/internal/geo"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrDivisionByZero  = errors.New("division by zero")
)

// MaxPoints caps the length of a partitioned route.
const MaxPoints = 1 << 20

type Partitioner struct {
	mode   geo.TravelMode
	metric geo.DistanceMetric
}

func New(mode geo.TravelMode, metric geo.DistanceMetric) *Partitioner {
	if metric == nil {
		metric = geo.Haversine
	}
	return &Partitioner{mode: mode, metric: metric}
}

// Partition is the one-shot form of (*Partitioner).Partition.
func Partition(route geo.Route, segmentsPerLeg int, metric geo.DistanceMetric, mode geo.TravelMode) (geo.Route, error) {
	return New(mode, metric).Partition(route, segmentsPerLeg)
}

// Partition emits, for every leg (p[i], p[i+1]), the leg start followed by the
// interpolants at ratios j/(segmentsPerLeg-1) for j = 1..segmentsPerLeg-2,
// then the final route point once. The leg end (ratio 1) is never emitted by
// the leg itself; it is the next leg's start or the trailing point, so no
// vertex appears twice. Output length is (len(route)-1)*(segmentsPerLeg-1)+1.
//
// segmentsPerLeg == 1 yields the original vertices only. Outputs longer than
// MaxPoints are rejected with ErrInvalidArgument.
func (p *Partitioner) Partition(route geo.Route, segmentsPerLeg int) (geo.Route, error) {
	if segmentsPerLeg <= 0 {
		return nil, fmt.Errorf("%w: segments must be positive", ErrInvalidArgument)
	}
	if len(route) < 2 {
		return nil, fmt.Errorf("%w: route must have at least 2 points", ErrInvalidArgument)
	}

	subSegments := segmentsPerLeg - 1
	if subSegments == 0 {
		return route.Clone(), nil
	}
	legs := len(route) - 1
	if subSegments > (MaxPoints-1)/legs {
		return nil, fmt.Errorf("%w: %d legs at %d segments exceed %d points", ErrInvalidArgument, legs, segmentsPerLeg, MaxPoints)
	}

	out := make(geo.Route, 0, legs*subSegments+1)
	for i := 0; i < len(route)-1; i++ {
		start, end := route[i], route[i+1]
		out = append(out, start)
		for j := 1; j < subSegments; j++ {
			ratio := float64(j) / float64(subSegments)
			out = append(out, geo.GeoPoint{
				Lat: start.Lat + (end.Lat-start.Lat)*ratio,
				Lon: start.Lon + (end.Lon-start.Lon)*ratio,
			})
		}
	}
	out = append(out, route[len(route)-1])
	return out, nil
}

// Direction returns the direction from v1 to v2 normalized by the metric's
// distance. Identical points have no direction.
func (p *Partitioner) Direction(v1, v2 geo.GeoPoint) (dLat, dLon float64, err error) {
	dist := p.metric(v1, v2)
	if dist == 0 {
		return 0, 0, fmt.Errorf("%w: direction between identical points %s", ErrDivisionByZero, v1)
	}
	return (v2.Lat - v1.Lat) / dist, (v2.Lon - v1.Lon) / dist, nil
}

// LegTravelTime is the metric distance divided by the mode's speed in m/s.
// Seconds when the metric is in meters.
func (p *Partitioner) LegTravelTime(v1, v2 geo.GeoPoint) float64 {
	return p.metric(v1, v2) / p.mode.MetersPerSecond()
}

// TravelTime sums LegTravelTime over the route.
func (p *Partitioner) TravelTime(route geo.Route) float64 {
	total := 0.0
	for i := 0; i+1 < len(route); i++ {
		total += p.LegTravelTime(route[i], route[i+1])
	}
	return total
}
