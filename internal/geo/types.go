package geo

import (
	"fmt"
	"strings"
)

// GeoPoint is a latitude/longitude pair in degrees.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (p GeoPoint) String() string { return fmt.Sprintf("(%.6f,%.6f)", p.Lat, p.Lon) }

// Route is an ordered polyline. Routes handed to the partitioner or the
// simulator are treated as read-only.
type Route []GeoPoint

// Clone returns a copy that does not share the backing array.
func (r Route) Clone() Route {
	out := make(Route, len(r))
	copy(out, r)
	return out
}

// TravelMode is a named speed profile.
type TravelMode int

const (
	Foot TravelMode = iota
	Bike
	Car
)

var travelModeSpeeds = map[TravelMode]float64{
	Foot: 5.0,
	Bike: 20.0,
	Car:  60.0,
}

// SpeedKmPerHour is the reference speed of the mode. Always > 0 for known modes.
func (m TravelMode) SpeedKmPerHour() float64 { return travelModeSpeeds[m] }

// MetersPerSecond converts the reference speed.
func (m TravelMode) MetersPerSecond() float64 { return KmhToMps(m.SpeedKmPerHour()) }

// Profile is the OSRM routing profile matching the mode.
func (m TravelMode) Profile() string {
	switch m {
	case Foot:
		return "foot"
	case Bike:
		return "bike"
	default:
		return "driving"
	}
}

func (m TravelMode) String() string {
	switch m {
	case Foot:
		return "FOOT"
	case Bike:
		return "BIKE"
	case Car:
		return "CAR"
	}
	return fmt.Sprintf("TravelMode(%d)", int(m))
}

// ParseTravelMode accepts FOOT, BIKE or CAR (case-insensitive).
func ParseTravelMode(s string) (TravelMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FOOT":
		return Foot, nil
	case "BIKE":
		return Bike, nil
	case "CAR":
		return Car, nil
	}
	return 0, fmt.Errorf("unknown travel mode %q", s)
}

// KmhToMps converts km/h to m/s.
func KmhToMps(kmh float64) float64 { return kmh / 3.6 }
