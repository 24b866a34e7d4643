package partition

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoforge/internal/geo"
)

func TestPartition_SingleLeg(t *testing.T) {
	route := geo.Route{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 10}}
	got, err := Partition(route, 5, geo.Euclidean, geo.Car)
	require.NoError(t, err)
	assert.Equal(t, geo.Route{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 2.5}, {Lat: 0, Lon: 5}, {Lat: 0, Lon: 7.5}, {Lat: 0, Lon: 10}}, got)
}

func TestPartition_Errors(t *testing.T) {
	p := New(geo.Car, geo.Euclidean)
	routes := []geo.Route{nil, {}, {{Lat: 1, Lon: 1}}, {{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}}, {{Lat: 0, Lon: 0}, {Lat: 1, Lon: 1}, {Lat: 2, Lon: 0}}}
	for _, segments := range []int{0, -1, -25} {
		for _, r := range routes {
			_, err := p.Partition(r, segments)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidArgument))
			assert.Contains(t, err.Error(), "segments must be positive")
		}
	}
	for _, r := range routes[:3] {
		_, err := p.Partition(r, 5)
		require.ErrorIs(t, err, ErrInvalidArgument)
		assert.Contains(t, err.Error(), "at least 2 points")
	}
}

func TestPartition_SizeCap(t *testing.T) {
	route := geo.Route{{Lat: 0, Lon: 0}, {Lat: 1, Lon: 1}, {Lat: 2, Lon: 0}}
	legs := len(route) - 1
	atCap := (MaxPoints-1)/legs + 1

	for _, segments := range []int{math.MaxInt, math.MaxInt / 2, atCap + 1, MaxPoints * 4} {
		var err error
		require.NotPanics(t, func() { _, err = Partition(route, segments, geo.Euclidean, geo.Car) })
		require.ErrorIs(t, err, ErrInvalidArgument, "segments=%d", segments)
	}

	got, err := Partition(route, atCap, geo.Euclidean, geo.Car)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got), MaxPoints)
	assert.Equal(t, legs*(atCap-1)+1, len(got))
}

func TestPartition_OneSegmentKeepsVertices(t *testing.T) {
	route := geo.Route{{Lat: 0, Lon: 0}, {Lat: 1, Lon: 1}, {Lat: 2, Lon: 0}}
	got, err := Partition(route, 1, geo.Euclidean, geo.Foot)
	require.NoError(t, err)
	assert.Equal(t, route, got)
	got[0].Lat = 42
	assert.Equal(t, 0.0, route[0].Lat, "output must not alias the input")
}

func TestPartition_Properties(t *testing.T) {
	route := geo.Route{{Lat: 9.0108, Lon: 38.7613}, {Lat: 9.0150, Lon: 38.7700}, {Lat: 9.0200, Lon: 38.7650}, {Lat: 9.0300, Lon: 38.7800}}
	p := New(geo.Bike, geo.Euclidean)
	for segments := 2; segments <= 30; segments++ {
		got, err := p.Partition(route, segments)
		require.NoError(t, err)

		require.Len(t, got, (len(route)-1)*(segments-1)+1)
		assert.Equal(t, route[0], got[0])
		assert.Equal(t, route[len(route)-1], got[len(got)-1])
		assert.NotEqual(t, got[len(got)-2], got[len(got)-1], "last point must appear once")
		for i := 1; i < len(got); i++ {
			assert.NotEqual(t, got[i-1], got[i], "no consecutive duplicates (segments=%d, i=%d)", segments, i)
		}

		// every leg's samples are collinear and ordered along the leg
		per := segments - 1
		for leg := 0; leg < len(route)-1; leg++ {
			a, b := route[leg], route[leg+1]
			prevRatio := -1.0
			for k := 0; k < per; k++ {
				pt := got[leg*per+k]
				cross := (b.Lat-a.Lat)*(pt.Lon-a.Lon) - (b.Lon-a.Lon)*(pt.Lat-a.Lat)
				assert.InDelta(t, 0, cross, 1e-12)
				ratio := (pt.Lat - a.Lat) / (b.Lat - a.Lat)
				assert.Greater(t, ratio, prevRatio)
				assert.Less(t, ratio, 1.0)
				prevRatio = ratio
			}
		}
	}
}

func TestDirection(t *testing.T) {
	p := New(geo.Car, geo.Euclidean)
	dLat, dLon, err := p.Direction(geo.GeoPoint{Lat: 0, Lon: 0}, geo.GeoPoint{Lat: 3, Lon: 4})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, dLat, 1e-12)
	assert.InDelta(t, 0.8, dLon, 1e-12)
	assert.InDelta(t, 1.0, math.Hypot(dLat, dLon), 1e-12)
}

func TestDirection_IdenticalPoints(t *testing.T) {
	for _, metric := range []geo.DistanceMetric{geo.Euclidean, geo.Haversine} {
		p := New(geo.Car, metric)
		pt := geo.GeoPoint{Lat: 9.03, Lon: 38.74}
		dLat, dLon, err := p.Direction(pt, pt)
		require.ErrorIs(t, err, ErrDivisionByZero)
		assert.False(t, math.IsNaN(dLat) || math.IsNaN(dLon))
	}
}

func TestLegTravelTime(t *testing.T) {
	// 60 km/h over ~1112 m of latitude is ~66.7 s
	p := New(geo.Car, geo.Haversine)
	secs := p.LegTravelTime(geo.GeoPoint{Lat: 0, Lon: 0}, geo.GeoPoint{Lat: 0.01, Lon: 0})
	assert.InDelta(t, 66.7, secs, 0.2)
	assert.InDelta(t, 2*secs, p.TravelTime(geo.Route{{Lat: 0, Lon: 0}, {Lat: 0.01, Lon: 0}, {Lat: 0.02, Lon: 0}}), 1e-6)
}
