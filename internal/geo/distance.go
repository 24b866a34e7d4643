package geo

import "math"

const earthRadiusM = 6371000.0

// DistanceMetric returns a scalar distance between two points. Units depend on
// the metric: Haversine is meters, Euclidean is degrees.
type DistanceMetric func(a, b GeoPoint) float64

// Haversine is the great-circle distance in meters.
func Haversine(a, b GeoPoint) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

// Euclidean is the planar distance in lat/lon degree space. Cheap, only
// meaningful for comparing short legs.
func Euclidean(a, b GeoPoint) float64 {
	return math.Hypot(a.Lat-b.Lat, a.Lon-b.Lon)
}

// Length sums consecutive-pair distances along the route.
func (r Route) Length(metric DistanceMetric) float64 {
	total := 0.0
	for i := 0; i+1 < len(r); i++ {
		total += metric(r[i], r[i+1])
	}
	return total
}

// BearingDeg is the initial great-circle bearing from a to b in [0, 360).
func BearingDeg(a, b GeoPoint) float64 {
	y := math.Sin((b.Lon-a.Lon)*math.Pi/180.0) * math.Cos(b.Lat*math.Pi/180.0)
	x := math.Cos(a.Lat*math.Pi/180.0)*math.Sin(b.Lat*math.Pi/180.0) - math.Sin(a.Lat*math.Pi/180.0)*math.Cos(b.Lat*math.Pi/180.0)*math.Cos((b.Lon-a.Lon)*math.Pi/180.0)
	brng := math.Atan2(y, x) * 180.0 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}
