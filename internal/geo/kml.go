package geo

import (
	"io"

	"github.com/twpayne/go-kml/v2"
)

// WriteKML writes the route as a single LineString placemark, with start and
// end point placemarks.
func WriteKML(w io.Writer, name string, r Route) error {
	coords := make([]kml.Coordinate, 0, len(r))
	for _, p := range r {
		coords = append(coords, kml.Coordinate{Lon: p.Lon, Lat: p.Lat})
	}
	children := []kml.Element{
		kml.Name(name),
		kml.Placemark(
			kml.Name(name),
			kml.LineString(
				kml.Tessellate(true),
				kml.Coordinates(coords...),
			),
		),
	}
	if len(r) > 0 {
		first, last := r[0], r[len(r)-1]
		children = append(children,
			kml.Placemark(kml.Name("Start point"), kml.Point(kml.Coordinates(kml.Coordinate{Lon: first.Lon, Lat: first.Lat}))),
			kml.Placemark(kml.Name("End point"), kml.Point(kml.Coordinates(kml.Coordinate{Lon: last.Lon, Lat: last.Lat}))),
		)
	}
	return kml.KML(kml.Document(children...)).WriteIndent(w, "", "  ")
}
