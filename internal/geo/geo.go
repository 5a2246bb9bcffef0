// Package geo holds the stateless geometry used by filter matching:
// great-circle distance, point-in-polygon and IV percentage.
package geo

import "math"

// EarthRadius is the mean earth radius in metres.
const EarthRadius = 6371000.0

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// PointFrom returns a point when both coordinates are present.
func PointFrom(lat, lon *float64) *Point {
	if lat == nil || lon == nil {
		return nil
	}
	return &Point{Lat: *lat, Lon: *lon}
}

// Polygon is a simple closed ring. Repeating the first vertex at the end is optional.
type Polygon []Point

// Distance returns the haversine distance between a and b in metres.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadius * math.Asin(math.Sqrt(h))
}

// IsNearby reports whether a and b are at most radius metres apart.
// A missing point or a negative radius never matches.
func IsNearby(a, b *Point, radius float64) bool {
	if a == nil || b == nil || radius < 0 || math.IsNaN(radius) {
		return false
	}
	return Distance(*a, *b) <= radius
}

// InPolygon is the even-odd ray casting test. Points exactly on an edge may
// land on either side.
func InPolygon(p Point, poly Polygon) bool {
	n := len(poly)
	if n > 1 && poly[0] == poly[n-1] {
		n--
	}
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		pi, pj := poly[i], poly[j]
		if (pi.Lat > p.Lat) != (pj.Lat > p.Lat) {
			x := (pj.Lon-pi.Lon)*(p.Lat-pi.Lat)/(pj.Lat-pi.Lat) + pi.Lon
			if p.Lon < x {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// CalculateIV returns the IV percentage of three stats in [0,15].
// Callers are expected to pass valid stats; nothing is clamped here.
func CalculateIV(attack, defense, stamina int) float64 {
	return float64(attack+defense+stamina) / 45.0 * 100.0
}
