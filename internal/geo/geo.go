// Package geo implements the point-containment math used to post-filter
// query results for geo-shape predicates, which the storage engine cannot
// execute natively.
package geo

import (
	"math"

	"github.com/hyperengineering/syncstore/internal/types"
)

const earthRadiusMeters = 6371000.0

// Distance returns the geodesic distance in meters between two points,
// using the haversine formula.
func Distance(a, b types.GeoPoint) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// InCircle reports whether p lies within radius meters of center.
func InCircle(p, center types.GeoPoint, radius float64) bool {
	return Distance(p, center) <= radius
}

// InPolygon reports whether p lies inside the polygon using ray casting
// over (latitude, longitude) treated as planar coordinates, matching the
// original post-filter semantics. A closing point equal to the first is
// ignored.
func InPolygon(p types.GeoPoint, points []types.GeoPoint) bool {
	if len(points) >= 2 && points[0] == points[len(points)-1] {
		points = points[:len(points)-1]
	}
	if len(points) < 3 {
		return false
	}

	inside := false
	j := len(points) - 1
	for i := 0; i < len(points); i++ {
		xi, yi := points[i].Latitude, points[i].Longitude
		xj, yj := points[j].Latitude, points[j].Longitude
		if (yi > p.Longitude) != (yj > p.Longitude) &&
			p.Latitude < (xj-xi)*(p.Longitude-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}
