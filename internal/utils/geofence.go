package utils

import (
	"math"

	apperrors "pindrop-sync/internal/errors"
	"pindrop-sync/internal/models"
)

const (
	// EarthRadiusMeters is the IUGG mean Earth radius.
	EarthRadiusMeters = 6371008.8

	// MaxDropDistanceMeters is the geofence radius: 200 feet, rounded to 61 m.
	MaxDropDistanceMeters = 61.0
)

// Distance returns the great-circle distance in meters between a and b
// using the haversine formula.
func Distance(a, b models.Coordinate) float64 {
	lat1 := degreesToRadians(a.Lat)
	lat2 := degreesToRadians(b.Lat)
	dLat := lat2 - lat1
	dLon := degreesToRadians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// Clamp for floating point drift on antipodal points.
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// WithinDropRadius reports whether a distance in meters is inside the geofence.
// The boundary is inclusive.
func WithinDropRadius(meters float64) bool {
	return meters <= MaxDropDistanceMeters
}

// IsEligible decides whether a pin may be dropped at drop given the user's
// last known position. A missing position is an error, not a "no".
func IsEligible(drop models.Coordinate, current *models.Coordinate) (bool, error) {
	if current == nil {
		return false, apperrors.ErrLocationUnavailable
	}
	if !drop.Valid() || !current.Valid() {
		return false, apperrors.ErrInvalidInput
	}
	return WithinDropRadius(Distance(drop, *current)), nil
}

func degreesToRadians(d float64) float64 {
	return d * math.Pi / 180
}

// OffsetNorth returns the coordinate meters due north of c. Used to build
// drop positions at a known distance.
func OffsetNorth(c models.Coordinate, meters float64) models.Coordinate {
	dLat := meters / EarthRadiusMeters * 180 / math.Pi
	return models.Coordinate{Lat: c.Lat + dLat, Lon: c.Lon}
}
