// Package geo provides great-circle distance estimation over WGS84
// coordinates. Distances are straight-line approximations, not road
// network distances.
package geo

import (
	"fmt"
	"math"

	"farmroute/internal/model"
)

const earthRadiusM = 6371000.0

// Validate rejects NaN and out-of-range coordinates so that a bad point
// surfaces as an error instead of a silent zero distance.
func Validate(p model.GeoPoint) error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return fmt.Errorf("%w: lat=%v lng=%v", model.ErrInvalidCoordinate, p.Lat, p.Lng)
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: lat=%v lng=%v", model.ErrInvalidCoordinate, p.Lat, p.Lng)
	}
	return nil
}

// Haversine returns the great-circle distance between two points in meters.
// Callers are expected to have validated the coordinates.
func Haversine(a, b model.GeoPoint) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

// DistanceMeters validates both points and returns the great-circle
// distance between them in meters.
func DistanceMeters(a, b model.GeoPoint) (float64, error) {
	if err := Validate(a); err != nil {
		return 0, err
	}
	if err := Validate(b); err != nil {
		return 0, err
	}
	return Haversine(a, b), nil
}

// PathMeters sums the great-circle hops across an ordered point sequence.
func PathMeters(points []model.GeoPoint) (float64, error) {
	total := 0.0
	for i := 0; i < len(points)-1; i++ {
		d, err := DistanceMeters(points[i], points[i+1])
		if err != nil {
			return 0, err
		}
		total += d
	}
	return total, nil
}
