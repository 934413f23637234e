// Package geo resolves free-text locations to coordinates and measures
// distances between them.
package geo

import (
	"context"
	"log/slog"
	"math"
	"strings"
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Geocoder resolves a location phrase to a point. Implementations must
// always return a usable point; a miss falls back to a default.
type Geocoder interface {
	Geocode(ctx context.Context, location string) Point
}

// MoscowCenter is the fallback when a location is not recognised.
var MoscowCenter = Point{Lat: 55.7558, Lon: 37.6173}

type landmark struct {
	name  string
	point Point
}

// Matched in order; the first name contained in the phrase wins.
var moscowLandmarks = []landmark{
	{"кремль", Point{55.7520, 37.6175}},
	{"красная площадь", Point{55.7539, 37.6208}},
	{"пушкинская", Point{55.7657, 37.6039}},
	{"тверская", Point{55.7658, 37.6050}},
	{"арбат", Point{55.7503, 37.5892}},
	{"чистые пруды", Point{55.7642, 37.6430}},
	{"центр", MoscowCenter},
	{"москва", MoscowCenter},
}

// StaticGeocoder looks locations up in a fixed landmark table.
type StaticGeocoder struct {
	landmarks []landmark
	fallback  Point
	logger    *slog.Logger
}

// NewStaticGeocoder returns a geocoder over the built-in Moscow landmarks.
func NewStaticGeocoder(logger *slog.Logger) *StaticGeocoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &StaticGeocoder{
		landmarks: moscowLandmarks,
		fallback:  MoscowCenter,
		logger:    logger,
	}
}

// Geocode matches the phrase case-insensitively against landmark names.
func (g *StaticGeocoder) Geocode(_ context.Context, location string) Point {
	lower := strings.ToLower(location)
	for _, lm := range g.landmarks {
		if strings.Contains(lower, lm.name) {
			g.logger.Debug("geocoded location", "location", location, "landmark", lm.name)
			return lm.point
		}
	}
	g.logger.Warn("location not recognised, using fallback",
		"location", location,
		"lat", g.fallback.Lat,
		"lon", g.fallback.Lon,
	)
	return g.fallback
}

const earthRadiusMeters = 6371000.0

// Distance returns the great-circle distance between two points in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}

// BoundingBox returns the lat/lon rectangle enclosing a circle of the
// given radius. Used to narrow SQL scans before exact distance checks.
func BoundingBox(center Point, radiusMeters float64) (minLat, maxLat, minLon, maxLon float64) {
	dLat := radiusMeters / earthRadiusMeters * 180 / math.Pi
	cos := math.Cos(center.Lat * math.Pi / 180)
	if cos < 1e-6 {
		cos = 1e-6
	}
	dLon := dLat / cos
	return center.Lat - dLat, center.Lat + dLat, center.Lon - dLon, center.Lon + dLon
}

var nearMePhrases = map[string]bool{
	"":                   true,
	"текущая геолокация": true,
	"рядом со мной":      true,
	"близко":             true,
	"здесь":              true,
	"тут":                true,
}

// IsNearMe reports whether the phrase refers to the user's own position.
func IsNearMe(location string) bool {
	return nearMePhrases[strings.ToLower(strings.TrimSpace(location))]
}
