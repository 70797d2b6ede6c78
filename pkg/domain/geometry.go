package domain

import (
	"fmt"
	"math"
)

// SRID is the spatial reference of every stored geometry (WGS 84).
const SRID = 4326

// Point is a WGS 84 position in degrees.
type Point struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Validate rejects non-finite and out-of-range coordinates.
func (p Point) Validate() error {
	switch {
	case math.IsNaN(p.Lon) || math.IsInf(p.Lon, 0) || math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0):
		return &MalformedGeometryError{Lon: p.Lon, Lat: p.Lat, Reason: "coordinates must be finite"}
	case p.Lon < -180 || p.Lon > 180:
		return &MalformedGeometryError{Lon: p.Lon, Lat: p.Lat, Reason: "longitude outside [-180, 180]"}
	case p.Lat < -90 || p.Lat > 90:
		return &MalformedGeometryError{Lon: p.Lon, Lat: p.Lat, Reason: "latitude outside [-90, 90]"}
	}
	return nil
}

// String renders the point as WKT.
func (p Point) String() string {
	return fmt.Sprintf("POINT(%g %g)", p.Lon, p.Lat)
}

// DistanceSquared is the planar squared distance in degrees, the metric used
// for nearest-neighbour ordering.
func (p Point) DistanceSquared(o Point) float64 {
	dx := p.Lon - o.Lon
	dy := p.Lat - o.Lat
	return dx*dx + dy*dy
}

// LineString is an ordered sequence of points, used for activity tracks.
type LineString []Point

// Validate checks every vertex.
func (l LineString) Validate() error {
	for _, p := range l {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// BoundingBox is an inclusive lon/lat rectangle.
type BoundingBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// Validate checks both corners and their ordering.
func (b BoundingBox) Validate() error {
	if err := (Point{Lon: b.MinLon, Lat: b.MinLat}).Validate(); err != nil {
		return err
	}
	if err := (Point{Lon: b.MaxLon, Lat: b.MaxLat}).Validate(); err != nil {
		return err
	}
	if b.MinLon > b.MaxLon || b.MinLat > b.MaxLat {
		return &MalformedGeometryError{Lon: b.MinLon, Lat: b.MinLat, Reason: "bounding box corners out of order"}
	}
	return nil
}

// Contains reports whether p lies inside or on the edge of b.
func (b BoundingBox) Contains(p Point) bool {
	return p.Lon >= b.MinLon && p.Lon <= b.MaxLon && p.Lat >= b.MinLat && p.Lat <= b.MaxLat
}
