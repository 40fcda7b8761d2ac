// Package geo provides the geometry primitives used by the story cache:
// great-circle distance and fixed-grid region quantization.
package geo

import (
	"fmt"
	"math"
)

const (
	// earthRadiusMeters is the mean Earth radius used by the Haversine formula
	earthRadiusMeters = 6371000

	// metersPerDegree approximates one degree of latitude at the equator,
	// used only to convert a search radius into a cell count
	metersPerDegree = 111000
)

// RegionID identifies one fixed-size grid cell
type RegionID struct {
	I int64 `json:"i"` // floor(lat / cellSize)
	J int64 `json:"j"` // floor(lon / cellSize)
}

// String returns the canonical "i:j" form used as a map/persistence key
func (r RegionID) String() string {
	return fmt.Sprintf("%d:%d", r.I, r.J)
}

// Distance returns the great-circle distance in meters between two points
// using the Haversine formula
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(phi1)*math.Cos(phi2)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// Quantize returns the region a point falls into for the given cell size.
// Pure and total for any valid latitude/longitude.
func Quantize(lat, lon, cellSizeDeg float64) RegionID {
	return RegionID{
		I: int64(math.Floor(lat / cellSizeDeg)),
		J: int64(math.Floor(lon / cellSizeDeg)),
	}
}

// maxCandidateCells bounds the square enumeration. Past this the caller is
// better off scanning the regions it actually tracks than walking an ocean
// of empty cells.
const maxCandidateCells = 1 << 20

// CandidateRegions enumerates the square neighborhood of cells that covers a
// disc of radiusMeters around the center point. The square over-approximates
// the disc, so callers must still filter candidates by exact Distance.
// Cells past the antimeridian are enumerated without wrapping; they are
// simply empty in the index.
//
// A nil result means the radius spans more than maxCandidateCells cells;
// the caller should treat every region it tracks as a candidate instead.
func CandidateRegions(lat, lon, radiusMeters, cellSizeDeg float64) []RegionID {
	fspan := math.Ceil(radiusMeters / (cellSizeDeg * metersPerDegree))
	if side := 2*fspan + 1; side*side > maxCandidateCells {
		return nil
	}

	center := Quantize(lat, lon, cellSizeDeg)
	span := int64(fspan)

	regions := make([]RegionID, 0, (2*span+1)*(2*span+1))
	for i := center.I - span; i <= center.I+span; i++ {
		for j := center.J - span; j <= center.J+span; j++ {
			regions = append(regions, RegionID{I: i, J: j})
		}
	}
	return regions
}

// ValidCoordinates reports whether the point is a representable lat/lon pair
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
