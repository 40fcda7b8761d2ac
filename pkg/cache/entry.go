package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wanderstory/storycache/pkg/geo"
)

const (
	// touchPopularityBoost is added to an entry's popularity on every read
	touchPopularityBoost = 0.1

	// maxPopularityScore caps the insert-time popularity formula
	maxPopularityScore = 10.0
)

// Location is the point a cached story is about
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

// PopularitySignals is the enrichment record supplied by the content
// generator alongside the opaque story payload. The cache uses it only for
// popularity scoring and never inspects the content body itself.
type PopularitySignals struct {
	NearbyPlaceCount        int    `json:"nearby_place_count"`
	HistoricalContextLength int    `json:"historical_context_length"`
	Region                  string `json:"region"`
}

// CacheEntry is one cached story bound to a place
type CacheEntry struct {
	ID              string          `json:"id"`
	Location        Location        `json:"location"`
	Content         json.RawMessage `json:"content"`
	Tags            []string        `json:"tags,omitempty"`
	RegionID        geo.RegionID    `json:"region_id"`
	CreatedAt       time.Time       `json:"created_at"`
	LastAccessedAt  time.Time       `json:"last_accessed_at"`
	AccessCount     int64           `json:"access_count"`
	PopularityScore float64         `json:"popularity_score"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// IsExpired reports whether the entry's lifetime has passed at the given time
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// clone returns a copy safe to hand to callers while the original keeps
// mutating under the cache lock
func (e *CacheEntry) clone() *CacheEntry {
	cp := *e
	if e.Tags != nil {
		cp.Tags = append([]string(nil), e.Tags...)
	}
	return &cp
}

// EntryID derives the stable entry identifier from the quantized location and
// the content id, so repeated generation requests for the same place and
// content collapse to one entry.
func EntryID(loc Location, contentID string, cellSizeDeg float64) string {
	region := geo.Quantize(loc.Latitude, loc.Longitude, cellSizeDeg)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s", region.String(), contentID)))
	return fmt.Sprintf("%x", sum[:12])
}

// popularityScore computes the insert-time popularity from enrichment
// signals: a base of 1.0, 0.2 per nearby place, 0.5 for rich historical
// context, and 1.0 for a configured popular region, capped at 10.0.
func popularityScore(sig PopularitySignals, popularRegions map[string]bool) float64 {
	score := 1.0 + 0.2*float64(sig.NearbyPlaceCount)
	if sig.HistoricalContextLength > 50 {
		score += 0.5
	}
	if popularRegions[sig.Region] {
		score += 1.0
	}
	if score > maxPopularityScore {
		score = maxPopularityScore
	}
	return score
}
