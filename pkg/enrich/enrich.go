// Package enrich derives popularity signals for freshly generated stories
// from the Google Maps Places and Geocoding APIs. It is an optional
// collaborator of the cache: the cache itself never performs network I/O,
// so enrichment happens on the generation path before Insert.
package enrich

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/wanderstory/storycache/pkg/cache"
	"github.com/wanderstory/storycache/pkg/logx"
)

// Config holds configuration for the enrichment provider
type Config struct {
	APIKey             string `json:"api_key"`
	SearchRadiusMeters uint   `json:"search_radius_meters"`
}

// DefaultConfig returns default enrichment configuration
func DefaultConfig() *Config {
	return &Config{
		SearchRadiusMeters: 200,
	}
}

// Provider queries Google Maps for the surroundings of a story location
type Provider struct {
	client *maps.Client
	config *Config
	logger *logx.Logger

	successCount int
	errorCount   int
}

// NewProvider creates an enrichment provider. Requires an API key.
func NewProvider(config *Config, logger *logx.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("enrichment requires a Google Maps API key")
	}

	client, err := maps.NewClient(maps.WithAPIKey(config.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}

	return &Provider{client: client, config: config, logger: logger}, nil
}

// Enrich returns the popularity signals for a location: how many named
// places surround it and which administrative region it belongs to. The
// HistoricalContextLength signal comes from the generated content itself,
// so the caller fills it in afterwards.
func (p *Provider) Enrich(ctx context.Context, lat, lon float64) (cache.PopularitySignals, error) {
	signals := cache.PopularitySignals{}

	nearby, err := p.client.NearbySearch(ctx, &maps.NearbySearchRequest{
		Location: &maps.LatLng{Lat: lat, Lng: lon},
		Radius:   p.config.SearchRadiusMeters,
	})
	if err != nil {
		p.errorCount++
		return signals, fmt.Errorf("nearby search failed: %w", err)
	}
	signals.NearbyPlaceCount = len(nearby.Results)

	geocoded, err := p.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: lat, Lng: lon},
	})
	if err != nil {
		p.errorCount++
		return signals, fmt.Errorf("reverse geocode failed: %w", err)
	}
	signals.Region = regionName(geocoded)

	p.successCount++
	p.logger.Debug("location_enriched",
		"lat", lat, "lon", lon,
		"nearby_places", signals.NearbyPlaceCount,
		"region", signals.Region,
	)
	return signals, nil
}

// Health reports the success/error counters for the provider
func (p *Provider) Health() (successes, errors int) {
	return p.successCount, p.errorCount
}

// regionName extracts a human region name from geocoding results,
// preferring locality over wider administrative areas
func regionName(results []maps.GeocodingResult) string {
	priority := []string{"locality", "administrative_area_level_2", "administrative_area_level_1", "country"}
	for _, want := range priority {
		for _, result := range results {
			for _, component := range result.AddressComponents {
				for _, typ := range component.Types {
					if typ == want {
						return component.LongName
					}
				}
			}
		}
	}
	return ""
}
