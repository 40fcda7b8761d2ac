package cache

import "fmt"

// Config holds configuration for the story cache engine
type Config struct {
	CellSizeDegrees      float64  `json:"cell_size_degrees"`
	MaxEntriesPerRegion  int      `json:"max_entries_per_region"`
	DefaultTTLHours      float64  `json:"default_ttl_hours"`
	CleanupIntervalHours float64  `json:"cleanup_interval_hours"`
	StatsSampleSize      int      `json:"stats_sample_size"`
	PopularRegions       []string `json:"popular_regions"` // region names granted the popularity bonus
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() *Config {
	return &Config{
		CellSizeDegrees:      0.01, // roughly 1km cells
		MaxEntriesPerRegion:  100,
		DefaultTTLHours:      168, // 7 days
		CleanupIntervalHours: 24,
		StatsSampleSize:      50,
	}
}

// Validate checks the configuration for usable values
func (c *Config) Validate() error {
	if c.CellSizeDegrees <= 0 {
		return fmt.Errorf("cell_size_degrees must be positive, got %v", c.CellSizeDegrees)
	}
	if c.MaxEntriesPerRegion < 1 {
		return fmt.Errorf("max_entries_per_region must be at least 1, got %d", c.MaxEntriesPerRegion)
	}
	if c.DefaultTTLHours <= 0 {
		return fmt.Errorf("default_ttl_hours must be positive, got %v", c.DefaultTTLHours)
	}
	if c.CleanupIntervalHours <= 0 {
		return fmt.Errorf("cleanup_interval_hours must be positive, got %v", c.CleanupIntervalHours)
	}
	if c.StatsSampleSize < 1 {
		return fmt.Errorf("stats_sample_size must be at least 1, got %d", c.StatsSampleSize)
	}
	return nil
}
