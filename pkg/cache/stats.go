package cache

// CacheStats is a read-only aggregate over the entry store. Size and age
// figures are estimated from a bounded sample rather than an exhaustive
// scan, trading precision for bounded latency.
type CacheStats struct {
	TotalEntries    int     `json:"total_entries"`
	TotalRegions    int     `json:"total_regions"`
	ApproxSizeBytes int64   `json:"approx_size_bytes"`
	AverageAgeHours float64 `json:"average_age_hours"`
	RecentEntries   int     `json:"recent_entries"`
	CacheHits       int64   `json:"cache_hits"`
	CacheMisses     int64   `json:"cache_misses"`
	HitRate         float64 `json:"hit_rate"`
	Evictions       int64   `json:"evictions"`
	Expirations     int64   `json:"expirations"`
	SampleSize      int     `json:"sample_size"`
}
