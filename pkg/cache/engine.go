package cache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/wanderstory/storycache/pkg/geo"
	"github.com/wanderstory/storycache/pkg/logx"
)

// sweepBatchSize bounds how many expired entries are removed per lock
// acquisition so long sweeps never stall readers
const sweepBatchSize = 64

// Persister is the optional write-behind collaborator. Both methods must be
// non-blocking; the cache's correctness never depends on them succeeding.
type Persister interface {
	QueueSave(entry *CacheEntry)
	QueueDelete(id string)
}

// Observer receives cache events for external instrumentation
type Observer interface {
	RecordHit()
	RecordMiss()
	RecordInsert()
	RecordEvictions(n int)
	RecordExpirations(n int)
	ObserveSearch(d time.Duration, results int)
}

// InsertRequest carries one freshly generated story into the cache
type InsertRequest struct {
	Location  Location
	ContentID string
	Content   json.RawMessage
	Tags      []string
	Signals   PopularitySignals
	TTLHours  float64 // 0 means the configured default
}

// FindOptions tunes a proximity search. The zero value means no limit, no
// popularity floor, no age ceiling, expired entries excluded.
type FindOptions struct {
	Limit          int
	MinPopularity  float64
	MaxAgeHours    float64
	IncludeExpired bool
}

// Cache is the geospatial story cache engine: a flat entry store plus a
// grid-cell region index, guarded by one read/write mutex. Inserts become
// visible only after both indexes are updated.
type Cache struct {
	mu      sync.RWMutex
	cfg     *Config
	logger  *logx.Logger
	store   *entryStore
	regions *regionIndex

	popularRegions map[string]bool

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	persister Persister
	observer  Observer

	now func() time.Time
}

// New creates a cache engine from the given configuration
func New(cfg *Config, logger *logx.Logger) (*Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	popular := make(map[string]bool, len(cfg.PopularRegions))
	for _, name := range cfg.PopularRegions {
		popular[name] = true
	}

	c := &Cache{
		cfg:            cfg,
		logger:         logger,
		store:          newEntryStore(),
		regions:        newRegionIndex(cfg.CellSizeDegrees, cfg.MaxEntriesPerRegion),
		popularRegions: popular,
		now:            time.Now,
	}

	logger.Info("story_cache_initialized",
		"cell_size_degrees", cfg.CellSizeDegrees,
		"max_entries_per_region", cfg.MaxEntriesPerRegion,
		"default_ttl_hours", cfg.DefaultTTLHours,
	)
	return c, nil
}

// SetPersister attaches the write-behind collaborator
func (c *Cache) SetPersister(p Persister) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persister = p
}

// SetObserver attaches an instrumentation sink
func (c *Cache) SetObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

// Insert stores freshly generated content for a location. Re-inserting the
// same (quantized location, content id) pair updates the existing entry in
// place. Returns the entry id and the ids evicted by capacity enforcement.
func (c *Cache) Insert(req InsertRequest) (string, []string, error) {
	if !geo.ValidCoordinates(req.Location.Latitude, req.Location.Longitude) {
		return "", nil, &ValidationError{
			Field:  "location",
			Value:  req.Location,
			Reason: "latitude must be in [-90,90] and longitude in [-180,180]",
		}
	}

	ttl := req.TTLHours
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTLHours
	}

	now := c.now()
	id := EntryID(req.Location, req.ContentID, c.cfg.CellSizeDegrees)
	regionID := geo.Quantize(req.Location.Latitude, req.Location.Longitude, c.cfg.CellSizeDegrees)

	c.mu.Lock()
	var evicted []string
	entry, exists := c.store.get(id)
	if exists {
		// Idempotent re-insert: refresh content and lifetime, keep access
		// history
		entry.Location = req.Location
		entry.Content = req.Content
		entry.Tags = append([]string(nil), req.Tags...)
		entry.PopularityScore = popularityScore(req.Signals, c.popularRegions)
		entry.ExpiresAt = now.Add(time.Duration(ttl * float64(time.Hour)))
		if !c.regions.contains(id, entry.RegionID) {
			evicted = c.regions.add(entry, c.store, now)
		}
	} else {
		entry = &CacheEntry{
			ID:              id,
			Location:        req.Location,
			Content:         req.Content,
			Tags:            append([]string(nil), req.Tags...),
			RegionID:        regionID,
			CreatedAt:       now,
			LastAccessedAt:  now,
			PopularityScore: popularityScore(req.Signals, c.popularRegions),
			ExpiresAt:       now.Add(time.Duration(ttl * float64(time.Hour))),
		}
		c.store.put(entry)
		evicted = c.regions.add(entry, c.store, now)
	}
	c.evictions += int64(len(evicted))
	saved := entry.clone()
	persister, observer := c.persister, c.observer
	c.mu.Unlock()

	if persister != nil {
		persister.QueueSave(saved)
		for _, evictedID := range evicted {
			persister.QueueDelete(evictedID)
		}
	}
	if observer != nil {
		observer.RecordInsert()
		if len(evicted) > 0 {
			observer.RecordEvictions(len(evicted))
		}
	}

	c.logger.Debug("entry_inserted",
		"entry_id", id,
		"region", regionID.String(),
		"popularity", saved.PopularityScore,
		"evicted", len(evicted),
		"updated", exists,
	)
	return id, evicted, nil
}

// Get returns the entry for an id, recording the access. A miss (unknown or
// expired id) is ErrNotFound, not a failure; an expired entry additionally
// gets its removal scheduled.
func (c *Cache) Get(id string) (*CacheEntry, error) {
	now := c.now()

	c.mu.Lock()
	entry, ok := c.store.get(id)
	if ok && entry.IsExpired(now) {
		c.misses++
		observer := c.observer
		c.mu.Unlock()
		if observer != nil {
			observer.RecordMiss()
		}
		go c.removeIfExpired(id)
		return nil, ErrNotFound
	}
	if !ok {
		c.misses++
		observer := c.observer
		c.mu.Unlock()
		if observer != nil {
			observer.RecordMiss()
		}
		return nil, ErrNotFound
	}

	touched, _ := c.store.touch(id, now)
	result := touched.clone()
	c.hits++
	persister, observer := c.persister, c.observer
	c.mu.Unlock()

	if persister != nil {
		persister.QueueSave(result)
	}
	if observer != nil {
		observer.RecordHit()
	}
	return result, nil
}

// removeIfExpired deletes an entry scheduled for removal after an expired
// Get, re-checking expiry under the lock first. The re-check matters: a
// re-insert between the miss and this removal refreshes the entry in place,
// and the refreshed entry must survive.
func (c *Cache) removeIfExpired(id string) {
	c.mu.Lock()
	entry, ok := c.store.get(id)
	if !ok || !entry.IsExpired(c.now()) {
		c.mu.Unlock()
		return
	}
	c.regions.remove(id, entry.RegionID)
	c.store.delete(id)
	persister := c.persister
	c.mu.Unlock()

	if persister != nil {
		persister.QueueDelete(id)
	}
}

// rankedEntry pairs a candidate with its precomputed distance for ranking
type rankedEntry struct {
	entry    *CacheEntry
	distance float64
}

// FindNearby returns cached entries within radiusMeters of the point,
// ranked by a blend of proximity and popularity: rank = distance/100 -
// popularity, ascending. Every returned entry is touched.
func (c *Cache) FindNearby(lat, lon, radiusMeters float64, opts FindOptions) ([]*CacheEntry, error) {
	if !geo.ValidCoordinates(lat, lon) {
		return nil, &ValidationError{
			Field:  "location",
			Value:  Location{Latitude: lat, Longitude: lon},
			Reason: "latitude must be in [-90,90] and longitude in [-180,180]",
		}
	}
	if radiusMeters <= 0 {
		return nil, &ValidationError{
			Field:  "radius_meters",
			Value:  radiusMeters,
			Reason: "radius must be positive",
		}
	}

	start := c.now()
	candidates := geo.CandidateRegions(lat, lon, radiusMeters, c.cfg.CellSizeDegrees)

	// Snapshot candidate entries under the read lock, then filter and rank
	// without it. Per-entry atomicity is all we promise under concurrency.
	c.mu.RLock()
	var snapshot []*CacheEntry
	if candidates == nil {
		// Radius too wide to enumerate cells; every populated region is a
		// candidate
		for _, bucket := range c.regions.regions {
			for _, id := range bucket.ids {
				if entry, ok := c.store.get(id); ok {
					snapshot = append(snapshot, entry.clone())
				}
			}
		}
	} else {
		for _, regionID := range candidates {
			for _, id := range c.regions.entries(regionID) {
				if entry, ok := c.store.get(id); ok {
					snapshot = append(snapshot, entry.clone())
				}
			}
		}
	}
	c.mu.RUnlock()

	now := c.now()
	ranked := make([]rankedEntry, 0, len(snapshot))
	for _, entry := range snapshot {
		d := geo.Distance(lat, lon, entry.Location.Latitude, entry.Location.Longitude)
		if d > radiusMeters {
			continue
		}
		if !opts.IncludeExpired && entry.IsExpired(now) {
			continue
		}
		if opts.MinPopularity > 0 && entry.PopularityScore < opts.MinPopularity {
			continue
		}
		if opts.MaxAgeHours > 0 && now.Sub(entry.CreatedAt) > time.Duration(opts.MaxAgeHours*float64(time.Hour)) {
			continue
		}
		ranked = append(ranked, rankedEntry{entry: entry, distance: d})
	}

	sort.SliceStable(ranked, func(a, b int) bool {
		ra := ranked[a].distance/100 - ranked[a].entry.PopularityScore
		rb := ranked[b].distance/100 - ranked[b].entry.PopularityScore
		if ra != rb {
			return ra < rb
		}
		return ranked[a].entry.ID < ranked[b].entry.ID
	})

	if opts.Limit > 0 && len(ranked) > opts.Limit {
		ranked = ranked[:opts.Limit]
	}

	// Touch the survivors; an entry removed since the snapshot keeps its
	// snapshot values in the result
	results := make([]*CacheEntry, 0, len(ranked))
	c.mu.Lock()
	for _, r := range ranked {
		if touched, ok := c.store.touch(r.entry.ID, now); ok {
			results = append(results, touched.clone())
		} else {
			results = append(results, r.entry)
		}
	}
	persister, observer := c.persister, c.observer
	c.mu.Unlock()

	if persister != nil {
		for _, entry := range results {
			persister.QueueSave(entry)
		}
	}
	if observer != nil {
		observer.ObserveSearch(c.now().Sub(start), len(results))
	}

	c.logger.Debug("find_nearby",
		"lat", lat, "lon", lon,
		"radius_m", radiusMeters,
		"candidates", len(snapshot),
		"results", len(results),
	)
	return results, nil
}

// Remove deletes an entry from both indexes; idempotent
func (c *Cache) Remove(id string) error {
	c.mu.Lock()
	entry, ok := c.store.get(id)
	if ok {
		c.regions.remove(id, entry.RegionID)
		c.store.delete(id)
	}
	persister := c.persister
	c.mu.Unlock()

	if ok && persister != nil {
		persister.QueueDelete(id)
	}
	return nil
}

// ExpireSweep removes entries whose lifetime has passed, in bounded batches
// so readers are never blocked for long. Safe to call concurrently and
// redundantly. Returns the number of entries removed.
func (c *Cache) ExpireSweep(now time.Time) int {
	c.mu.RLock()
	expired := make([]string, 0)
	for id, entry := range c.store.entries {
		if entry.IsExpired(now) {
			expired = append(expired, id)
		}
	}
	c.mu.RUnlock()

	removed := 0
	for len(expired) > 0 {
		batch := expired
		if len(batch) > sweepBatchSize {
			batch = batch[:sweepBatchSize]
		}
		expired = expired[len(batch):]

		batchRemoved := make([]string, 0, len(batch))
		c.mu.Lock()
		for _, id := range batch {
			entry, ok := c.store.get(id)
			if !ok || !entry.IsExpired(now) {
				// Refreshed since the scan; leave it alone
				continue
			}
			c.regions.remove(id, entry.RegionID)
			c.store.delete(id)
			batchRemoved = append(batchRemoved, id)
		}
		c.expirations += int64(len(batchRemoved))
		persister := c.persister
		c.mu.Unlock()
		removed += len(batchRemoved)

		if persister != nil {
			for _, id := range batchRemoved {
				persister.QueueDelete(id)
			}
		}
	}

	c.mu.Lock()
	pruned := c.regions.pruneEmpty()
	observer := c.observer
	c.mu.Unlock()

	if observer != nil && removed > 0 {
		observer.RecordExpirations(removed)
	}
	if removed > 0 || pruned > 0 {
		c.logger.Info("expire_sweep_completed", "removed", removed, "regions_pruned", pruned)
	}
	return removed
}

// RunSweeper runs ExpireSweep on the configured interval until the context
// is cancelled. Intended to be launched on a dedicated goroutine by the
// process that owns the cache.
func (c *Cache) RunSweeper(ctx context.Context) {
	interval := time.Duration(c.cfg.CleanupIntervalHours * float64(time.Hour))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("sweeper_started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("sweeper_stopped")
			return
		case now := <-ticker.C:
			c.ExpireSweep(now)
		}
	}
}

// Seed loads pre-built entries (snapshot reload or shipped seed data)
// preserving their metadata. Entries with invalid coordinates or already
// past expiry are skipped. Returns the number of entries loaded.
func (c *Cache) Seed(entries []*CacheEntry) int {
	now := c.now()
	loaded := 0

	c.mu.Lock()
	for _, entry := range entries {
		if entry == nil || entry.ID == "" {
			continue
		}
		if !geo.ValidCoordinates(entry.Location.Latitude, entry.Location.Longitude) {
			continue
		}
		if entry.IsExpired(now) {
			continue
		}
		if _, exists := c.store.get(entry.ID); exists {
			continue
		}
		cp := entry.clone()
		cp.RegionID = geo.Quantize(cp.Location.Latitude, cp.Location.Longitude, c.cfg.CellSizeDegrees)
		c.store.put(cp)
		c.regions.add(cp, c.store, now)
		loaded++
	}
	c.mu.Unlock()

	c.logger.Info("cache_seeded", "offered", len(entries), "loaded", loaded)
	return loaded
}

// RegionPopularity returns the summed popularity of the live entries in each
// region, consumed by the pre-warm ranking. Summing on demand keeps the
// aggregate honest through evictions, removals and re-inserts.
func (c *Cache) RegionPopularity() map[geo.RegionID]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[geo.RegionID]float64, len(c.regions.regions))
	for id, bucket := range c.regions.regions {
		var sum float64
		for _, entryID := range bucket.ids {
			if entry, ok := c.store.get(entryID); ok {
				sum += entry.PopularityScore
			}
		}
		out[id] = sum
	}
	return out
}

// Stats returns aggregate counts plus size and age estimates computed from
// a bounded sample of entries
func (c *Cache) Stats() CacheStats {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := CacheStats{
		TotalEntries: c.store.len(),
		TotalRegions: c.regions.len(),
		CacheHits:    c.hits,
		CacheMisses:  c.misses,
		Evictions:    c.evictions,
		Expirations:  c.expirations,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}

	// Bounded sample over map iteration order, which is as good as random
	// for estimation purposes
	sampled := 0
	var sizeSum int64
	var ageSum time.Duration
	recent := 0
	for _, entry := range c.store.entries {
		if sampled >= c.cfg.StatsSampleSize {
			break
		}
		sizeSum += int64(len(entry.Content) + len(entry.ID))
		for _, tag := range entry.Tags {
			sizeSum += int64(len(tag))
		}
		ageSum += now.Sub(entry.CreatedAt)
		if now.Sub(entry.CreatedAt) <= 24*time.Hour {
			recent++
		}
		sampled++
	}
	stats.SampleSize = sampled
	if sampled > 0 {
		perEntry := sizeSum / int64(sampled)
		stats.ApproxSizeBytes = perEntry * int64(stats.TotalEntries)
		stats.AverageAgeHours = (ageSum / time.Duration(sampled)).Hours()
		stats.RecentEntries = recent * stats.TotalEntries / sampled
	}
	return stats
}
