package cache

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wanderstory/storycache/pkg/logx"
)

func testLogger() *logx.Logger {
	return logx.NewLogger("error", "cache_test")
}

func testCache(t *testing.T, cfg *Config) *Cache {
	t.Helper()
	c, err := New(cfg, testLogger())
	require.NoError(t, err)
	return c
}

func storyContent(title string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"title": title, "body": "once upon a place"})
	return raw
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CellSizeDegrees = 0
	_, err := New(cfg, testLogger())
	assert.Error(t, err)
}

func TestInsertRejectsInvalidCoordinates(t *testing.T) {
	c := testCache(t, nil)

	_, _, err := c.Insert(InsertRequest{
		Location:  Location{Latitude: 91, Longitude: 0},
		ContentID: "story-1",
		Content:   storyContent("nope"),
	})
	require.Error(t, err)

	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, "location", verr.Field)
}

func TestInsertAndGet(t *testing.T) {
	c := testCache(t, nil)

	id, evicted, err := c.Insert(InsertRequest{
		Location:  Location{Latitude: 59.9139, Longitude: 10.7522, Accuracy: 10},
		ContentID: "oslo-harbor",
		Content:   storyContent("harbor"),
		Tags:      []string{"oslo", "harbor"},
		Signals:   PopularitySignals{NearbyPlaceCount: 3},
	})
	require.NoError(t, err)
	assert.Empty(t, evicted)

	entry, err := c.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, entry.ID)
	assert.Equal(t, int64(1), entry.AccessCount)
	assert.False(t, entry.LastAccessedAt.Before(entry.CreatedAt))
	assert.InDelta(t, 1.6+touchPopularityBoost, entry.PopularityScore, 1e-9)
	assert.True(t, entry.ExpiresAt.After(entry.CreatedAt))
}

func TestGetUnknownIsNotFound(t *testing.T) {
	c := testCache(t, nil)

	_, err := c.Get("deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIdempotentReinsert(t *testing.T) {
	c := testCache(t, nil)

	loc := Location{Latitude: 59.9139, Longitude: 10.7522}
	first, _, err := c.Insert(InsertRequest{Location: loc, ContentID: "story-1", Content: storyContent("v1")})
	require.NoError(t, err)

	second, _, err := c.Insert(InsertRequest{Location: loc, ContentID: "story-1", Content: storyContent("v2")})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, c.Stats().TotalEntries)

	// The region list must not contain a duplicate either
	results, err := c.FindNearby(loc.Latitude, loc.Longitude, 100, FindOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.JSONEq(t, string(storyContent("v2")), string(results[0].Content))
}

func TestExpiredEntryNeverVisible(t *testing.T) {
	c := testCache(t, nil)

	current := time.Now()
	c.now = func() time.Time { return current }

	loc := Location{Latitude: 59.9139, Longitude: 10.7522}
	id, _, err := c.Insert(InsertRequest{
		Location:  loc,
		ContentID: "ephemeral",
		Content:   storyContent("gone soon"),
		TTLHours:  0.001,
	})
	require.NoError(t, err)

	// Still valid
	_, err = c.Get(id)
	require.NoError(t, err)

	// Step past expiry: never visible even though still physically present
	current = current.Add(time.Minute)
	results, err := c.FindNearby(loc.Latitude, loc.Longitude, 100, FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = c.FindNearby(loc.Latitude, loc.Longitude, 100, FindOptions{IncludeExpired: true})
	require.NoError(t, err)
	assert.Len(t, results, 1)

	// Reading an expired id is a miss and schedules its removal
	_, err = c.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpiredGetDoesNotDeleteRefreshedEntry(t *testing.T) {
	c := testCache(t, nil)

	current := time.Now()
	c.now = func() time.Time { return current }

	loc := Location{Latitude: 59.9139, Longitude: 10.7522}
	id, _, err := c.Insert(InsertRequest{Location: loc, ContentID: "story-1", Content: storyContent("v1"), TTLHours: 1})
	require.NoError(t, err)

	current = current.Add(2 * time.Hour)
	_, err = c.Get(id)
	require.ErrorIs(t, err, ErrNotFound)

	// Regenerate right behind the miss. The removal the expired read
	// scheduled must re-check expiry and leave the refreshed entry alone.
	refreshed, _, err := c.Insert(InsertRequest{Location: loc, ContentID: "story-1", Content: storyContent("v2"), TTLHours: 100})
	require.NoError(t, err)
	require.Equal(t, id, refreshed)

	time.Sleep(20 * time.Millisecond)

	entry, err := c.Get(id)
	require.NoError(t, err)
	assert.JSONEq(t, string(storyContent("v2")), string(entry.Content))
	assert.Equal(t, 1, c.Stats().TotalEntries)
}

func TestCapacityEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntriesPerRegion = 2
	c := testCache(t, cfg)

	current := time.Now()
	c.now = func() time.Time { return current }

	loc := Location{Latitude: 59.9139, Longitude: 10.7522}
	insert := func(contentID string) string {
		id, _, err := c.Insert(InsertRequest{Location: loc, ContentID: contentID, Content: storyContent(contentID)})
		require.NoError(t, err)
		current = current.Add(time.Second)
		return id
	}

	x := insert("x")
	y := insert("y")

	zID, evicted, err := c.Insert(InsertRequest{Location: loc, ContentID: "z", Content: storyContent("z")})
	require.NoError(t, err)

	// All access counts equal, so the oldest entry goes
	require.Len(t, evicted, 1)
	assert.Equal(t, x, evicted[0])
	assert.Equal(t, 2, c.Stats().TotalEntries)

	_, err = c.Get(x)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get(y)
	assert.NoError(t, err)
	_, err = c.Get(zID)
	assert.NoError(t, err)
}

func TestEvictionPrefersLeastAccessed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntriesPerRegion = 2
	c := testCache(t, cfg)

	current := time.Now()
	c.now = func() time.Time { return current }

	loc := Location{Latitude: 59.9139, Longitude: 10.7522}
	x, _, err := c.Insert(InsertRequest{Location: loc, ContentID: "x", Content: storyContent("x")})
	require.NoError(t, err)
	current = current.Add(time.Second)
	y, _, err := c.Insert(InsertRequest{Location: loc, ContentID: "y", Content: storyContent("y")})
	require.NoError(t, err)
	current = current.Add(time.Second)

	// Reading X makes Y the least valuable despite being newer
	_, err = c.Get(x)
	require.NoError(t, err)

	_, evicted, err := c.Insert(InsertRequest{Location: loc, ContentID: "z", Content: storyContent("z")})
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, y, evicted[0])
}

func TestFindNearbyRanking(t *testing.T) {
	c := testCache(t, nil)

	// A: popularity 1.0 + 0.2*2 = 1.4
	aID, _, err := c.Insert(InsertRequest{
		Location:  Location{Latitude: 59.9139, Longitude: 10.7522},
		ContentID: "a",
		Content:   storyContent("a"),
		Signals:   PopularitySignals{NearbyPlaceCount: 2},
	})
	require.NoError(t, err)

	// B: popularity 1.0 + 0.2*10 = 3.0, about 15m from A
	bID, _, err := c.Insert(InsertRequest{
		Location:  Location{Latitude: 59.9141, Longitude: 10.7523},
		ContentID: "b",
		Content:   storyContent("b"),
		Signals:   PopularitySignals{NearbyPlaceCount: 10},
	})
	require.NoError(t, err)

	results, err := c.FindNearby(59.9140, 10.75225, 100, FindOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// B wins despite near-equal distance because of its higher popularity
	assert.Equal(t, bID, results[0].ID)
	assert.Equal(t, aID, results[1].ID)

	// Read-causes-mutation: both were touched
	for _, entry := range results {
		assert.Equal(t, int64(1), entry.AccessCount)
	}
}

func TestFindNearbyFilters(t *testing.T) {
	c := testCache(t, nil)

	current := time.Now()
	c.now = func() time.Time { return current }

	near, _, err := c.Insert(InsertRequest{
		Location:  Location{Latitude: 59.9139, Longitude: 10.7522},
		ContentID: "near",
		Content:   storyContent("near"),
		Signals:   PopularitySignals{NearbyPlaceCount: 10},
	})
	require.NoError(t, err)

	// ~1.1km north, outside a 500m radius
	_, _, err = c.Insert(InsertRequest{
		Location:  Location{Latitude: 59.9239, Longitude: 10.7522},
		ContentID: "far",
		Content:   storyContent("far"),
	})
	require.NoError(t, err)

	results, err := c.FindNearby(59.9139, 10.7522, 500, FindOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, near, results[0].ID)

	// Popularity floor excludes the remaining low-scored entry
	results, err = c.FindNearby(59.9139, 10.7522, 500, FindOptions{MinPopularity: 5.0})
	require.NoError(t, err)
	assert.Empty(t, results)

	// Age ceiling excludes entries older than the window
	current = current.Add(3 * time.Hour)
	results, err = c.FindNearby(59.9139, 10.7522, 500, FindOptions{MaxAgeHours: 2})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFindNearbyValidation(t *testing.T) {
	c := testCache(t, nil)

	_, err := c.FindNearby(95, 0, 100, FindOptions{})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = c.FindNearby(0, 0, -1, FindOptions{})
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, "radius_meters", verr.Field)
}

func TestFindNearbyEmptyIsNotAnError(t *testing.T) {
	c := testCache(t, nil)

	results, err := c.FindNearby(0, 0, 1000, FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFindNearbyPlanetaryRadius(t *testing.T) {
	c := testCache(t, nil)

	oslo, _, err := c.Insert(InsertRequest{
		Location:  Location{Latitude: 59.9139, Longitude: 10.7522},
		ContentID: "oslo",
		Content:   storyContent("oslo"),
	})
	require.NoError(t, err)
	sydney, _, err := c.Insert(InsertRequest{
		Location:  Location{Latitude: -33.8688, Longitude: 151.2093},
		ContentID: "sydney",
		Content:   storyContent("sydney"),
	})
	require.NoError(t, err)

	// A radius far too wide to enumerate cell by cell still returns every
	// entry instead of blowing up
	results, err := c.FindNearby(0, 0, 1e12, FindOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	ids := []string{results[0].ID, results[1].ID}
	assert.Contains(t, ids, oslo)
	assert.Contains(t, ids, sydney)
}

func TestRemoveIdempotent(t *testing.T) {
	c := testCache(t, nil)

	id, _, err := c.Insert(InsertRequest{
		Location:  Location{Latitude: 1, Longitude: 1},
		ContentID: "story",
		Content:   storyContent("story"),
	})
	require.NoError(t, err)

	require.NoError(t, c.Remove(id))
	require.NoError(t, c.Remove(id))

	_, err = c.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpireSweep(t *testing.T) {
	c := testCache(t, nil)

	current := time.Now()
	c.now = func() time.Time { return current }

	for i, contentID := range []string{"a", "b", "c"} {
		ttl := 0.001
		if contentID == "c" {
			ttl = 100
		}
		_, _, err := c.Insert(InsertRequest{
			Location:  Location{Latitude: float64(i), Longitude: float64(i)},
			ContentID: contentID,
			Content:   storyContent(contentID),
			TTLHours:  ttl,
		})
		require.NoError(t, err)
	}

	current = current.Add(time.Minute)
	removed := c.ExpireSweep(current)
	assert.Equal(t, 2, removed)

	stats := c.Stats()
	assert.Equal(t, 1, stats.TotalEntries)
	assert.Equal(t, 1, stats.TotalRegions, "empty regions are pruned")
	assert.Equal(t, int64(2), stats.Expirations)

	// Redundant sweep is a no-op
	assert.Equal(t, 0, c.ExpireSweep(current))
}

func TestTouchAtomicity(t *testing.T) {
	c := testCache(t, nil)

	id, _, err := c.Insert(InsertRequest{
		Location:  Location{Latitude: 59.9139, Longitude: 10.7522},
		ContentID: "contended",
		Content:   storyContent("contended"),
	})
	require.NoError(t, err)

	const readers = 50
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, err := c.Get(id)
	require.NoError(t, err)
	assert.Equal(t, int64(readers+1), entry.AccessCount)
}

func TestConcurrentInsertAndSearch(t *testing.T) {
	c := testCache(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		i := i
		go func() {
			defer wg.Done()
			_, _, err := c.Insert(InsertRequest{
				Location:  Location{Latitude: 59.9139 + float64(i)*0.0001, Longitude: 10.7522},
				ContentID: storyContentID(i),
				Content:   storyContent("s"),
			})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := c.FindNearby(59.9139, 10.7522, 1000, FindOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, c.Stats().TotalEntries)
}

func storyContentID(i int) string {
	return string(rune('a'+i%26)) + "-story"
}

func TestSeedSkipsInvalidAndExpired(t *testing.T) {
	c := testCache(t, nil)

	now := time.Now()
	entries := []*CacheEntry{
		{
			ID:        "valid",
			Location:  Location{Latitude: 59.9, Longitude: 10.7},
			Content:   storyContent("valid"),
			CreatedAt: now.Add(-time.Hour),
			ExpiresAt: now.Add(time.Hour),
		},
		{
			ID:        "expired",
			Location:  Location{Latitude: 59.9, Longitude: 10.7},
			CreatedAt: now.Add(-2 * time.Hour),
			ExpiresAt: now.Add(-time.Hour),
		},
		{
			ID:        "badcoords",
			Location:  Location{Latitude: 120, Longitude: 10.7},
			ExpiresAt: now.Add(time.Hour),
		},
		nil,
	}

	assert.Equal(t, 1, c.Seed(entries))
	_, err := c.Get("valid")
	assert.NoError(t, err)
}

func TestStatsEstimates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StatsSampleSize = 5
	c := testCache(t, cfg)

	for i := 0; i < 20; i++ {
		_, _, err := c.Insert(InsertRequest{
			Location:  Location{Latitude: float64(i) * 0.5, Longitude: float64(i) * 0.5},
			ContentID: storyContentID(i),
			Content:   storyContent("stats"),
		})
		require.NoError(t, err)
	}

	stats := c.Stats()
	assert.Equal(t, 20, stats.TotalEntries)
	assert.Equal(t, 5, stats.SampleSize)
	assert.Greater(t, stats.ApproxSizeBytes, int64(0))
	assert.Equal(t, 20, stats.RecentEntries)
}

func TestStatsHitRate(t *testing.T) {
	c := testCache(t, nil)

	id, _, err := c.Insert(InsertRequest{
		Location:  Location{Latitude: 1, Longitude: 1},
		ContentID: "hit",
		Content:   storyContent("hit"),
	})
	require.NoError(t, err)

	_, _ = c.Get(id)
	_, _ = c.Get(id)
	_, _ = c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
}

func TestRegionPopularityAggregate(t *testing.T) {
	c := testCache(t, nil)

	_, _, err := c.Insert(InsertRequest{
		Location:  Location{Latitude: 59.9139, Longitude: 10.7522},
		ContentID: "a",
		Content:   storyContent("a"),
		Signals:   PopularitySignals{NearbyPlaceCount: 5},
	})
	require.NoError(t, err)

	pop := c.RegionPopularity()
	require.Len(t, pop, 1)
	for _, score := range pop {
		assert.InDelta(t, 2.0, score, 1e-9)
	}
}

func TestRegionPopularityTracksChurn(t *testing.T) {
	c := testCache(t, nil)

	loc := Location{Latitude: 59.9139, Longitude: 10.7522}
	a, _, err := c.Insert(InsertRequest{
		Location:  loc,
		ContentID: "a",
		Content:   storyContent("a"),
		Signals:   PopularitySignals{NearbyPlaceCount: 5}, // 2.0
	})
	require.NoError(t, err)
	_, _, err = c.Insert(InsertRequest{
		Location:  loc,
		ContentID: "b",
		Content:   storyContent("b"), // 1.0
	})
	require.NoError(t, err)

	regionSum := func() float64 {
		pop := c.RegionPopularity()
		require.Len(t, pop, 1)
		for _, score := range pop {
			return score
		}
		return 0
	}
	assert.InDelta(t, 3.0, regionSum(), 1e-9)

	// Removal must lower the aggregate, not leave it frozen
	require.NoError(t, c.Remove(a))
	assert.InDelta(t, 1.0, regionSum(), 1e-9)

	// An in-place refresh replaces the old score instead of stacking on it
	_, _, err = c.Insert(InsertRequest{
		Location:  loc,
		ContentID: "b",
		Content:   storyContent("b2"),
		Signals:   PopularitySignals{NearbyPlaceCount: 10}, // 3.0
	})
	require.NoError(t, err)
	assert.InDelta(t, 3.0, regionSum(), 1e-9)
}
