package cache

import (
	"sort"
	"time"

	"github.com/wanderstory/storycache/pkg/geo"
)

// regionBucket holds the entry ids belonging to one grid cell
type regionBucket struct {
	ids         []string
	lastUpdated time.Time
}

// regionIndex is the secondary, derived index over the entry store: grid
// cell to entry ids. Like entryStore it runs under the Cache's mutex.
type regionIndex struct {
	cellSize   float64
	maxPerCell int
	regions    map[geo.RegionID]*regionBucket
}

func newRegionIndex(cellSizeDeg float64, maxPerCell int) *regionIndex {
	return &regionIndex{
		cellSize:   cellSizeDeg,
		maxPerCell: maxPerCell,
		regions:    make(map[geo.RegionID]*regionBucket),
	}
}

// add appends the entry to its cell, evicting the least valuable existing
// entries first if the cell is full. Evicted entries are removed from the
// entry store as well; their ids are returned so Insert can report them.
func (ri *regionIndex) add(entry *CacheEntry, store *entryStore, now time.Time) []string {
	bucket := ri.regions[entry.RegionID]
	if bucket == nil {
		bucket = &regionBucket{}
		ri.regions[entry.RegionID] = bucket
	}

	var evicted []string
	if len(bucket.ids) >= ri.maxPerCell {
		evicted = ri.evict(bucket, store, len(bucket.ids)-ri.maxPerCell+1)
	}

	bucket.ids = append(bucket.ids, entry.ID)
	bucket.lastUpdated = now
	return evicted
}

// evict removes the n least valuable entries from the bucket, ordered by
// access count ascending with creation time breaking ties (least accessed
// first, oldest first)
func (ri *regionIndex) evict(bucket *regionBucket, store *entryStore, n int) []string {
	sort.SliceStable(bucket.ids, func(a, b int) bool {
		ea, okA := store.get(bucket.ids[a])
		eb, okB := store.get(bucket.ids[b])
		if !okA || !okB {
			return okB // dangling ids sort to the front
		}
		if ea.AccessCount != eb.AccessCount {
			return ea.AccessCount < eb.AccessCount
		}
		return ea.CreatedAt.Before(eb.CreatedAt)
	})

	if n > len(bucket.ids) {
		n = len(bucket.ids)
	}
	evicted := append([]string(nil), bucket.ids[:n]...)
	bucket.ids = bucket.ids[n:]
	for _, id := range evicted {
		store.delete(id)
	}
	return evicted
}

// remove drops the entry id from its cell; no-op if already absent
func (ri *regionIndex) remove(id string, regionID geo.RegionID) {
	bucket := ri.regions[regionID]
	if bucket == nil {
		return
	}
	for i, existing := range bucket.ids {
		if existing == id {
			bucket.ids = append(bucket.ids[:i], bucket.ids[i+1:]...)
			return
		}
	}
}

// entries returns the ids in one cell
func (ri *regionIndex) entries(regionID geo.RegionID) []string {
	bucket := ri.regions[regionID]
	if bucket == nil {
		return nil
	}
	return bucket.ids
}

// contains reports whether the cell already lists the id
func (ri *regionIndex) contains(id string, regionID geo.RegionID) bool {
	bucket := ri.regions[regionID]
	if bucket == nil {
		return false
	}
	for _, existing := range bucket.ids {
		if existing == id {
			return true
		}
	}
	return false
}

// pruneEmpty drops cells whose entry list has emptied out
func (ri *regionIndex) pruneEmpty() int {
	pruned := 0
	for id, bucket := range ri.regions {
		if len(bucket.ids) == 0 {
			delete(ri.regions, id)
			pruned++
		}
	}
	return pruned
}

func (ri *regionIndex) len() int {
	return len(ri.regions)
}
