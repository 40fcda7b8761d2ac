package prewarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wanderstory/storycache/pkg/geo"
	"github.com/wanderstory/storycache/pkg/logx"
)

func testTracker() (*Tracker, func(time.Duration)) {
	tr := NewTracker(nil, logx.NewLogger("error", "prewarm_test"))
	current := time.Now()
	tr.now = func() time.Time { return current }
	advance := func(d time.Duration) { current = current.Add(d) }
	return tr, advance
}

func TestTopRisingRanksBySlope(t *testing.T) {
	tr, advance := testTracker()

	rising := geo.RegionID{I: 5991, J: 1075}
	steep := geo.RegionID{I: 6039, J: 532}
	flat := geo.RegionID{I: 0, J: 0}

	for i := 0; i < 4; i++ {
		tr.Observe(map[geo.RegionID]float64{
			rising: 1.0 + 0.5*float64(i),
			steep:  1.0 + 2.0*float64(i),
			flat:   3.0,
		})
		advance(time.Hour)
	}

	trends := tr.TopRising(10)
	require.Len(t, trends, 2, "flat region excluded")
	assert.Equal(t, steep, trends[0].Region)
	assert.Equal(t, rising, trends[1].Region)
	assert.InDelta(t, 2.0, trends[0].Slope, 0.01)
	assert.Greater(t, trends[0].Confidence, 0.9)
}

func TestTopRisingRespectsLimit(t *testing.T) {
	tr, advance := testTracker()

	for i := 0; i < 4; i++ {
		tr.Observe(map[geo.RegionID]float64{
			{I: 1, J: 1}: float64(i),
			{I: 2, J: 2}: float64(2 * i),
			{I: 3, J: 3}: float64(3 * i),
		})
		advance(time.Hour)
	}

	assert.Len(t, tr.TopRising(2), 2)
}

func TestTopRisingNeedsEnoughSamples(t *testing.T) {
	tr, advance := testTracker()

	tr.Observe(map[geo.RegionID]float64{{I: 1, J: 1}: 1.0})
	advance(time.Hour)
	tr.Observe(map[geo.RegionID]float64{{I: 1, J: 1}: 2.0})

	assert.Empty(t, tr.TopRising(10))
}

func TestObserveBoundsWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSamplesPerRegion = 5
	tr := NewTracker(cfg, logx.NewLogger("error", "prewarm_test"))
	current := time.Now()
	tr.now = func() time.Time { return current }

	region := geo.RegionID{I: 1, J: 1}
	for i := 0; i < 20; i++ {
		tr.Observe(map[geo.RegionID]float64{region: float64(i)})
		current = current.Add(time.Hour)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Len(t, tr.history[region], 5)
}
