// Package prewarm ranks grid cells whose popularity is rising, so the
// content generator can pre-generate stories for areas users are heading
// into before they ask for them.
package prewarm

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sajari/regression"

	"github.com/wanderstory/storycache/pkg/geo"
	"github.com/wanderstory/storycache/pkg/logx"
)

// Config holds configuration for the pre-warm tracker
type Config struct {
	MaxSamplesPerRegion int `json:"max_samples_per_region"`
	MinSamplesForTrend  int `json:"min_samples_for_trend"`
}

// DefaultConfig returns default pre-warm configuration
func DefaultConfig() *Config {
	return &Config{
		MaxSamplesPerRegion: 48, // two days at hourly observation
		MinSamplesForTrend:  3,
	}
}

type sample struct {
	at         time.Time
	popularity float64
}

// RegionTrend describes the fitted popularity trend for one grid cell
type RegionTrend struct {
	Region     geo.RegionID `json:"region"`
	Popularity float64      `json:"popularity"`
	Slope      float64      `json:"slope"` // popularity change per hour
	Confidence float64      `json:"confidence"`
}

// Tracker accumulates periodic region-popularity observations and fits a
// linear trend per region
type Tracker struct {
	mu      sync.Mutex
	config  *Config
	logger  *logx.Logger
	history map[geo.RegionID][]sample
	now     func() time.Time
}

// NewTracker creates a pre-warm tracker
func NewTracker(config *Config, logger *logx.Logger) *Tracker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Tracker{
		config:  config,
		logger:  logger,
		history: make(map[geo.RegionID][]sample),
		now:     time.Now,
	}
}

// Observe records one popularity snapshot per region, typically the output
// of Cache.RegionPopularity on a periodic timer
func (t *Tracker) Observe(popularity map[geo.RegionID]float64) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for region, score := range popularity {
		window := append(t.history[region], sample{at: now, popularity: score})
		if len(window) > t.config.MaxSamplesPerRegion {
			window = window[len(window)-t.config.MaxSamplesPerRegion:]
		}
		t.history[region] = window
	}
}

// TopRising returns up to n regions ordered by the steepest rising
// popularity trend. Regions with too few samples or a flat/falling trend
// are excluded.
func (t *Tracker) TopRising(n int) []RegionTrend {
	t.mu.Lock()
	defer t.mu.Unlock()

	var trends []RegionTrend
	for region, window := range t.history {
		if len(window) < t.config.MinSamplesForTrend {
			continue
		}

		r := new(regression.Regression)
		r.SetObserved("popularity")
		r.SetVar(0, "hours")
		origin := window[0].at
		for _, s := range window {
			r.Train(regression.DataPoint(s.popularity, []float64{s.at.Sub(origin).Hours()}))
		}
		if err := r.Run(); err != nil {
			t.logger.Debug("trend_fit_failed", "region", region.String(), "error", err.Error())
			continue
		}

		slope := r.Coeff(1)
		if slope <= 0 || math.IsNaN(slope) {
			continue
		}
		confidence := r.R2
		if math.IsNaN(confidence) {
			confidence = 0
		}

		trends = append(trends, RegionTrend{
			Region:     region,
			Popularity: window[len(window)-1].popularity,
			Slope:      slope,
			Confidence: confidence,
		})
	}

	sort.Slice(trends, func(a, b int) bool {
		if trends[a].Slope != trends[b].Slope {
			return trends[a].Slope > trends[b].Slope
		}
		return trends[a].Region.String() < trends[b].Region.String()
	})
	if n > 0 && len(trends) > n {
		trends = trends[:n]
	}
	return trends
}
