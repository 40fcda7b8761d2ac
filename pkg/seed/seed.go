// Package seed imports a shipped story database into the cache for a warm
// first start. The seed database is a small sqlite file of pre-generated
// stories for popular areas, bundled with the application.
package seed

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wanderstory/storycache/pkg/cache"
	"github.com/wanderstory/storycache/pkg/logx"
)

// Config holds configuration for the seed importer
type Config struct {
	DatabasePath    string  `json:"database_path"`
	DefaultTTLHours float64 `json:"default_ttl_hours"`
	CellSizeDegrees float64 `json:"cell_size_degrees"`
}

// DefaultConfig returns default seed importer configuration
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "/usr/share/storycache/seed.db",
		DefaultTTLHours: 168,
		CellSizeDegrees: 0.01,
	}
}

// Target receives the imported entries; satisfied by *cache.Cache
type Target interface {
	Seed(entries []*cache.CacheEntry) int
}

// Importer reads seed stories out of the sqlite database
type Importer struct {
	db     *sql.DB
	config *Config
	logger *logx.Logger
}

// NewImporter opens the seed database
func NewImporter(config *Config, logger *logx.Logger) (*Importer, error) {
	if config == nil {
		config = DefaultConfig()
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open seed database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed database unreadable: %w", err)
	}

	return &Importer{db: db, config: config, logger: logger}, nil
}

// Close closes the seed database
func (im *Importer) Close() error {
	return im.db.Close()
}

// Import loads every seed story into the target cache. Rows with unusable
// coordinates or content are skipped with a warning; one bad row never
// aborts the import. Returns the number of entries the target accepted.
func (im *Importer) Import(target Target) (int, error) {
	rows, err := im.db.Query(`
		SELECT content_id, latitude, longitude, content, tags, popularity, ttl_hours
		FROM stories
		ORDER BY popularity DESC`)
	if err != nil {
		return 0, fmt.Errorf("failed to query seed stories: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var entries []*cache.CacheEntry
	skipped := 0

	for rows.Next() {
		var (
			contentID  string
			lat, lon   float64
			content    string
			tags       sql.NullString
			popularity sql.NullFloat64
			ttlHours   sql.NullFloat64
		)
		if err := rows.Scan(&contentID, &lat, &lon, &content, &tags, &popularity, &ttlHours); err != nil {
			im.logger.Warn("seed_row_unreadable", "error", err.Error())
			skipped++
			continue
		}
		if !json.Valid([]byte(content)) {
			im.logger.Warn("seed_row_bad_content", "content_id", contentID)
			skipped++
			continue
		}

		ttl := im.config.DefaultTTLHours
		if ttlHours.Valid && ttlHours.Float64 > 0 {
			ttl = ttlHours.Float64
		}
		score := 1.0
		if popularity.Valid {
			score = popularity.Float64
		}

		loc := cache.Location{Latitude: lat, Longitude: lon}
		entries = append(entries, &cache.CacheEntry{
			ID:              cache.EntryID(loc, contentID, im.config.CellSizeDegrees),
			Location:        loc,
			Content:         json.RawMessage(content),
			Tags:            splitTags(tags.String),
			CreatedAt:       now,
			LastAccessedAt:  now,
			PopularityScore: score,
			ExpiresAt:       now.Add(time.Duration(ttl * float64(time.Hour))),
		})
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read seed stories: %w", err)
	}

	loaded := target.Seed(entries)
	im.logger.Info("seed_import_completed",
		"rows", len(entries)+skipped,
		"skipped", skipped,
		"loaded", loaded,
	)
	return loaded, nil
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			tags = append(tags, trimmed)
		}
	}
	return tags
}
