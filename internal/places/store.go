// Package places stores venues, their tags, user taste profiles and the
// interaction log those profiles are derived from.
package places

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/placefinder/internal/geo"
)

// Place is a venue as stored. Coordinates are optional; places without
// them never show up in geographic searches.
type Place struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	City         string   `json:"city,omitempty"`
	District     string   `json:"district,omitempty"`
	Address      string   `json:"address,omitempty"`
	Rating       float64  `json:"rating"`
	ReviewsCount int      `json:"reviews_count"`
	Tags         []string `json:"tags"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	Phone        string   `json:"phone,omitempty"`
	Website      string   `json:"website,omitempty"`
	WorkingHours string   `json:"working_hours,omitempty"`
}

// NearbyPlace is a place with its distance from a search center.
type NearbyPlace struct {
	Place
	DistanceMeters float64
}

// Profile is a user's taste profile.
type Profile struct {
	UserID            string    `json:"user_id"`
	PreferredTags     []string  `json:"preferred_tags"`
	AvoidedTags       []string  `json:"avoided_tags"`
	FavoriteDistricts []string  `json:"favorite_districts"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// InteractionKind is a user's reaction to a place.
type InteractionKind string

const (
	Liked    InteractionKind = "liked"
	Disliked InteractionKind = "disliked"
)

// Valid reports whether k is a known interaction kind.
func (k InteractionKind) Valid() bool {
	return k == Liked || k == Disliked
}

// ErrPlaceNotFound is returned when an interaction names an unknown place.
var ErrPlaceNotFound = errors.New("place not found")

// Store manages place persistence. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens the place database at the given path. The schema is
// created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// NewStoreWithDB creates a place store using an existing database connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB exposes the underlying connection so sibling stores can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS places (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			city TEXT,
			district TEXT,
			address TEXT,
			rating REAL NOT NULL DEFAULT 0,
			reviews_count INTEGER NOT NULL DEFAULT 0,
			latitude REAL,
			longitude REAL,
			phone TEXT,
			website TEXT,
			working_hours TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_places_lat_lon ON places(latitude, longitude);
		CREATE INDEX IF NOT EXISTS idx_places_rating ON places(rating);

		CREATE TABLE IF NOT EXISTS tags (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		);

		CREATE TABLE IF NOT EXISTS place_tags (
			place_id INTEGER NOT NULL REFERENCES places(id) ON DELETE CASCADE,
			tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
			PRIMARY KEY (place_id, tag_id)
		);

		CREATE TABLE IF NOT EXISTS user_profiles (
			user_id TEXT PRIMARY KEY,
			preferred_tags TEXT NOT NULL DEFAULT '[]',
			avoided_tags TEXT NOT NULL DEFAULT '[]',
			favorite_districts TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS user_interactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			place_id INTEGER NOT NULL,
			interaction_type TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_interactions_user ON user_interactions(user_id, id);
	`)
	return err
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertPlace inserts or replaces a place and its tag links.
func (s *Store) UpsertPlace(ctx context.Context, p Place) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO places (id, name, city, district, address, rating, reviews_count,
			latitude, longitude, phone, website, working_hours)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, city = excluded.city, district = excluded.district,
			address = excluded.address, rating = excluded.rating,
			reviews_count = excluded.reviews_count, latitude = excluded.latitude,
			longitude = excluded.longitude, phone = excluded.phone,
			website = excluded.website, working_hours = excluded.working_hours`,
		p.ID, p.Name, nullString(p.City), nullString(p.District), nullString(p.Address),
		p.Rating, p.ReviewsCount, nullFloat(p.Latitude), nullFloat(p.Longitude),
		nullString(p.Phone), nullString(p.Website), nullString(p.WorkingHours),
	)
	if err != nil {
		return fmt.Errorf("upsert place %d: %w", p.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM place_tags WHERE place_id = ?`, p.ID); err != nil {
		return fmt.Errorf("clear tags for %d: %w", p.ID, err)
	}
	for _, name := range p.Tags {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tags (name) VALUES (?)`, name); err != nil {
			return fmt.Errorf("insert tag %q: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO place_tags (place_id, tag_id)
			SELECT ?, id FROM tags WHERE name = ?`, p.ID, name); err != nil {
			return fmt.Errorf("link tag %q: %w", name, err)
		}
	}

	return tx.Commit()
}

const placeColumns = `id, name, COALESCE(city, ''), COALESCE(district, ''), COALESCE(address, ''),
	rating, reviews_count, latitude, longitude,
	COALESCE(phone, ''), COALESCE(website, ''), COALESCE(working_hours, '')`

func scanPlace(rows *sql.Rows) (Place, error) {
	var p Place
	var lat, lon sql.NullFloat64
	err := rows.Scan(&p.ID, &p.Name, &p.City, &p.District, &p.Address,
		&p.Rating, &p.ReviewsCount, &lat, &lon,
		&p.Phone, &p.Website, &p.WorkingHours)
	if err != nil {
		return p, err
	}
	if lat.Valid && lon.Valid {
		p.Latitude, p.Longitude = &lat.Float64, &lon.Float64
	}
	return p, nil
}

// Nearby returns places within radiusMeters of center rated at least
// minRating, nearest first, at most limit of them.
func (s *Store) Nearby(ctx context.Context, center geo.Point, radiusMeters, minRating float64, limit int) ([]NearbyPlace, error) {
	minLat, maxLat, minLon, maxLon := geo.BoundingBox(center, radiusMeters)
	rows, err := s.db.QueryContext(ctx, `SELECT `+placeColumns+`
		FROM places
		WHERE latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ?
		  AND rating >= ?`,
		minLat, maxLat, minLon, maxLon, minRating,
	)
	if err != nil {
		return nil, fmt.Errorf("query nearby: %w", err)
	}
	defer rows.Close()

	var result []NearbyPlace
	for rows.Next() {
		p, err := scanPlace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan place: %w", err)
		}
		if p.Latitude == nil {
			continue
		}
		d := geo.Distance(center, geo.Point{Lat: *p.Latitude, Lon: *p.Longitude})
		if d > radiusMeters {
			continue
		}
		result = append(result, NearbyPlace{Place: p, DistanceMeters: d})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nearby: %w", err)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].DistanceMeters != result[j].DistanceMeters {
			return result[i].DistanceMeters < result[j].DistanceMeters
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	ids := make([]int64, len(result))
	for i := range result {
		ids[i] = result[i].ID
	}
	tags, err := s.tagsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range result {
		result[i].Tags = tags[result[i].ID]
		if result[i].Tags == nil {
			result[i].Tags = []string{}
		}
	}
	return result, nil
}

// Details returns the places with the given ids in the order the ids were
// given. Unknown ids are skipped; duplicates collapse to one entry.
func (s *Store) Details(ctx context.Context, ids []int64) ([]Place, error) {
	if len(ids) == 0 {
		return []Place{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+placeColumns+` FROM places WHERE id IN (`+placeholders(len(ids))+`)`,
		int64Args(ids)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query details: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]Place, len(ids))
	for rows.Next() {
		p, err := scanPlace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan place: %w", err)
		}
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate details: %w", err)
	}

	tags, err := s.tagsFor(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := make([]Place, 0, len(byID))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		p, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		p.Tags = tags[id]
		if p.Tags == nil {
			p.Tags = []string{}
		}
		result = append(result, p)
	}
	return result, nil
}

func (s *Store) tagsFor(ctx context.Context, ids []int64) (map[int64][]string, error) {
	out := make(map[int64][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT pt.place_id, t.name
		FROM place_tags pt JOIN tags t ON t.id = pt.tag_id
		WHERE pt.place_id IN (`+placeholders(len(ids))+`)
		ORDER BY pt.place_id, t.id`,
		int64Args(ids)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		out[id] = append(out[id], name)
	}
	return out, rows.Err()
}

// Tags returns every known tag name, sorted.
func (s *Store) Tags(ctx context.Context) ([]string, error) {
	return s.strings(ctx, `SELECT name FROM tags ORDER BY name`)
}

// Districts returns every distinct non-empty district, sorted.
func (s *Store) Districts(ctx context.Context) ([]string, error) {
	return s.strings(ctx, `SELECT DISTINCT district FROM places WHERE district IS NOT NULL AND district != '' ORDER BY district`)
}

func (s *Store) strings(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	result := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

// Profile returns the user's taste profile, or nil if none exists yet.
func (s *Store) Profile(ctx context.Context, userID string) (*Profile, error) {
	return profile(ctx, s.db, userID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func profile(ctx context.Context, q querier, userID string) (*Profile, error) {
	var (
		p                           Profile
		preferred, avoided, favorites string
		created, updated            string
	)
	err := q.QueryRowContext(ctx, `
		SELECT user_id, preferred_tags, avoided_tags, favorite_districts, created_at, updated_at
		FROM user_profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &preferred, &avoided, &favorites, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}

	for _, f := range []struct {
		raw string
		dst *[]string
	}{
		{preferred, &p.PreferredTags},
		{avoided, &p.AvoidedTags},
		{favorites, &p.FavoriteDistricts},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode profile %s: %w", userID, err)
		}
		if *f.dst == nil {
			*f.dst = []string{}
		}
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, created)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &p, nil
}

// LikedPlaces returns up to limit place ids the user liked, newest first.
func (s *Store) LikedPlaces(ctx context.Context, userID string, limit int) ([]int64, error) {
	// The interaction log is append-only, so row id order is time order.
	rows, err := s.db.QueryContext(ctx, `
		SELECT place_id FROM user_interactions
		WHERE user_id = ? AND interaction_type = ?
		ORDER BY id DESC LIMIT ?`,
		userID, string(Liked), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query liked places: %w", err)
	}
	defer rows.Close()

	result := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

// RecordInteraction appends a like or dislike and folds it into the
// user's profile, creating the profile on first use. A like moves the
// place's tags into the preferred set and its district into favourites;
// a dislike moves the tags into the avoided set.
func (s *Store) RecordInteraction(ctx context.Context, userID string, placeID int64, kind InteractionKind) (*Profile, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid interaction type %q", kind)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var district string
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(district, '') FROM places WHERE id = ?`, placeID).Scan(&district)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrPlaceNotFound, placeID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup place %d: %w", placeID, err)
	}

	var tags []string
	rows, err := tx.QueryContext(ctx, `
		SELECT t.name FROM place_tags pt JOIN tags t ON t.id = pt.tag_id
		WHERE pt.place_id = ? ORDER BY t.id`, placeID)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_interactions (user_id, place_id, interaction_type, created_at)
		VALUES (?, ?, ?, ?)`,
		userID, placeID, string(kind), now.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("insert interaction: %w", err)
	}

	p, err := profile(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &Profile{
			UserID:            userID,
			PreferredTags:     []string{},
			AvoidedTags:       []string{},
			FavoriteDistricts: []string{},
			CreatedAt:         now,
		}
	}
	p.UpdatedAt = now

	switch kind {
	case Liked:
		p.PreferredTags = union(p.PreferredTags, tags)
		p.AvoidedTags = subtract(p.AvoidedTags, tags)
		if district != "" {
			p.FavoriteDistricts = union(p.FavoriteDistricts, []string{district})
		}
	case Disliked:
		p.AvoidedTags = union(p.AvoidedTags, tags)
		p.PreferredTags = subtract(p.PreferredTags, tags)
	}

	preferred, _ := json.Marshal(p.PreferredTags)
	avoided, _ := json.Marshal(p.AvoidedTags)
	districts, _ := json.Marshal(p.FavoriteDistricts)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, preferred_tags, avoided_tags, favorite_districts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			preferred_tags = excluded.preferred_tags,
			avoided_tags = excluded.avoided_tags,
			favorite_districts = excluded.favorite_districts,
			updated_at = excluded.updated_at`,
		userID, string(preferred), string(avoided), string(districts),
		p.CreatedAt.Format(time.RFC3339), p.UpdatedAt.Format(time.RFC3339),
	); err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range append(append([]string{}, a...), b...) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func subtract(a, b []string) []string {
	drop := make(map[string]bool, len(b))
	for _, v := range b {
		drop[v] = true
	}
	out := make([]string, 0, len(a))
	for _, v := range a {
		if !drop[v] {
			out = append(out, v)
		}
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
