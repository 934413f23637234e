// Package retrieval implements the lookups the reasoning loop can call:
// semantic search, geographic search, profile lookup and place details.
//
// Every backend failure is logged and turned into an empty result. The
// loop must keep running with partial capability, so nothing here
// returns an error to its caller.
package retrieval

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/nugget/placefinder/internal/breaker"
	"github.com/nugget/placefinder/internal/embeddings"
	"github.com/nugget/placefinder/internal/geo"
	"github.com/nugget/placefinder/internal/metrics"
	"github.com/nugget/placefinder/internal/places"
	"github.com/nugget/placefinder/internal/vectorindex"
)

// Defaults applied when a query leaves a field zero.
const (
	DefaultMinRating     = 4.0
	DefaultSemanticLimit = 25
	DefaultGeoLimit      = 50
	DefaultRadiusMeters  = 1500

	// Overfetch factor when a tag filter will discard some rows.
	tagOverfetch = 3

	visitedPlacesLimit = 50
)

// Candidate is a place plus whatever score the producing step attached.
type Candidate struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Address      string   `json:"address,omitempty"`
	District     string   `json:"district,omitempty"`
	Tags         []string `json:"tags"`
	Rating       float64  `json:"rating"`
	ReviewsCount int      `json:"reviews_count"`
	Phone        string   `json:"phone,omitempty"`
	Website      string   `json:"website,omitempty"`
	WorkingHours string   `json:"working_hours,omitempty"`

	SimilarityScore      *float64 `json:"similarity_score,omitempty"`
	DistanceMeters       *float64 `json:"distance_meters,omitempty"`
	PersonalizationScore *float64 `json:"personalization_score,omitempty"`
}

// FromPlace converts a stored place to a candidate without scores.
func FromPlace(p places.Place) Candidate {
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	return Candidate{
		ID:           p.ID,
		Name:         p.Name,
		Address:      p.Address,
		District:     p.District,
		Tags:         tags,
		Rating:       p.Rating,
		ReviewsCount: p.ReviewsCount,
		Phone:        p.Phone,
		Website:      p.Website,
		WorkingHours: p.WorkingHours,
	}
}

// ProfileResult is the user profile as the reasoner sees it.
type ProfileResult struct {
	UserID            string   `json:"user_id"`
	PreferredTags     []string `json:"preferred_tags"`
	AvoidedTags       []string `json:"avoided_tags"`
	FavoriteDistricts []string `json:"favorite_districts"`
	VisitedPlaces     []int64  `json:"visited_places"`
	IsEmpty           bool     `json:"is_empty"`
}

func emptyProfile(userID string) ProfileResult {
	return ProfileResult{
		UserID:            userID,
		PreferredTags:     []string{},
		AvoidedTags:       []string{},
		FavoriteDistricts: []string{},
		VisitedPlaces:     []int64{},
		IsEmpty:           true,
	}
}

// SemanticQuery parameterizes SemanticSearch. A nil MinRating means
// DefaultMinRating; an explicit zero disables the rating filter.
type SemanticQuery struct {
	Query     string
	Tags      []string
	MinRating *float64
	Limit     int
}

// GeoQuery parameterizes GeoSearch. UserLat/UserLon are the caller's own
// coordinates, used when Location is empty or a "near me" phrase.
type GeoQuery struct {
	Location     string
	RadiusMeters float64
	Tags         []string
	MinRating    *float64
	Limit        int
	UserLat      *float64
	UserLon      *float64
}

// PlaceStore is the relational backend.
type PlaceStore interface {
	Nearby(ctx context.Context, center geo.Point, radiusMeters, minRating float64, limit int) ([]places.NearbyPlace, error)
	Details(ctx context.Context, ids []int64) ([]places.Place, error)
	Profile(ctx context.Context, userID string) (*places.Profile, error)
	LikedPlaces(ctx context.Context, userID string, limit int) ([]int64, error)
}

// VectorIndex is the nearest-neighbour backend.
type VectorIndex interface {
	Search(ctx context.Context, query []float32, minRating float64, limit int) ([]vectorindex.Hit, error)
}

// Config wires a Service.
type Config struct {
	Embedder embeddings.Embedder
	Index    VectorIndex
	Store    PlaceStore
	Geocoder geo.Geocoder
	Logger   *slog.Logger

	// ProfileTTL and MaxProfiles bound the in-process profile cache.
	// A zero TTL disables caching.
	ProfileTTL  time.Duration
	MaxProfiles int

	Breaker breaker.Config
}

// Service runs retrieval queries against the configured backends.
type Service struct {
	embedder embeddings.Embedder
	index    VectorIndex
	store    PlaceStore
	geocoder geo.Geocoder
	logger   *slog.Logger

	profiles    *cache.Cache
	maxProfiles int

	embedBreaker  *breaker.Breaker
	vectorBreaker *breaker.Breaker
	storeBreaker  *breaker.Breaker
}

// New creates a retrieval service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	geocoder := cfg.Geocoder
	if geocoder == nil {
		geocoder = geo.NewStaticGeocoder(logger)
	}

	s := &Service{
		embedder:      cfg.Embedder,
		index:         cfg.Index,
		store:         cfg.Store,
		geocoder:      geocoder,
		logger:        logger,
		maxProfiles:   cfg.MaxProfiles,
		embedBreaker:  breaker.New("embeddings", cfg.Breaker, logger),
		vectorBreaker: breaker.New("vector", cfg.Breaker, logger),
		storeBreaker:  breaker.New("store", cfg.Breaker, logger),
	}
	if cfg.ProfileTTL > 0 {
		// No janitor goroutine; expired entries are purged when the
		// cache fills up.
		s.profiles = cache.New(cfg.ProfileTTL, 0)
	}
	return s
}

// SemanticSearch finds places whose descriptions are close to the query.
func (s *Service) SemanticSearch(ctx context.Context, q SemanticQuery) []Candidate {
	minRating := ratingOrDefault(q.MinRating)
	if q.Limit <= 0 {
		q.Limit = DefaultSemanticLimit
	}
	s.logger.Info("semantic search", "query", q.Query, "tags", q.Tags, "min_rating", minRating, "limit", q.Limit)

	if s.embedder == nil || s.index == nil {
		s.logger.Warn("semantic search unavailable: no embedder or index configured")
		return []Candidate{}
	}

	vec, err := breaker.Do(s.embedBreaker, func() ([]float32, error) {
		return s.embedder.Embed(ctx, q.Query)
	})
	if err != nil {
		s.backendFailed("embeddings", "embed query", err)
		return []Candidate{}
	}

	fetch := q.Limit
	if len(q.Tags) > 0 {
		fetch = q.Limit * tagOverfetch
	}
	hits, err := breaker.Do(s.vectorBreaker, func() ([]vectorindex.Hit, error) {
		return s.index.Search(ctx, vec, minRating, fetch)
	})
	if err != nil {
		s.backendFailed("vector", "vector search", err)
		return []Candidate{}
	}

	result := make([]Candidate, 0, min(len(hits), q.Limit))
	for _, h := range hits {
		if !MatchesTags(h.Payload.Tags, q.Tags) {
			continue
		}
		score := float64(h.Score)
		result = append(result, Candidate{
			ID:              h.ID,
			Name:            h.Payload.Name,
			Description:     h.Payload.Description,
			District:        h.Payload.District,
			Tags:            SplitTags(h.Payload.Tags),
			Rating:          h.Payload.Rating,
			ReviewsCount:    h.Payload.ReviewsCount,
			SimilarityScore: &score,
		})
		if len(result) >= q.Limit {
			break
		}
	}

	s.logger.Info("semantic search done", "found", len(result))
	return result
}

// GeoSearch finds places near a named or user-supplied location.
func (s *Service) GeoSearch(ctx context.Context, q GeoQuery) []Candidate {
	minRating := ratingOrDefault(q.MinRating)
	if q.Limit <= 0 {
		q.Limit = DefaultGeoLimit
	}
	if q.RadiusMeters <= 0 {
		q.RadiusMeters = DefaultRadiusMeters
	}

	var center geo.Point
	if q.UserLat != nil && q.UserLon != nil && geo.IsNearMe(q.Location) {
		center = geo.Point{Lat: *q.UserLat, Lon: *q.UserLon}
		s.logger.Debug("using user location", "lat", center.Lat, "lon", center.Lon)
	} else {
		center = s.geocoder.Geocode(ctx, q.Location)
	}
	s.logger.Info("geo search",
		"location", q.Location,
		"lat", center.Lat,
		"lon", center.Lon,
		"radius_m", q.RadiusMeters,
		"tags", q.Tags,
		"min_rating", minRating,
	)

	if s.store == nil {
		return []Candidate{}
	}

	fetch := q.Limit
	if len(q.Tags) > 0 {
		fetch = q.Limit * tagOverfetch
	}
	nearby, err := breaker.Do(s.storeBreaker, func() ([]places.NearbyPlace, error) {
		return s.store.Nearby(ctx, center, q.RadiusMeters, minRating, fetch)
	})
	if err != nil {
		s.backendFailed("store", "nearby query", err)
		return []Candidate{}
	}

	result := make([]Candidate, 0, min(len(nearby), q.Limit))
	for _, p := range nearby {
		if !MatchesTags(JoinTags(p.Tags), q.Tags) {
			continue
		}
		c := FromPlace(p.Place)
		d := p.DistanceMeters
		c.DistanceMeters = &d
		result = append(result, c)
		if len(result) >= q.Limit {
			break
		}
	}

	s.logger.Info("geo search done", "found", len(result))
	return result
}

// UserProfile returns the user's profile and recently liked places.
func (s *Service) UserProfile(ctx context.Context, userID string) ProfileResult {
	if cached, ok := s.cachedProfile(userID); ok {
		return cached
	}
	if s.store == nil {
		return emptyProfile(userID)
	}

	p, err := breaker.Do(s.storeBreaker, func() (*places.Profile, error) {
		return s.store.Profile(ctx, userID)
	})
	if err != nil {
		s.backendFailed("store", "profile lookup", err)
		return emptyProfile(userID)
	}
	if p == nil {
		result := emptyProfile(userID)
		s.cacheProfile(userID, result)
		return result
	}

	visited, err := breaker.Do(s.storeBreaker, func() ([]int64, error) {
		return s.store.LikedPlaces(ctx, userID, visitedPlacesLimit)
	})
	if err != nil {
		s.backendFailed("store", "liked places lookup", err)
		return emptyProfile(userID)
	}

	result := ProfileResult{
		UserID:            userID,
		PreferredTags:     nonNil(p.PreferredTags),
		AvoidedTags:       nonNil(p.AvoidedTags),
		FavoriteDistricts: nonNil(p.FavoriteDistricts),
		VisitedPlaces:     visited,
	}
	if result.VisitedPlaces == nil {
		result.VisitedPlaces = []int64{}
	}
	s.cacheProfile(userID, result)

	s.logger.Info("profile loaded", "user_id", userID, "visited", len(visited))
	return result
}

// InvalidateProfile drops a cached profile after it changes.
func (s *Service) InvalidateProfile(userID string) {
	if s.profiles != nil {
		s.profiles.Delete(userID)
	}
}

// PlaceDetails returns full records for the given ids, in id order given.
func (s *Service) PlaceDetails(ctx context.Context, ids []int64) []Candidate {
	if len(ids) == 0 || s.store == nil {
		return []Candidate{}
	}

	rows, err := breaker.Do(s.storeBreaker, func() ([]places.Place, error) {
		return s.store.Details(ctx, ids)
	})
	if err != nil {
		s.backendFailed("store", "place details", err)
		return []Candidate{}
	}

	result := make([]Candidate, 0, len(rows))
	for _, p := range rows {
		result = append(result, FromPlace(p))
	}
	s.logger.Debug("place details loaded", "requested", len(ids), "found", len(result))
	return result
}

// Places returns raw place rows for ranking. Failures yield nil.
func (s *Service) Places(ctx context.Context, ids []int64) []places.Place {
	if len(ids) == 0 || s.store == nil {
		return nil
	}
	rows, err := breaker.Do(s.storeBreaker, func() ([]places.Place, error) {
		return s.store.Details(ctx, ids)
	})
	if err != nil {
		s.backendFailed("store", "place rows", err)
		return nil
	}
	return rows
}

// Rating wraps a minimum rating for SemanticQuery and GeoQuery.
func Rating(v float64) *float64 { return &v }

func ratingOrDefault(r *float64) float64 {
	if r == nil {
		return DefaultMinRating
	}
	return *r
}

func (s *Service) backendFailed(backend, op string, err error) {
	if breaker.IsCanceled(err) {
		s.logger.Info(op+" abandoned", "backend", backend, "error", err)
		return
	}
	metrics.BackendFailures.WithLabelValues(backend).Inc()
	if breaker.IsOpenError(err) {
		s.logger.Warn(op+" skipped: circuit open", "backend", backend)
		return
	}
	s.logger.Error(op+" failed", "backend", backend, "error", err)
}

func (s *Service) cachedProfile(userID string) (ProfileResult, bool) {
	if s.profiles == nil {
		return ProfileResult{}, false
	}
	if v, ok := s.profiles.Get(userID); ok {
		metrics.ProfileCacheLookups.WithLabelValues("hit").Inc()
		return v.(ProfileResult), true
	}
	metrics.ProfileCacheLookups.WithLabelValues("miss").Inc()
	return ProfileResult{}, false
}

func (s *Service) cacheProfile(userID string, p ProfileResult) {
	if s.profiles == nil {
		return
	}
	if s.maxProfiles > 0 && s.profiles.ItemCount() >= s.maxProfiles {
		s.profiles.DeleteExpired()
		if s.profiles.ItemCount() >= s.maxProfiles {
			return
		}
	}
	s.profiles.SetDefault(userID, p)
}

// JoinTags flattens a tag list the way the vector payload stores it.
func JoinTags(tags []string) string {
	return strings.Join(tags, ", ")
}

// SplitTags reverses JoinTags.
func SplitTags(flat string) []string {
	out := []string{}
	for _, t := range strings.Split(flat, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// MatchesTags reports whether any wanted tag occurs, case-insensitively,
// as a substring of the flattened tag string. An empty want list matches
// everything. Substring matching lets "бар" match "Бары" but also
// "Барбершоп".
func MatchesTags(flat string, want []string) bool {
	lower := strings.ToLower(flat)
	filtered := false
	for _, t := range want {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		filtered = true
		if strings.Contains(lower, t) {
			return true
		}
	}
	return !filtered
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
