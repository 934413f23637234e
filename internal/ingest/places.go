// Package ingest imports place catalogues into the place store and the
// vector index.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/nugget/placefinder/internal/embeddings"
	"github.com/nugget/placefinder/internal/places"
	"github.com/nugget/placefinder/internal/vectorindex"
)

// MinEmbedRating is the lowest rating that gets a vector. Lower rated
// places are stored but never returned by semantic search.
const MinEmbedRating = 4.0

// PlaceWriter persists places. places.Store satisfies it.
type PlaceWriter interface {
	UpsertPlace(ctx context.Context, p places.Place) error
}

// VectorWriter persists vectors. vectorindex.Index satisfies it.
type VectorWriter interface {
	Upsert(ctx context.Context, p vectorindex.Point) error
}

// Record is one place as it appears in an import file. Tags may be a
// list or a JSON-encoded list in tags_json.
type Record struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	City         string   `json:"city"`
	District     string   `json:"district"`
	Address      string   `json:"address"`
	Rating       *float64 `json:"rating"`
	ReviewsCount int      `json:"reviews_count"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	Phone        string   `json:"phone"`
	MobilePhone  string   `json:"mobile_phone"`
	Website      string   `json:"website"`
	WorkingHours string   `json:"working_hours"`
	Tags         []string `json:"tags"`
	TagsJSON     string   `json:"tags_json"`
}

// Result summarizes an import run.
type Result struct {
	Places   int
	Embedded int
	Skipped  int
}

// PlaceIngester loads places and their embeddings.
type PlaceIngester struct {
	store    PlaceWriter
	index    VectorWriter
	embedder embeddings.Embedder
	logger   *slog.Logger
}

// NewPlaceIngester creates an ingester. index and embedder may both be
// nil, in which case only the relational store is populated.
func NewPlaceIngester(store PlaceWriter, index VectorWriter, embedder embeddings.Embedder, logger *slog.Logger) *PlaceIngester {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlaceIngester{
		store:    store,
		index:    index,
		embedder: embedder,
		logger:   logger.With("component", "ingest"),
	}
}

// IngestFile reads a JSON array of places from path.
func (g *PlaceIngester) IngestFile(ctx context.Context, path string) (Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()
	return g.Ingest(ctx, file)
}

// Ingest reads a JSON array of places from r. Records that fail to store
// or embed are logged and skipped; only a malformed document is an error.
func (g *PlaceIngester) Ingest(ctx context.Context, r io.Reader) (Result, error) {
	var records []Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return Result{}, fmt.Errorf("decode places: %w", err)
	}

	var res Result
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p, err := rec.place()
		if err != nil {
			g.logger.Warn("skipping place", "id", rec.ID, "name", rec.Name, "error", err)
			res.Skipped++
			continue
		}
		if err := g.store.UpsertPlace(ctx, p); err != nil {
			g.logger.Warn("failed to store place", "id", p.ID, "error", err)
			res.Skipped++
			continue
		}
		res.Places++

		if g.index == nil || g.embedder == nil || p.Rating < MinEmbedRating {
			continue
		}
		if err := g.embed(ctx, p); err != nil {
			g.logger.Warn("failed to embed place", "id", p.ID, "error", err)
			continue
		}
		res.Embedded++
	}

	g.logger.Info("import complete", "places", res.Places, "embedded", res.Embedded, "skipped", res.Skipped)
	return res, nil
}

func (g *PlaceIngester) embed(ctx context.Context, p places.Place) error {
	desc := Describe(p)
	vec, err := g.embedder.Embed(ctx, desc)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	return g.index.Upsert(ctx, vectorindex.Point{
		ID:     p.ID,
		Vector: vec,
		Payload: vectorindex.Payload{
			Name:         p.Name,
			Description:  desc,
			Tags:         strings.Join(p.Tags, ", "),
			District:     p.District,
			Rating:       p.Rating,
			ReviewsCount: p.ReviewsCount,
		},
	})
}

// Describe renders the text that is embedded for a place, e.g.
// "Кофемания. Категории: Кофейня, Завтраки. Район: Арбат. Рейтинг: 4.6".
func Describe(p places.Place) string {
	parts := []string{p.Name}
	if len(p.Tags) > 0 {
		parts = append(parts, "Категории: "+strings.Join(p.Tags, ", "))
	}
	if p.District != "" {
		parts = append(parts, "Район: "+p.District)
	}
	if p.Rating > 0 {
		parts = append(parts, "Рейтинг: "+strconv.FormatFloat(p.Rating, 'f', 1, 64))
	}
	return strings.Join(parts, ". ")
}

func (r Record) place() (places.Place, error) {
	name := strings.TrimSpace(r.Name)
	if r.ID <= 0 || name == "" {
		return places.Place{}, fmt.Errorf("id and name are required")
	}

	tags := r.Tags
	if len(tags) == 0 && r.TagsJSON != "" {
		if err := json.Unmarshal([]byte(r.TagsJSON), &tags); err != nil {
			return places.Place{}, fmt.Errorf("tags_json: %w", err)
		}
	}
	seen := make(map[string]bool, len(tags))
	clean := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		clean = append(clean, t)
	}

	phone := r.Phone
	if phone == "" {
		phone = r.MobilePhone
	}
	var rating float64
	if r.Rating != nil {
		rating = *r.Rating
	}
	lat, lon := r.Latitude, r.Longitude
	if lat == nil || lon == nil {
		lat, lon = nil, nil
	}

	return places.Place{
		ID:           r.ID,
		Name:         name,
		City:         r.City,
		District:     r.District,
		Address:      r.Address,
		Rating:       rating,
		ReviewsCount: r.ReviewsCount,
		Tags:         clean,
		Latitude:     lat,
		Longitude:    lon,
		Phone:        phone,
		Website:      r.Website,
		WorkingHours: r.WorkingHours,
	}, nil
}
