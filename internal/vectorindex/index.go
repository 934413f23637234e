// Package vectorindex is a small SQLite-backed nearest-neighbour index
// over place description embeddings. Each vector carries a payload with
// the fields semantic search returns, so a query never needs a second
// lookup.
package vectorindex

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/placefinder/internal/embeddings"
)

// Payload is the data stored alongside a vector.
type Payload struct {
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	Tags         string  `json:"tags"` // flattened, ", " separated
	District     string  `json:"district"`
	Rating       float64 `json:"rating"`
	ReviewsCount int     `json:"reviews_count"`
}

// Point is a vector with its id and payload.
type Point struct {
	ID      int64
	Vector  []float32
	Payload Payload
}

// Hit is a search result.
type Hit struct {
	ID      int64
	Score   float32
	Payload Payload
}

// Index stores vectors in a single SQLite table.
type Index struct {
	db *sql.DB
}

// New opens (or creates) an index at the given database path.
func New(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return idx, nil
}

// NewWithDB creates an index using an existing database connection.
func NewWithDB(db *sql.DB) (*Index, error) {
	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return idx, nil
}

// Close closes the database connection.
func (i *Index) Close() error {
	return i.db.Close()
}

func (i *Index) migrate() error {
	_, err := i.db.Exec(`
		CREATE TABLE IF NOT EXISTS place_vectors (
			id INTEGER PRIMARY KEY,
			vector BLOB NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '',
			district TEXT NOT NULL DEFAULT '',
			rating REAL NOT NULL DEFAULT 0,
			reviews_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_place_vectors_rating ON place_vectors(rating);
	`)
	return err
}

// Upsert stores or replaces a point.
func (i *Index) Upsert(ctx context.Context, p Point) error {
	blob, err := encodeVector(p.Vector)
	if err != nil {
		return fmt.Errorf("encode vector %d: %w", p.ID, err)
	}
	_, err = i.db.ExecContext(ctx, `
		INSERT INTO place_vectors (id, vector, name, description, tags, district, rating, reviews_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			vector = excluded.vector, name = excluded.name,
			description = excluded.description, tags = excluded.tags,
			district = excluded.district, rating = excluded.rating,
			reviews_count = excluded.reviews_count`,
		p.ID, blob, p.Payload.Name, p.Payload.Description, p.Payload.Tags,
		p.Payload.District, p.Payload.Rating, p.Payload.ReviewsCount,
	)
	if err != nil {
		return fmt.Errorf("upsert vector %d: %w", p.ID, err)
	}
	return nil
}

// Count returns the number of stored vectors.
func (i *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := i.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM place_vectors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	return n, nil
}

// Search returns up to limit points rated at least minRating, most
// similar to query first. Ties keep id order.
func (i *Index) Search(ctx context.Context, query []float32, minRating float64, limit int) ([]Hit, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT id, vector, name, description, tags, district, rating, reviews_count
		FROM place_vectors
		WHERE rating >= ?
		ORDER BY id`, minRating)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h    Hit
			blob []byte
		)
		if err := rows.Scan(&h.ID, &blob, &h.Payload.Name, &h.Payload.Description,
			&h.Payload.Tags, &h.Payload.District, &h.Payload.Rating, &h.Payload.ReviewsCount); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decode vector %d: %w", h.ID, err)
		}
		if len(vec) != len(query) {
			return nil, fmt.Errorf("vector %d has dimension %d, query has %d", h.ID, len(vec), len(query))
		}
		h.Score = embeddings.CosineSimilarity(query, vec)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vectors: %w", err)
	}

	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func encodeVector(vec []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(len(vec) * 4)
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 4", len(blob))
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out, nil
}
