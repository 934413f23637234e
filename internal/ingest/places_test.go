package ingest

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"github.com/nugget/placefinder/internal/places"
	"github.com/nugget/placefinder/internal/vectorindex"
)

type mockEmbedder struct {
	texts []string
	fail  map[string]bool
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.texts = append(m.texts, text)
	for prefix := range m.fail {
		if strings.HasPrefix(text, prefix) {
			return nil, errors.New("embedding backend down")
		}
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func testBackends(t *testing.T) (*places.Store, *vectorindex.Index) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "ingest_test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := places.NewStoreWithDB(db)
	if err != nil {
		t.Fatalf("NewStoreWithDB: %v", err)
	}
	index, err := vectorindex.NewWithDB(db)
	if err != nil {
		t.Fatalf("vectorindex.NewWithDB: %v", err)
	}
	return store, index
}

const catalogue = `[
	{"id": 1, "name": "Кофемания", "district": "Арбат", "rating": 4.6, "reviews_count": 120,
	 "tags": ["Кофейня", "Завтраки", "Кофейня"], "latitude": 55.75, "longitude": 37.59},
	{"id": 2, "name": "Столовая №1", "rating": 3.2, "tags_json": "[\"Столовая\"]", "mobile_phone": "+7 900 000-00-00"},
	{"id": 3, "name": "  ", "rating": 4.9},
	{"id": 4, "name": "Хинкальная", "district": "Тверской", "rating": 4.4, "tags": ["Грузинская кухня"], "latitude": 55.76}
]`

func TestIngest(t *testing.T) {
	store, index := testBackends(t)
	emb := &mockEmbedder{}
	g := NewPlaceIngester(store, index, emb, nil)
	ctx := context.Background()

	res, err := g.Ingest(ctx, strings.NewReader(catalogue))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if diff := cmp.Diff(Result{Places: 3, Embedded: 2, Skipped: 1}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	wantTexts := []string{
		"Кофемания. Категории: Кофейня, Завтраки. Район: Арбат. Рейтинг: 4.6",
		"Хинкальная. Категории: Грузинская кухня. Район: Тверской. Рейтинг: 4.4",
	}
	if diff := cmp.Diff(wantTexts, emb.texts); diff != "" {
		t.Errorf("embedded texts mismatch (-want +got):\n%s", diff)
	}

	got, err := store.Details(ctx, []int64{1, 2, 4})
	if err != nil {
		t.Fatalf("Details: %v", err)
	}
	byID := make(map[int64]places.Place, len(got))
	for _, p := range got {
		byID[p.ID] = p
	}
	if tags := byID[1].Tags; len(tags) != 2 {
		t.Errorf("duplicate tags should collapse, got %v", tags)
	}
	if byID[2].Phone != "+7 900 000-00-00" || len(byID[2].Tags) != 1 || byID[2].Tags[0] != "Столовая" {
		t.Errorf("place 2 = %+v", byID[2])
	}
	if byID[4].Latitude != nil {
		t.Error("a lone latitude should be dropped")
	}

	n, err := index.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("vector count = %d, want 2", n)
	}
}

func TestIngest_EmbeddingFailureKeepsPlace(t *testing.T) {
	store, index := testBackends(t)
	emb := &mockEmbedder{fail: map[string]bool{"Кофемания": true}}
	g := NewPlaceIngester(store, index, emb, nil)

	res, err := g.Ingest(context.Background(), strings.NewReader(catalogue))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Places != 3 || res.Embedded != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestIngest_StoreOnly(t *testing.T) {
	store, _ := testBackends(t)
	g := NewPlaceIngester(store, nil, nil, nil)

	res, err := g.Ingest(context.Background(), strings.NewReader(catalogue))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Places != 3 || res.Embedded != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestIngest_MalformedDocument(t *testing.T) {
	store, index := testBackends(t)
	g := NewPlaceIngester(store, index, &mockEmbedder{}, nil)

	if _, err := g.Ingest(context.Background(), strings.NewReader(`{"id": 1}`)); err == nil {
		t.Error("a non-array document should fail")
	}
	if _, err := g.IngestFile(context.Background(), filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("a missing file should fail")
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		p    places.Place
		want string
	}{
		{"full", places.Place{Name: "Кофемания", Tags: []string{"Кофейня"}, District: "Арбат", Rating: 4.6}, "Кофемания. Категории: Кофейня. Район: Арбат. Рейтинг: 4.6"},
		{"name only", places.Place{Name: "Без тегов"}, "Без тегов"},
		{"no district", places.Place{Name: "Бар", Tags: []string{"Бар", "Коктейли"}, Rating: 5}, "Бар. Категории: Бар, Коктейли. Рейтинг: 5.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Describe(tt.p); got != tt.want {
				t.Errorf("Describe() = %q, want %q", got, tt.want)
			}
		})
	}
}
