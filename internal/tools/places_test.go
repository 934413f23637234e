package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/nugget/placefinder/internal/retrieval"
	"github.com/nugget/placefinder/internal/vectorindex"
)

type fakeRetriever struct {
	semantic  []retrieval.SemanticQuery
	geo       []retrieval.GeoQuery
	profileOf []string
	result    []retrieval.Candidate
}

func (f *fakeRetriever) SemanticSearch(_ context.Context, q retrieval.SemanticQuery) []retrieval.Candidate {
	f.semantic = append(f.semantic, q)
	return f.result
}

func (f *fakeRetriever) GeoSearch(_ context.Context, q retrieval.GeoQuery) []retrieval.Candidate {
	f.geo = append(f.geo, q)
	return f.result
}

func (f *fakeRetriever) UserProfile(_ context.Context, userID string) retrieval.ProfileResult {
	f.profileOf = append(f.profileOf, userID)
	return retrieval.ProfileResult{UserID: userID, PreferredTags: []string{"Кафе"}}
}

type fakeRanker struct {
	ids    []int64
	userID string
}

func (f *fakeRanker) Rank(_ context.Context, ids []int64, userID string) []retrieval.Candidate {
	f.ids, f.userID = ids, userID
	out := make([]retrieval.Candidate, len(ids))
	for i, id := range ids {
		out[i] = retrieval.Candidate{ID: id}
	}
	return out
}

func newTestRegistry() (*Registry, *fakeRetriever, *fakeRanker) {
	ret := &fakeRetriever{result: []retrieval.Candidate{{ID: 1, Name: "Кофемания"}}}
	rk := &fakeRanker{}
	return NewPlaceRegistry(ret, rk, nil), ret, rk
}

func TestRegistry_ListSortedOpenAIFormat(t *testing.T) {
	r, _, _ := newTestRegistry()

	var names []string
	for _, entry := range r.List() {
		if entry["type"] != "function" {
			t.Errorf("type = %v, want function", entry["type"])
		}
		fn := entry["function"].(map[string]any)
		names = append(names, fn["name"].(string))
	}
	want := []string{GetUserProfile, RankPersonalized, SearchByGeo, SearchByPreferences}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("tool names mismatch (-want +got):\n%s", diff)
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	r, _, _ := newTestRegistry()

	_, err := r.Execute(context.Background(), "search_by_metro", nil)
	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("Execute() error = %v, want *ErrToolUnavailable", err)
	}
}

func TestSearchByPreferences_Defaults(t *testing.T) {
	r, ret, _ := newTestRegistry()

	got, err := r.Execute(context.Background(), SearchByPreferences, "романтичный ужин")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if list, ok := got.([]retrieval.Candidate); !ok || len(list) != 1 {
		t.Errorf("result = %#v, want one candidate", got)
	}

	want := retrieval.SemanticQuery{Query: "романтичный ужин", MinRating: retrieval.Rating(4.0), Limit: 50}
	if diff := cmp.Diff([]retrieval.SemanticQuery{want}, ret.semantic); diff != "" {
		t.Errorf("query mismatch (-want +got):\n%s", diff)
	}
}

func TestSearchByPreferences_ZeroMinRating(t *testing.T) {
	r, ret, _ := newTestRegistry()

	if _, err := r.Execute(context.Background(), SearchByPreferences, map[string]any{"query": "столовая", "min_rating": float64(0)}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := retrieval.SemanticQuery{Query: "столовая", MinRating: retrieval.Rating(0), Limit: 50}
	if diff := cmp.Diff([]retrieval.SemanticQuery{want}, ret.semantic); diff != "" {
		t.Errorf("query mismatch (-want +got):\n%s", diff)
	}
}

type constEmbedder struct{}

func (constEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

type ratedIndex struct{ hits []vectorindex.Hit }

func (x ratedIndex) Search(_ context.Context, _ []float32, minRating float64, limit int) ([]vectorindex.Hit, error) {
	var out []vectorindex.Hit
	for _, h := range x.hits {
		if h.Payload.Rating >= minRating && len(out) < limit {
			out = append(out, h)
		}
	}
	return out, nil
}

func TestSearchByPreferences_ZeroMinRatingReachesIndex(t *testing.T) {
	svc := retrieval.New(retrieval.Config{
		Embedder: constEmbedder{},
		Index: ratedIndex{hits: []vectorindex.Hit{
			{ID: 9, Score: 0.8, Payload: vectorindex.Payload{Name: "Столовая №1", Tags: "Столовая", Rating: 3.0}},
		}},
	})
	r := NewPlaceRegistry(svc, &fakeRanker{}, nil)

	tests := []struct {
		name  string
		input map[string]any
		want  int
	}{
		{"default filter", map[string]any{"query": "обед"}, 0},
		{"explicit zero", map[string]any{"query": "обед", "min_rating": float64(0)}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Execute(context.Background(), SearchByPreferences, tt.input)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			list := got.([]retrieval.Candidate)
			if len(list) != tt.want {
				t.Errorf("got %d places, want %d", len(list), tt.want)
			}
		})
	}
}

func TestSearchByPreferences_InvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		wantMsg string
	}{
		{"missing query", map[string]any{"tags": []any{"Кафе"}}, "query is required"},
		{"rating out of range", map[string]any{"query": "кофе", "min_rating": float64(9)}, "min_rating"},
		{"zero limit", map[string]any{"query": "кофе", "limit": float64(0)}, "limit"},
		{"limit not a number", map[string]any{"query": "кофе", "limit": "много"}, "limit must be a number"},
		{"malformed json", `{"query": `, "malformed JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ret, _ := newTestRegistry()
			_, err := r.Execute(context.Background(), SearchByPreferences, tt.input)

			var invalidInput *ErrInvalidInput
			if !errors.As(err, &invalidInput) {
				t.Fatalf("Execute() error = %v, want *ErrInvalidInput", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantMsg)
			}
			if len(ret.semantic) != 0 {
				t.Error("search should not run on invalid input")
			}
		})
	}
}

func TestSearchByGeo(t *testing.T) {
	lat, lon := 55.76, 37.62

	t.Run("uses scope coordinates", func(t *testing.T) {
		r, ret, _ := newTestRegistry()
		ctx := WithScope(context.Background(), Scope{UserID: "u1", Latitude: &lat, Longitude: &lon})

		_, err := r.Execute(ctx, SearchByGeo, `{"location": "текущая геолокация", "tags": "Кафе", "radius_meters": "800"}`)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		q := ret.geo[0]
		if q.Location != "текущая геолокация" || q.RadiusMeters != 800 || q.Limit != 50 || q.MinRating == nil || *q.MinRating != 4.0 {
			t.Errorf("query = %+v", q)
		}
		if diff := cmp.Diff([]string{"Кафе"}, q.Tags); diff != "" {
			t.Errorf("tags mismatch (-want +got):\n%s", diff)
		}
		if q.UserLat == nil || *q.UserLat != lat || q.UserLon == nil || *q.UserLon != lon {
			t.Errorf("user coordinates not passed: %+v", q)
		}
	})

	t.Run("landmark without coordinates", func(t *testing.T) {
		r, ret, _ := newTestRegistry()

		if _, err := r.Execute(context.Background(), SearchByGeo, "Кремль"); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		q := ret.geo[0]
		if q.Location != "Кремль" || q.RadiusMeters != 1500 || q.UserLat != nil {
			t.Errorf("query = %+v", q)
		}
	})

	t.Run("empty location needs coordinates", func(t *testing.T) {
		r, ret, _ := newTestRegistry()

		_, err := r.Execute(context.Background(), SearchByGeo, map[string]any{})
		var invalidInput *ErrInvalidInput
		if !errors.As(err, &invalidInput) {
			t.Fatalf("Execute() error = %v, want *ErrInvalidInput", err)
		}
		if len(ret.geo) != 0 {
			t.Error("search should not run")
		}

		ctx := WithScope(context.Background(), Scope{Latitude: &lat, Longitude: &lon})
		if _, err := r.Execute(ctx, SearchByGeo, map[string]any{}); err != nil {
			t.Errorf("Execute with coordinates: %v", err)
		}
	})
}

func TestGetUserProfile(t *testing.T) {
	r, ret, _ := newTestRegistry()

	if _, err := r.Execute(context.Background(), GetUserProfile, ""); !errors.Is(err, errNoUser) {
		t.Errorf("Execute() without user = %v, want errNoUser", err)
	}

	ctx := WithScope(context.Background(), Scope{UserID: "42"})
	got, err := r.Execute(ctx, GetUserProfile, "ignored text")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	profile, ok := got.(retrieval.ProfileResult)
	if !ok || profile.UserID != "42" {
		t.Errorf("result = %#v", got)
	}
	if diff := cmp.Diff([]string{"42"}, ret.profileOf); diff != "" {
		t.Errorf("profile lookups mismatch (-want +got):\n%s", diff)
	}
}

func TestRankPersonalized(t *testing.T) {
	ctx := WithScope(context.Background(), Scope{UserID: "42"})

	t.Run("numeric strings", func(t *testing.T) {
		r, _, rk := newTestRegistry()

		if _, err := r.Execute(ctx, RankPersonalized, `{"place_ids": ["3", 1, "2"]}`); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if diff := cmp.Diff([]int64{3, 1, 2}, rk.ids); diff != "" {
			t.Errorf("ids mismatch (-want +got):\n%s", diff)
		}
		if rk.userID != "42" {
			t.Errorf("userID = %q, want 42", rk.userID)
		}
	})

	t.Run("missing place_ids", func(t *testing.T) {
		r, _, rk := newTestRegistry()

		_, err := r.Execute(ctx, RankPersonalized, map[string]any{})
		var invalidInput *ErrInvalidInput
		if !errors.As(err, &invalidInput) {
			t.Fatalf("Execute() error = %v, want *ErrInvalidInput", err)
		}
		if rk.ids != nil {
			t.Error("ranker should not be called")
		}
	})

	t.Run("empty list is passed through", func(t *testing.T) {
		r, _, rk := newTestRegistry()

		got, err := r.Execute(ctx, RankPersonalized, map[string]any{"place_ids": []any{}})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if list := got.([]retrieval.Candidate); len(list) != 0 {
			t.Errorf("result = %v, want empty", list)
		}
		if rk.ids == nil || len(rk.ids) != 0 {
			t.Errorf("ranker ids = %#v, want empty non-nil", rk.ids)
		}
	})
}

func TestFormatResult(t *testing.T) {
	score := 0.5
	got := FormatResult([]retrieval.Candidate{{ID: 7, Name: "Бар", Tags: []string{"Бары"}, PersonalizationScore: &score}})
	for _, want := range []string{`"id":7`, `"personalization_score":0.5`, `"tags":["Бары"]`} {
		if !strings.Contains(got, want) {
			t.Errorf("FormatResult() = %s, missing %s", got, want)
		}
	}
}

func TestFormatObservation(t *testing.T) {
	sim, dist, pers := 0.91, 420.0, 0.7
	c := retrieval.Candidate{
		ID: 3, Name: "Хинкальная", Address: "Тверская, 1", District: "Тверской",
		Tags: []string{"Грузинская кухня"}, Rating: 4.4, ReviewsCount: 80,
		Phone: "+7 495 000-00-00", Website: "https://example.ru",
		SimilarityScore: &sim, DistanceMeters: &dist, PersonalizationScore: &pers,
	}

	tests := []struct {
		tool string
		want map[string]any
	}{
		{SearchByPreferences, map[string]any{
			"id": float64(3), "name": "Хинкальная", "description": "", "tags": []any{"Грузинская кухня"},
			"district": "Тверской", "rating": 4.4, "reviews_count": float64(80), "similarity_score": 0.91,
		}},
		{SearchByGeo, map[string]any{
			"id": float64(3), "name": "Хинкальная", "rating": 4.4, "distance_meters": float64(420),
			"address": "Тверская, 1", "district": "Тверской", "tags": []any{"Грузинская кухня"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			var got []map[string]any
			if err := json.Unmarshal([]byte(FormatObservation(tt.tool, []retrieval.Candidate{c})), &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if diff := cmp.Diff([]map[string]any{tt.want}, got); diff != "" {
				t.Errorf("observation mismatch (-want +got):\n%s", diff)
			}
		})
	}

	// Ranked results keep every field plus the personalization score.
	ranked := FormatObservation(RankPersonalized, []retrieval.Candidate{c})
	for _, want := range []string{`"personalization_score":0.7`, `"phone":"+7 495 000-00-00"`} {
		if !strings.Contains(ranked, want) {
			t.Errorf("ranked observation %s missing %s", ranked, want)
		}
	}
}
