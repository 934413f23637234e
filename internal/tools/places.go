package tools

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nugget/placefinder/internal/retrieval"
	"github.com/nugget/placefinder/internal/validation"
)

// Wire names of the place tools.
const (
	SearchByPreferences = "search_by_preferences"
	SearchByGeo         = "search_by_geo"
	GetUserProfile      = "get_user_profile"
	RankPersonalized    = "rank_personalized"
)

// Defaults the reasoner sees for omitted arguments.
const (
	defaultMinRating    = 4.0
	defaultLimit        = 50
	defaultRadiusMeters = 1500
)

var errNoUser = errors.New("no user is bound to this turn")

// Retriever runs searches and profile lookups. retrieval.Service
// satisfies it.
type Retriever interface {
	SemanticSearch(ctx context.Context, q retrieval.SemanticQuery) []retrieval.Candidate
	GeoSearch(ctx context.Context, q retrieval.GeoQuery) []retrieval.Candidate
	UserProfile(ctx context.Context, userID string) retrieval.ProfileResult
}

// Ranker re-orders places for a user. ranking.Ranker satisfies it.
type Ranker interface {
	Rank(ctx context.Context, placeIDs []int64, userID string) []retrieval.Candidate
}

type placeTools struct {
	retriever Retriever
	ranker    Ranker
	logger    *slog.Logger
}

// NewPlaceRegistry creates a registry holding the four place tools.
func NewPlaceRegistry(ret Retriever, rk Ranker, logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	p := &placeTools{retriever: ret, ranker: rk, logger: r.logger}

	r.Register(&Tool{
		Name: SearchByPreferences,
		Description: "Семантический поиск мест по описанию предпочтений. " +
			"Используй, когда пользователь описывает атмосферу, стиль или вид отдыха " +
			"(уютное, романтичное, активный отдых). Параметр query пиши на русском. " +
			"Возвращает места с полями id, name, description, tags, district, rating, reviews_count, similarity_score.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Описание предпочтений в свободной форме на русском языке",
				},
				"tags": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Теги для фильтрации (например, Кафе, Бары)",
				},
				"min_rating": map[string]any{
					"type":        "number",
					"description": "Минимальный рейтинг от 0 до 5",
					"default":     defaultMinRating,
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Максимальное количество результатов",
					"default":     defaultLimit,
				},
			},
			"required": []string{"query"},
		},
		TextArg: "query",
		Handler: p.handleSearchByPreferences,
	})

	r.Register(&Tool{
		Name: SearchByGeo,
		Description: "Поиск мест рядом с адресом, станцией метро или достопримечательностью. " +
			"Если пользователь ищет рядом с собой, передай location=\"текущая геолокация\": " +
			"будут использованы его координаты. " +
			"Возвращает места с полями id, name, rating, distance_meters, address, district, tags.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{
					"type":        "string",
					"description": "Адрес или название места (например, Кремль, Пушкинская)",
				},
				"radius_meters": map[string]any{
					"type":        "integer",
					"description": "Радиус поиска в метрах",
					"default":     defaultRadiusMeters,
				},
				"tags": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Фильтр по типу места",
				},
				"min_rating": map[string]any{
					"type":        "number",
					"description": "Минимальный рейтинг от 0 до 5",
					"default":     defaultMinRating,
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Максимальное количество результатов",
					"default":     defaultLimit,
				},
			},
			"required": []string{"location"},
		},
		TextArg: "location",
		Handler: p.handleSearchByGeo,
	})

	r.Register(&Tool{
		Name: GetUserProfile,
		Description: "Профиль и история текущего пользователя. Параметры не нужны. " +
			"Возвращает preferred_tags, avoided_tags, favorite_districts, visited_places, is_empty.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: p.handleGetUserProfile,
	})

	r.Register(&Tool{
		Name: RankPersonalized,
		Description: "Переранжировать найденные места с учётом профиля текущего пользователя. " +
			"Вызывай после поиска, передав id найденных мест: {\"place_ids\": [123, 456]}. " +
			"Возвращает места, отсортированные по personalization_score.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"place_ids": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "integer"},
					"description": "Идентификаторы мест из результатов поиска",
				},
			},
			"required": []string{"place_ids"},
		},
		TextArg: "place_ids",
		Handler: p.handleRankPersonalized,
	})

	return r
}

type preferencesArgs struct {
	Query     string   `json:"query" validate:"required"`
	Tags      []string `json:"tags"`
	MinRating float64  `json:"min_rating" validate:"gte=0,lte=5"`
	Limit     int      `json:"limit" validate:"gte=1,lte=100"`
}

func (p *placeTools) handleSearchByPreferences(ctx context.Context, args map[string]any) (any, error) {
	a := preferencesArgs{Query: stringArg(args, "query")}
	var err error
	if a.Tags, err = stringsArg(args, "tags"); err != nil {
		return nil, invalid(SearchByPreferences, err)
	}
	if a.MinRating, err = floatArg(args, "min_rating", defaultMinRating); err != nil {
		return nil, invalid(SearchByPreferences, err)
	}
	if a.Limit, err = intArg(args, "limit", defaultLimit); err != nil {
		return nil, invalid(SearchByPreferences, err)
	}
	if err := validation.Struct(&a); err != nil {
		return nil, invalid(SearchByPreferences, err)
	}

	p.logger.Info("semantic search", "query", a.Query, "tags", a.Tags, "min_rating", a.MinRating, "limit", a.Limit)
	return p.retriever.SemanticSearch(ctx, retrieval.SemanticQuery{
		Query:     a.Query,
		Tags:      a.Tags,
		MinRating: retrieval.Rating(a.MinRating),
		Limit:     a.Limit,
	}), nil
}

type geoArgs struct {
	Location     string   `json:"location"`
	RadiusMeters float64  `json:"radius_meters" validate:"gt=0,lte=50000"`
	Tags         []string `json:"tags"`
	MinRating    float64  `json:"min_rating" validate:"gte=0,lte=5"`
	Limit        int      `json:"limit" validate:"gte=1,lte=100"`
}

func (p *placeTools) handleSearchByGeo(ctx context.Context, args map[string]any) (any, error) {
	scope := ScopeFromContext(ctx)

	a := geoArgs{Location: stringArg(args, "location")}
	var err error
	if a.RadiusMeters, err = floatArg(args, "radius_meters", defaultRadiusMeters); err != nil {
		return nil, invalid(SearchByGeo, err)
	}
	if a.Tags, err = stringsArg(args, "tags"); err != nil {
		return nil, invalid(SearchByGeo, err)
	}
	if a.MinRating, err = floatArg(args, "min_rating", defaultMinRating); err != nil {
		return nil, invalid(SearchByGeo, err)
	}
	if a.Limit, err = intArg(args, "limit", defaultLimit); err != nil {
		return nil, invalid(SearchByGeo, err)
	}
	if err := validation.Struct(&a); err != nil {
		return nil, invalid(SearchByGeo, err)
	}
	// Without the caller's coordinates there is nothing to search near.
	if a.Location == "" && !scope.HasCoordinates() {
		return nil, invalid(SearchByGeo, &validation.Error{Fields: []validation.FieldError{{
			Field: "location", Tag: "required", Message: "location is required",
		}}})
	}

	p.logger.Info("geo search", "location", a.Location, "radius_meters", a.RadiusMeters, "tags", a.Tags, "limit", a.Limit)
	q := retrieval.GeoQuery{
		Location:     a.Location,
		RadiusMeters: a.RadiusMeters,
		Tags:         a.Tags,
		MinRating:    retrieval.Rating(a.MinRating),
		Limit:        a.Limit,
	}
	if scope.HasCoordinates() {
		q.UserLat, q.UserLon = scope.Latitude, scope.Longitude
	}
	return p.retriever.GeoSearch(ctx, q), nil
}

func (p *placeTools) handleGetUserProfile(ctx context.Context, _ map[string]any) (any, error) {
	scope := ScopeFromContext(ctx)
	if scope.UserID == "" {
		return nil, errNoUser
	}
	return p.retriever.UserProfile(ctx, scope.UserID), nil
}

type rankArgs struct {
	PlaceIDs []int64 `json:"place_ids" validate:"required,max=200"`
}

func (p *placeTools) handleRankPersonalized(ctx context.Context, args map[string]any) (any, error) {
	scope := ScopeFromContext(ctx)
	if scope.UserID == "" {
		return nil, errNoUser
	}

	var a rankArgs
	var err error
	if a.PlaceIDs, err = idsArg(args, "place_ids"); err != nil {
		return nil, invalid(RankPersonalized, err)
	}
	if err := validation.Struct(&a); err != nil {
		return nil, invalid(RankPersonalized, err)
	}
	return p.ranker.Rank(ctx, a.PlaceIDs, scope.UserID), nil
}

func invalid(tool string, err error) *ErrInvalidInput {
	return &ErrInvalidInput{ToolName: tool, Err: err}
}

// semanticObservation and geoObservation are the result shapes the two
// search tools advertise to the reasoner.
type semanticObservation struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Tags            []string `json:"tags"`
	District        string   `json:"district"`
	Rating          float64  `json:"rating"`
	ReviewsCount    int      `json:"reviews_count"`
	SimilarityScore *float64 `json:"similarity_score"`
}

type geoObservation struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	Rating         float64  `json:"rating"`
	DistanceMeters *float64 `json:"distance_meters"`
	Address        string   `json:"address"`
	District       string   `json:"district"`
	Tags           []string `json:"tags"`
}

// FormatObservation renders a tool result as the reasoner's
// observation. Search results are narrowed to the fields each search
// tool returns; everything else is rendered as is.
func FormatObservation(tool string, v any) string {
	list, ok := v.([]retrieval.Candidate)
	if !ok {
		return FormatResult(v)
	}
	switch tool {
	case SearchByPreferences:
		out := make([]semanticObservation, len(list))
		for i, c := range list {
			out[i] = semanticObservation{
				ID:              c.ID,
				Name:            c.Name,
				Description:     c.Description,
				Tags:            c.Tags,
				District:        c.District,
				Rating:          c.Rating,
				ReviewsCount:    c.ReviewsCount,
				SimilarityScore: c.SimilarityScore,
			}
		}
		return FormatResult(out)
	case SearchByGeo:
		out := make([]geoObservation, len(list))
		for i, c := range list {
			out[i] = geoObservation{
				ID:             c.ID,
				Name:           c.Name,
				Rating:         c.Rating,
				DistanceMeters: c.DistanceMeters,
				Address:        c.Address,
				District:       c.District,
				Tags:           c.Tags,
			}
		}
		return FormatResult(out)
	default:
		return FormatResult(v)
	}
}
