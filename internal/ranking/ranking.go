// Package ranking re-orders candidate places for a specific user.
package ranking

import (
	"context"
	"log/slog"
	"sort"

	"github.com/nugget/placefinder/internal/places"
	"github.com/nugget/placefinder/internal/retrieval"
)

// Score weights.
const (
	tagBonusWeight    = 0.2
	tagPenaltyWeight  = 0.3
	districtBonus     = 0.15
	popularityWeight  = 0.1
	popularityReviews = 100.0
	maxRating         = 5.0
)

// Source supplies place rows and profiles. retrieval.Service satisfies it.
type Source interface {
	Places(ctx context.Context, ids []int64) []places.Place
	UserProfile(ctx context.Context, userID string) retrieval.ProfileResult
}

// Ranker scores places against a user profile.
type Ranker struct {
	src    Source
	logger *slog.Logger
}

// New creates a ranker.
func New(src Source, logger *slog.Logger) *Ranker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ranker{src: src, logger: logger}
}

// Rank loads the given places and returns them sorted by descending
// personalization score. Equal scores keep the order of placeIDs. An
// empty id list or a failed lookup yields an empty result.
func (r *Ranker) Rank(ctx context.Context, placeIDs []int64, userID string) []retrieval.Candidate {
	if len(placeIDs) == 0 {
		return []retrieval.Candidate{}
	}
	r.logger.Info("ranking places", "count", len(placeIDs), "user_id", userID)

	rows := r.src.Places(ctx, placeIDs)
	if len(rows) == 0 {
		return []retrieval.Candidate{}
	}
	profile := r.src.UserProfile(ctx, userID)

	result := make([]retrieval.Candidate, len(rows))
	for i, p := range rows {
		c := retrieval.FromPlace(p)
		score := Score(p, profile)
		c.PersonalizationScore = &score
		result[i] = c
	}
	sort.SliceStable(result, func(i, j int) bool {
		return *result[i].PersonalizationScore > *result[j].PersonalizationScore
	})

	r.logger.Info("ranking done", "count", len(result))
	return result
}

// Score computes a place's personalization score in [0, 1]:
//
//	rating/5
//	+ 0.2 * min(|tags ∩ preferred| / max(|preferred|, 1), 1)
//	- 0.3 * |tags ∩ avoided| / max(|tags|, 1)
//	+ 0.15 if the district is a favourite
//	+ 0.1 * min(reviews/100, 1)
func Score(p places.Place, profile retrieval.ProfileResult) float64 {
	tags := toSet(p.Tags)
	preferred := toSet(profile.PreferredTags)
	avoided := toSet(profile.AvoidedTags)

	base := p.Rating / maxRating
	tagBonus := tagBonusWeight * min(float64(overlap(tags, preferred))/float64(max(len(preferred), 1)), 1.0)
	tagPenalty := tagPenaltyWeight * (float64(overlap(tags, avoided)) / float64(max(len(tags), 1)))

	var district float64
	if p.District != "" {
		for _, d := range profile.FavoriteDistricts {
			if d == p.District {
				district = districtBonus
				break
			}
		}
	}

	popularity := popularityWeight * min(float64(p.ReviewsCount)/popularityReviews, 1.0)

	return clamp(base+tagBonus-tagPenalty+district+popularity, 0, 1)
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}
