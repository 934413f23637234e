package agent

import (
	"context"

	"github.com/nugget/placefinder/internal/retrieval"
)

// MaxPlaces caps the place list shown to the user.
const MaxPlaces = 10

// DetailSource looks up full place records. retrieval.Service satisfies it.
type DetailSource interface {
	PlaceDetails(ctx context.Context, ids []int64) []retrieval.Candidate
}

// collectPlaces gathers place-shaped results from every tool observation
// in order. The first occurrence of an id wins.
func collectPlaces(t *Transcript) []retrieval.Candidate {
	out := []retrieval.Candidate{}
	seen := make(map[int64]bool)
	for _, e := range t.Entries {
		list, ok := e.Result.([]retrieval.Candidate)
		if !ok {
			continue
		}
		for _, c := range list {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
			if len(out) == MaxPlaces {
				return out
			}
		}
	}
	return out
}

// assemble builds the final place list: deduplicated, capped, and
// enriched with full details. Scores from the observations are kept.
// When the detail lookup comes back empty the bare candidates are used.
func (l *Loop) assemble(ctx context.Context, t *Transcript) []retrieval.Candidate {
	candidates := collectPlaces(t)
	if len(candidates) == 0 || l.details == nil {
		return candidates
	}

	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	rows := l.details.PlaceDetails(ctx, ids)
	if len(rows) == 0 {
		l.logger.Warn("place details unavailable, returning search results as-is", "count", len(candidates))
		return candidates
	}

	byID := make(map[int64]retrieval.Candidate, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}

	out := make([]retrieval.Candidate, len(candidates))
	for i, c := range candidates {
		full, ok := byID[c.ID]
		if !ok {
			out[i] = c
			continue
		}
		if c.SimilarityScore != nil {
			full.SimilarityScore = c.SimilarityScore
		}
		if c.PersonalizationScore != nil {
			full.PersonalizationScore = c.PersonalizationScore
		}
		if c.DistanceMeters != nil {
			full.DistanceMeters = c.DistanceMeters
		}
		if full.Description == "" {
			full.Description = c.Description
		}
		out[i] = full
	}
	return out
}
