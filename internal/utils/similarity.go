package utils

import (
	"fmt"
	"math"
	"sort"
)

// dotProduct calculates the dot product of two vectors.
func dotProduct(vec1, vec2 []float32) (float32, error) {
	if len(vec1) != len(vec2) {
		return 0, fmt.Errorf("vectors must have the same dimension: %d != %d", len(vec1), len(vec2))
	}
	var product float32
	for i := range vec1 {
		product += vec1[i] * vec2[i]
	}
	return product, nil
}

// magnitude calculates the L2 norm (magnitude) of a vector.
func magnitude(vec []float32) float32 {
	var sumOfSquares float32
	for _, val := range vec {
		sumOfSquares += val * val
	}
	return float32(math.Sqrt(float64(sumOfSquares)))
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns 0 when either vector has zero magnitude.
func CosineSimilarity(vec1, vec2 []float32) (float32, error) {
	dot, err := dotProduct(vec1, vec2)
	if err != nil {
		return 0, err
	}

	mag1 := magnitude(vec1)
	mag2 := magnitude(vec2)

	if mag1 == 0 || mag2 == 0 {
		return 0, nil
	}

	return dot / (mag1 * mag2), nil
}

// RankedResult points back into the candidate slice passed to RankBySimilarity.
type RankedResult struct {
	Index int
	Score float32
}

// RankOptions bounds the output of RankBySimilarity. A Limit <= 0 falls
// back to 5 results.
type RankOptions struct {
	Limit    int
	MinScore float32
}

// RankBySimilarity scores every candidate vector against the query, drops
// candidates below MinScore and returns at most Limit results sorted by
// score descending. Ties keep the original candidate order. A candidate
// whose dimension does not match the query fails the whole ranking.
func RankBySimilarity(query []float32, candidates [][]float32, opts RankOptions) ([]RankedResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}

	results := make([]RankedResult, 0, len(candidates))
	for i, candidate := range candidates {
		score, err := CosineSimilarity(query, candidate)
		if err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
		if score < opts.MinScore {
			continue
		}
		results = append(results, RankedResult{Index: i, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
