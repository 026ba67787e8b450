package embeddings

import (
	"math"
	"sort"
)

// CosineSimilarity computes cosine similarity between two vectors. Vectors of
// different length, empty vectors and zero vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// BestMatch is the highest similarity between query and any variant, or 0.
func BestMatch(query []float64, variants [][]float64) float64 {
	best := 0.0
	for _, v := range variants {
		if s := CosineSimilarity(query, v); s > best {
			best = s
		}
	}
	return best
}

// Score is one candidate's similarity to a query.
type Score struct {
	Key   string
	Value float64
}

// Rank scores every candidate against query and sorts best first. Ties keep
// key order.
func Rank(query []float64, candidates map[string][][]float64) []Score {
	out := make([]Score, 0, len(candidates))
	for key, variants := range candidates {
		out = append(out, Score{Key: key, Value: BestMatch(query, variants)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return out[i].Key < out[j].Key
	})
	return out
}
