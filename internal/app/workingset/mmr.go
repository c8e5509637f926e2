package workingset

import (
	"math"

	"github.com/arwlocal/runtime/internal/app/core"
)

// selectDiverse greedily picks from candidates maximizing
// lambda*relevance - (1-lambda)*max_sim_to_selected, stopping at limit.
// lambda = 1 - diversityLambda, matching the spec's inversion of the dial
// (diversity_lambda=1 means maximum diversity weight).
func selectDiverse(candidates []Candidate, diversityLambda float64, limit int) []Candidate {
	lambda := 1 - diversityLambda
	remaining := append([]Candidate{}, candidates...)
	selected := make([]Candidate, 0, limit)

	for len(selected) < limit && len(remaining) > 0 {
		bestIdx := -1
		bestScore := math.Inf(-1)
		for i, cand := range remaining {
			maxSim := 0.0
			for _, sel := range selected {
				if sim := textSimilarity(cand.Item, sel.Item); sim > maxSim {
					maxSim = sim
				}
			}
			mmrScore := lambda*cand.EffectiveScore - (1-lambda)*maxSim
			if mmrScore > bestScore {
				bestScore = mmrScore
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

// textSimilarity is token-Jaccard over item text, or embedding cosine
// similarity when both items carry an embedding.
func textSimilarity(a, b core.MemoryItem) float64 {
	if len(a.Embedding) > 0 && len(a.Embedding) == len(b.Embedding) {
		return cosineSimilarity(a.Embedding, b.Embedding)
	}
	return jaccard(tokenize(a.Text), tokenize(b.Text))
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
