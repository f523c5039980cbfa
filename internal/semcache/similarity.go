package semcache

import "math"

// CosineSimilarity returns the cosine similarity (a·b)/(‖a‖‖b‖) of two
// embedding vectors. It returns 0 when either vector is empty, when the
// dimensions differ, or when either norm is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
