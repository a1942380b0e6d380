package matcher

import (
	"gonum.org/v1/gonum/floats"
)

// CosineSimilarity returns the cosine of a and b clamped to [0,1]. Length
// mismatch, empty input or a zero norm yields 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	x, y := widen(a), widen(b)
	na, nb := floats.Norm(x, 2), floats.Norm(y, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	s := floats.Dot(x, y) / (na * nb)
	return max(0, min(1, s))
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
