package retrieval

import (
	"math"
	"regexp"
	"strings"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

func termFrequencies(s string) map[string]int {
	tf := make(map[string]int)
	for _, tok := range nonAlnum.Split(strings.ToLower(s), -1) {
		if tok != "" {
			tf[tok]++
		}
	}
	return tf
}

// termCosine is the cosine similarity of two term-frequency vectors.
// Either side empty scores 0.
func termCosine(a, b map[string]int) float64 {
	var dot, na, nb float64
	for tok, x := range a {
		na += float64(x * x)
		if y, ok := b[tok]; ok {
			dot += float64(x * y)
		}
	}
	for _, y := range b {
		nb += float64(y * y)
	}
	denom := math.Sqrt(na) * math.Sqrt(nb)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
