package exam

import (
	"slices"

	"github.com/pavelanni/examlink/internal/model"
)

// sample returns the first n questions of a uniformly random permutation of pool.
// The permutation is a Fisher-Yates shuffle run from the last index down to 1;
// intN(k) must return a uniform integer in [0, k). pool is not modified.
func sample(pool []model.Question, n int, intN func(int) int) []model.Question {
	shuffled := slices.Clone(pool)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := intN(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	if n > len(shuffled) {
		n = len(shuffled)
	}
	return shuffled[:n]
}
