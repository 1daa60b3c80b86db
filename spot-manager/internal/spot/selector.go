package spot

import (
	"sort"

	"github.com/ianwong123/spot-manager/spot-manager/internal/provider"
)

// Candidate is a running instance that may be removed
type Candidate struct {
	Instance       provider.Instance
	Utility        float64
	EstimatedValue float64
	// Refund is the budget freed by removing the instance
	Refund float64
}

// sortForRemoval orders the biggest instances first, the least efficient
// first among equals
func sortForRemoval(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Utility != b.Utility {
			return a.Utility > b.Utility
		}
		return a.EstimatedValue < b.EstimatedValue
	})
}

// SelectForRemoval picks instances whose utility adds up to at least
// target, accepting an overshoot of up to maxOvershoot units and
// preferring the smallest. It returns the picks and the utility removed
// beyond target, which is negative when target could not be reached.
func SelectForRemoval(candidates []Candidate, target float64, maxOvershoot int) ([]Candidate, float64) {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sortForRemoval(sorted)

	var picked []Candidate
	remaining := target
	for tolerance := 0; tolerance <= maxOvershoot; tolerance++ {
		picked = nil
		remaining = target
		for _, c := range sorted {
			if c.Utility <= remaining+float64(tolerance) {
				picked = append(picked, c)
				remaining -= c.Utility
			}
		}
		if remaining <= 0 {
			break
		}
	}
	return picked, -remaining
}
