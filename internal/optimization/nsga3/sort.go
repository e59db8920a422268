package nsga3

import (
	"sort"

	"github.com/copyleftdev/synthmatch/internal/optimization"
)

// Dominates reports whether a is no worse than b in every objective and
// strictly better in at least one. All objectives are minimized.
func Dominates(a, b []float64) bool {
	better := false
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] > b[i] {
			return false
		}
		if a[i] < b[i] {
			better = true
		}
	}
	return better
}

// SortNondominated splits pop into Pareto fronts, best first, stopping once
// the fronts hold at least k individuals. Members keep their population order
// within a front. Individuals with equal fitness share a front.
func SortNondominated(pop optimization.Population, k int) []optimization.Population {
	if len(pop) == 0 || k <= 0 {
		return nil
	}
	if k > len(pop) {
		k = len(pop)
	}

	dominated := make([][]int, len(pop))
	domCount := make([]int, len(pop))
	for i := 0; i < len(pop); i++ {
		for j := i + 1; j < len(pop); j++ {
			a, b := pop[i].Fitness.Values, pop[j].Fitness.Values
			switch {
			case Dominates(a, b):
				dominated[i] = append(dominated[i], j)
				domCount[j]++
			case Dominates(b, a):
				dominated[j] = append(dominated[j], i)
				domCount[i]++
			}
		}
	}

	var current []int
	for i := range pop {
		if domCount[i] == 0 {
			current = append(current, i)
		}
	}

	var fronts []optimization.Population
	selected := 0
	for len(current) > 0 {
		front := make(optimization.Population, len(current))
		for n, idx := range current {
			front[n] = pop[idx]
		}
		fronts = append(fronts, front)
		selected += len(front)
		if selected >= k {
			break
		}

		var next []int
		for _, idx := range current {
			for _, d := range dominated[idx] {
				domCount[d]--
				if domCount[d] == 0 {
					next = append(next, d)
				}
			}
		}
		sort.Ints(next)
		current = next
	}
	return fronts
}
