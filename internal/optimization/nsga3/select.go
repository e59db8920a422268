package nsga3

import (
	"errors"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/synthmatch/internal/optimization"
)

// asfPenalty weighs the off-axis objectives when searching extreme points.
const asfPenalty = 1e6

const eps = 2.220446049250313e-16

// Selector performs NSGA-III environmental selection. It remembers the ideal
// point, the worst point and the extreme points across calls so the
// normalization stays stable over a run. Call Reset between runs.
type Selector struct {
	refs [][]float64
	norm []float64

	best    []float64
	worst   []float64
	extreme [][]float64
}

// NewSelector creates a selector for the given reference directions.
func NewSelector(refs [][]float64) *Selector {
	s := &Selector{refs: refs, norm: make([]float64, len(refs))}
	for i, r := range refs {
		s.norm[i] = floats.Norm(r, 2)
	}
	return s
}

// ReferencePoints returns the reference directions.
func (s *Selector) ReferencePoints() [][]float64 { return s.refs }

// Reset forgets the remembered normalization points.
func (s *Selector) Reset() {
	s.best, s.worst, s.extreme = nil, nil, nil
}

// IdealPoint returns the best value seen per objective.
func (s *Selector) IdealPoint() []float64 { return append([]float64(nil), s.best...) }

// Select chooses k individuals from pop. Whole fronts are taken while they
// fit; the front that does not fit is split by niching, preferring the
// reference directions with the fewest members so far.
func (s *Selector) Select(rng *rand.Rand, pop optimization.Population, k int) optimization.Population {
	fronts := SortNondominated(pop, k)
	if len(fronts) == 0 {
		return nil
	}

	var candidates optimization.Population
	for _, f := range fronts {
		candidates = append(candidates, f...)
	}
	last := fronts[len(fronts)-1]
	chosen := make(optimization.Population, 0, k)
	for _, f := range fronts[:len(fronts)-1] {
		chosen = append(chosen, f...)
	}
	if len(candidates) == k {
		s.updateMemory(fitnessRows(candidates))
		return candidates
	}

	fits := fitnessRows(candidates)
	s.updateMemory(fits)

	frontWorst := columnMax(fits)
	intercepts := findIntercepts(s.extreme, s.best, s.worst, frontWorst)
	niches, dist := s.associate(fits, intercepts)

	counts := make([]int, len(s.refs))
	for _, n := range niches[:len(chosen)] {
		counts[n]++
	}

	off := len(chosen)
	picked := niching(rng, len(last), k-len(chosen), niches[off:], dist[off:], counts)
	for _, i := range picked {
		chosen = append(chosen, last[i])
	}
	return chosen
}

func (s *Selector) updateMemory(fits [][]float64) {
	best, worst := columnMin(fits), columnMax(fits)
	if s.best != nil && len(s.best) == len(best) {
		for j := range best {
			best[j] = math.Min(best[j], s.best[j])
			worst[j] = math.Max(worst[j], s.worst[j])
		}
	}
	s.best, s.worst = best, worst

	pool := fits
	if s.extreme != nil {
		pool = append(append([][]float64(nil), fits...), s.extreme...)
	}
	s.extreme = findExtremePoints(pool, s.best)
}

// findExtremePoints returns, per objective axis, the point minimizing the
// achievement scalarizing function along that axis.
func findExtremePoints(fits [][]float64, best []float64) [][]float64 {
	m := len(best)
	out := make([][]float64, m)
	for axis := 0; axis < m; axis++ {
		bestASF := math.Inf(1)
		var pick []float64
		for _, f := range fits {
			asf := math.Inf(-1)
			for j := 0; j < m; j++ {
				w := asfPenalty
				if j == axis {
					w = 1
				}
				asf = math.Max(asf, (f[j]-best[j])*w)
			}
			if asf < bestASF {
				bestASF, pick = asf, f
			}
		}
		out[axis] = append([]float64(nil), pick...)
	}
	return out
}

// findIntercepts solves for the hyperplane through the extreme points and
// returns the absolute intercept on each axis. A singular system falls back
// to worst; a degenerate or out-of-range solution falls back to frontWorst.
func findIntercepts(extreme [][]float64, best, worst, frontWorst []float64) []float64 {
	m := len(best)
	A := mat.NewDense(m, m, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < m; j++ {
			A.Set(i, j, extreme[i][j]-best[j])
		}
	}
	ones := make([]float64, m)
	floats.AddConst(1, ones)
	b := mat.NewVecDense(m, ones)

	var x mat.VecDense
	if err := x.SolveVec(A, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) || math.IsNaN(float64(cond)) {
			return append([]float64(nil), worst...)
		}
	}
	if x.Len() != m {
		return append([]float64(nil), worst...)
	}

	intercepts := make([]float64, m)
	for i := 0; i < m; i++ {
		xi := x.AtVec(i)
		if xi == 0 || math.IsNaN(xi) {
			return append([]float64(nil), frontWorst...)
		}
		intercepts[i] = 1 / xi
	}

	var ax mat.VecDense
	ax.MulVec(A, &x)
	for i := 0; i < m; i++ {
		if math.Abs(ax.AtVec(i)-1) > 1e-8+1e-5 {
			return append([]float64(nil), frontWorst...)
		}
		if intercepts[i] <= 1e-6 || intercepts[i]+best[i] > worst[i] {
			return append([]float64(nil), frontWorst...)
		}
	}
	floats.Add(intercepts, best)
	return intercepts
}

// associate normalizes fits and assigns each to the reference direction with
// the smallest perpendicular distance.
func (s *Selector) associate(fits [][]float64, intercepts []float64) ([]int, []float64) {
	m := len(s.best)
	niches := make([]int, len(fits))
	dists := make([]float64, len(fits))
	fn := make([]float64, m)
	for i, f := range fits {
		for j := 0; j < m; j++ {
			fn[j] = (f[j] - s.best[j]) / (intercepts[j] - s.best[j] + eps)
		}
		bestDist := math.Inf(1)
		for r, ref := range s.refs {
			proj := floats.Dot(fn, ref) / s.norm[r]
			var d2 float64
			for j := 0; j < m; j++ {
				d := proj*ref[j]/s.norm[r] - fn[j]
				d2 += d * d
			}
			if d := math.Sqrt(d2); d < bestDist {
				bestDist = d
				niches[i] = r
			}
		}
		dists[i] = bestDist
	}
	return niches, dists
}

// niching picks k of n last-front members. niches and dist describe those
// members; counts holds the niche occupancy of the members already chosen and
// is updated in place.
func niching(rng *rand.Rand, n, k int, niches []int, dist []float64, counts []int) []int {
	available := make([]bool, n)
	for i := range available {
		available[i] = true
	}
	picked := make([]int, 0, k)

	for len(picked) < k {
		open := map[int]bool{}
		for i := 0; i < n; i++ {
			if available[i] {
				open[niches[i]] = true
			}
		}
		minCount := math.MaxInt
		for niche := range open {
			if counts[niche] < minCount {
				minCount = counts[niche]
			}
		}
		var candidates []int
		for niche := range counts {
			if open[niche] && counts[niche] == minCount {
				candidates = append(candidates, niche)
			}
		}
		rng.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
		if remaining := k - len(picked); len(candidates) > remaining {
			candidates = candidates[:remaining]
		}

		for _, niche := range candidates {
			var members []int
			for i := 0; i < n; i++ {
				if available[i] && niches[i] == niche {
					members = append(members, i)
				}
			}
			var sel int
			if counts[niche] == 0 {
				sel = members[0]
				for _, i := range members[1:] {
					if dist[i] < dist[sel] {
						sel = i
					}
				}
			} else {
				sel = members[rng.Intn(len(members))]
			}
			available[sel] = false
			counts[niche]++
			picked = append(picked, sel)
		}
	}
	return picked
}

func fitnessRows(pop optimization.Population) [][]float64 {
	out := make([][]float64, len(pop))
	for i, ind := range pop {
		out[i] = ind.Fitness.Values
	}
	return out
}

func columnMin(rows [][]float64) []float64 {
	out := append([]float64(nil), rows[0]...)
	for _, r := range rows[1:] {
		for j, v := range r {
			out[j] = math.Min(out[j], v)
		}
	}
	return out
}

func columnMax(rows [][]float64) []float64 {
	out := append([]float64(nil), rows[0]...)
	for _, r := range rows[1:] {
		for j, v := range r {
			out[j] = math.Max(out[j], v)
		}
	}
	return out
}
