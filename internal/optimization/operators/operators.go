// Package operators implements the variation and selection operators of the
// evolutionary estimators. Every operator takes the caller's *rand.Rand so a
// search is reproducible from its seed.
package operators

import (
	"math"
	"math/rand"

	"github.com/copyleftdev/synthmatch/internal/optimization"
)

// Mate recombines two gene vectors in place.
type Mate func(rng *rand.Rand, a, b []float64)

// Mutate alters a gene vector in place.
type Mutate func(rng *rand.Rand, x []float64)

// CxTwoPoint swaps the slice between two random cut points. Vectors shorter
// than two genes are left unchanged.
func CxTwoPoint(rng *rand.Rand, a, b []float64) {
	size := len(a)
	if len(b) < size {
		size = len(b)
	}
	if size < 2 {
		return
	}
	p1 := rng.Intn(size) + 1
	p2 := rng.Intn(size-1) + 1
	if p2 >= p1 {
		p2++
	} else {
		p1, p2 = p2, p1
	}
	for i := p1; i < p2; i++ {
		a[i], b[i] = b[i], a[i]
	}
}

// MutFlipBit returns a mutation that, with probability indpb per gene,
// replaces a zero gene with 1 and any other gene with 0.
func MutFlipBit(indpb float64) Mutate {
	return func(rng *rand.Rand, x []float64) {
		for i := range x {
			if rng.Float64() < indpb {
				if x[i] == 0 {
					x[i] = 1
				} else {
					x[i] = 0
				}
			}
		}
	}
}

// CxSimulatedBinaryBounded returns a simulated binary crossover bounded to
// [low, up]. eta is the crowding degree: larger values keep children closer
// to their parents.
func CxSimulatedBinaryBounded(eta, low, up float64) Mate {
	return func(rng *rand.Rand, a, b []float64) {
		size := len(a)
		if len(b) < size {
			size = len(b)
		}
		for i := 0; i < size; i++ {
			if rng.Float64() > 0.5 {
				continue
			}
			if math.Abs(a[i]-b[i]) <= 1e-14 {
				continue
			}
			x1, x2 := math.Min(a[i], b[i]), math.Max(a[i], b[i])
			r := rng.Float64()

			beta := 1 + 2*(x1-low)/(x2-x1)
			c1 := 0.5 * (x1 + x2 - sbxSpread(r, beta, eta)*(x2-x1))

			beta = 1 + 2*(up-x2)/(x2-x1)
			c2 := 0.5 * (x1 + x2 + sbxSpread(r, beta, eta)*(x2-x1))

			c1 = math.Min(math.Max(c1, low), up)
			c2 = math.Min(math.Max(c2, low), up)

			if rng.Float64() <= 0.5 {
				a[i], b[i] = c2, c1
			} else {
				a[i], b[i] = c1, c2
			}
		}
	}
}

func sbxSpread(r, beta, eta float64) float64 {
	alpha := 2 - math.Pow(beta, -(eta+1))
	if r <= 1/alpha {
		return math.Pow(r*alpha, 1/(eta+1))
	}
	return math.Pow(1/(2-r*alpha), 1/(eta+1))
}

// MutPolynomialBounded returns a polynomial mutation bounded to [low, up],
// applied to each gene with probability indpb.
func MutPolynomialBounded(eta, low, up, indpb float64) Mutate {
	return func(rng *rand.Rand, x []float64) {
		span := up - low
		pow := 1 / (eta + 1)
		for i := range x {
			if rng.Float64() > indpb {
				continue
			}
			d1 := (x[i] - low) / span
			d2 := (up - x[i]) / span
			r := rng.Float64()

			var dq float64
			if r < 0.5 {
				val := 2*r + (1-2*r)*math.Pow(1-d1, eta+1)
				dq = math.Pow(val, pow) - 1
			} else {
				val := 2*(1-r) + 2*(r-0.5)*math.Pow(1-d2, eta+1)
				dq = 1 - math.Pow(val, pow)
			}
			x[i] = math.Min(math.Max(x[i]+dq*span, low), up)
		}
	}
}

// VarAnd clones pop and applies crossover to consecutive pairs with
// probability cxpb, then mutation to each offspring with probability mutpb.
// Altered offspring lose their fitness. pop is not modified.
func VarAnd(rng *rand.Rand, pop optimization.Population, cxpb, mutpb float64, mate Mate, mutate Mutate) optimization.Population {
	offspring := pop.Clone()
	for i := 1; i < len(offspring); i += 2 {
		if rng.Float64() < cxpb {
			mate(rng, offspring[i-1].Genes, offspring[i].Genes)
			offspring[i-1].Invalidate()
			offspring[i].Invalidate()
		}
	}
	for _, ind := range offspring {
		if rng.Float64() < mutpb {
			mutate(rng, ind.Genes)
			ind.Invalidate()
		}
	}
	return offspring
}

// SelTournament picks k individuals, each the best of tournsize aspirants
// drawn with replacement. Aspirant ties go to the first drawn. The result
// shares individuals with pop.
func SelTournament(rng *rand.Rand, pop optimization.Population, k, tournsize int) optimization.Population {
	chosen := make(optimization.Population, 0, k)
	if len(pop) == 0 {
		return chosen
	}
	for i := 0; i < k; i++ {
		best := pop[rng.Intn(len(pop))]
		for j := 1; j < tournsize; j++ {
			a := pop[rng.Intn(len(pop))]
			if a.Fitness.Less(best.Fitness) {
				best = a
			}
		}
		chosen = append(chosen, best)
	}
	return chosen
}
