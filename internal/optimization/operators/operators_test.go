package operators

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/synthmatch/internal/optimization"
)

func seq(n int, base float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = base + float64(i)
	}
	return out
}

func TestCxTwoPointSwapsOneSegment(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		a, b := seq(8, 0), seq(8, 100)
		CxTwoPoint(rng, a, b)

		swapped := 0
		for i := range a {
			switch a[i] {
			case float64(i):
				assert.Equal(t, 100+float64(i), b[i])
			case 100 + float64(i):
				assert.Equal(t, float64(i), b[i])
				swapped++
			default:
				t.Fatalf("gene %d moved position: %v", i, a[i])
			}
		}
		assert.Greater(t, swapped, 0)
		assert.Less(t, swapped, 8)
	}
}

func TestCxTwoPointShortIsNoop(t *testing.T) {
	a, b := []float64{1}, []float64{2}
	CxTwoPoint(rand.New(rand.NewSource(1)), a, b)
	assert.Equal(t, []float64{1}, a)
	assert.Equal(t, []float64{2}, b)
}

func TestMutFlipBit(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	x := []float64{0, 0.3, 1, 0.7}
	MutFlipBit(1)(rng, x)
	assert.Equal(t, []float64{1, 0, 0, 0}, x)

	y := []float64{0.3, 0.4}
	MutFlipBit(0)(rng, y)
	assert.Equal(t, []float64{0.3, 0.4}, y)
}

func TestSimulatedBinaryStaysInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cx := CxSimulatedBinaryBounded(30, 0, 1)
	changed := false
	for trial := 0; trial < 200; trial++ {
		a := []float64{rng.Float64(), rng.Float64(), 0, 1}
		b := []float64{rng.Float64(), rng.Float64(), 1, 0}
		before := append([]float64(nil), a...)
		cx(rng, a, b)
		for i := range a {
			assert.GreaterOrEqual(t, a[i], 0.0)
			assert.LessOrEqual(t, a[i], 1.0)
			assert.GreaterOrEqual(t, b[i], 0.0)
			assert.LessOrEqual(t, b[i], 1.0)
		}
		if a[0] != before[0] {
			changed = true
		}
	}
	assert.True(t, changed)
}

func TestSimulatedBinaryIdenticalParents(t *testing.T) {
	a, b := []float64{0.4, 0.4}, []float64{0.4, 0.4}
	CxSimulatedBinaryBounded(30, 0, 1)(rand.New(rand.NewSource(1)), a, b)
	assert.Equal(t, []float64{0.4, 0.4}, a)
	assert.Equal(t, []float64{0.4, 0.4}, b)
}

func TestPolynomialStaysInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	mut := MutPolynomialBounded(20, 0, 1, 1)
	for trial := 0; trial < 200; trial++ {
		x := []float64{0, 1, rng.Float64()}
		mut(rng, x)
		for _, v := range x {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
		}
	}

	x := []float64{0.2, 0.8}
	MutPolynomialBounded(20, 0, 1, 0)(rng, x)
	assert.Equal(t, []float64{0.2, 0.8}, x)
}

func evaluated(fit ...float64) *optimization.Individual {
	ind := &optimization.Individual{Genes: []float64{fit[0]}}
	ind.SetFitness(fit)
	return ind
}

func TestVarAndLeavesParentsAlone(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	pop := optimization.Population{evaluated(1), evaluated(2), evaluated(3), evaluated(4)}

	off := VarAnd(rng, pop, 1, 1, func(_ *rand.Rand, a, b []float64) {
		a[0], b[0] = b[0], a[0]
	}, func(_ *rand.Rand, x []float64) { x[0] += 10 })

	require.Len(t, off, 4)
	assert.Equal(t, []float64{12}, off[0].Genes)
	assert.Equal(t, []float64{11}, off[1].Genes)
	for i, ind := range off {
		assert.False(t, ind.Fitness.Valid)
		assert.Equal(t, float64(i+1), pop[i].Genes[0])
		assert.True(t, pop[i].Fitness.Valid)
	}
}

func TestVarAndNoVariationKeepsFitness(t *testing.T) {
	pop := optimization.Population{evaluated(1), evaluated(2), evaluated(3)}
	off := VarAnd(rand.New(rand.NewSource(1)), pop, 0, 0, CxTwoPoint, MutFlipBit(1))
	for i, ind := range off {
		assert.True(t, ind.Fitness.Valid)
		assert.NotSame(t, pop[i], ind)
	}
	assert.Empty(t, off.Invalid())
}

func TestSelTournament(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	pop := optimization.Population{evaluated(5), evaluated(1), evaluated(3), evaluated(4)}

	chosen := SelTournament(rng, pop, 200, 3)
	require.Len(t, chosen, 200)

	counts := map[float64]int{}
	for _, c := range chosen {
		counts[c.Fitness.Values[0]]++
	}
	assert.Greater(t, counts[1], counts[5])
	assert.Greater(t, counts[1], 80)

	one := SelTournament(rng, optimization.Population{evaluated(2)}, 3, 3)
	assert.Len(t, one, 3)
	assert.Empty(t, SelTournament(rng, nil, 3, 3))
}
