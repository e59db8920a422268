package nsga3

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/copyleftdev/synthmatch/internal/audio"
	"github.com/copyleftdev/synthmatch/internal/features"
	"github.com/copyleftdev/synthmatch/internal/optimization"
	"github.com/copyleftdev/synthmatch/internal/optimization/fitness"
	"github.com/copyleftdev/synthmatch/internal/optimization/optimizationtest"
)

func TestUniformReferencePoints(t *testing.T) {
	tests := []struct {
		nobj, p, want int
	}{
		{1, 12, 1},
		{2, 12, 13},
		{3, 12, 91},
		{3, 4, 15},
		{4, 12, 455},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%d", tt.nobj, tt.p), func(t *testing.T) {
			pts := UniformReferencePoints(tt.nobj, tt.p)
			require.Len(t, pts, tt.want)
			assert.Equal(t, tt.want, numReferencePoints(tt.nobj, tt.p))
			seen := map[string]bool{}
			for _, p := range pts {
				require.Len(t, p, tt.nobj)
				var sum float64
				for _, v := range p {
					assert.GreaterOrEqual(t, v, 0.0)
					sum += v
				}
				assert.InDelta(t, 1.0, sum, 1e-12)
				key := fmt.Sprint(p)
				assert.False(t, seen[key], "duplicate point %v", p)
				seen[key] = true
			}
		})
	}
	assert.Nil(t, UniformReferencePoints(0, 12))
	assert.Nil(t, UniformReferencePoints(2, 0))
}

func TestDominates(t *testing.T) {
	tests := []struct {
		a, b []float64
		want bool
	}{
		{[]float64{1, 1}, []float64{2, 2}, true},
		{[]float64{1, 2}, []float64{2, 2}, true},
		{[]float64{1, 2}, []float64{1, 2}, false},
		{[]float64{1, 3}, []float64{2, 2}, false},
		{[]float64{3, 3}, []float64{2, 2}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Dominates(tt.a, tt.b), "%v vs %v", tt.a, tt.b)
	}
}

func evaluated(fit ...float64) *optimization.Individual {
	ind := &optimization.Individual{Genes: append([]float64(nil), fit...)}
	ind.SetFitness(fit)
	return ind
}

func TestSortNondominated(t *testing.T) {
	pop := optimization.Population{
		evaluated(3, 3), // front 2
		evaluated(1, 4), // front 0
		evaluated(2, 2), // front 0
		evaluated(4, 1), // front 0
		evaluated(5, 5), // front 3
		evaluated(2, 3), // front 1
		evaluated(2, 2), // front 0, duplicate fitness
	}

	fronts := SortNondominated(pop, len(pop))
	require.Len(t, fronts, 4)
	assert.Equal(t, optimization.Population{pop[1], pop[2], pop[3], pop[6]}, fronts[0])
	assert.Equal(t, optimization.Population{pop[5]}, fronts[1])
	assert.Equal(t, optimization.Population{pop[0]}, fronts[2])
	assert.Equal(t, optimization.Population{pop[4]}, fronts[3])

	assert.Len(t, SortNondominated(pop, 4), 1)
	assert.Len(t, SortNondominated(pop, 5), 2)
	assert.Nil(t, SortNondominated(nil, 3))
}

func TestFindIntercepts(t *testing.T) {
	best := []float64{0, 0}
	worst := []float64{3, 3}
	frontWorst := []float64{2.5, 2.5}

	got := findIntercepts([][]float64{{2, 0}, {0, 2}}, best, worst, frontWorst)
	assert.InDeltaSlice(t, []float64{2, 2}, got, 1e-12)

	got = findIntercepts([][]float64{{3, 1}, {1, 3}}, []float64{1, 1}, []float64{4, 4}, frontWorst)
	assert.InDeltaSlice(t, []float64{3, 3}, got, 1e-12, "intercepts are absolute")

	got = findIntercepts([][]float64{{1, 1}, {1, 1}}, best, worst, frontWorst)
	assert.Equal(t, worst, got, "singular system falls back to the worst point")

	got = findIntercepts([][]float64{{5, 0}, {0, 5}}, best, worst, frontWorst)
	assert.Equal(t, frontWorst, got, "intercept beyond the worst point")
}

func TestSelectorKeepsFittingFronts(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	sel := NewSelector(UniformReferencePoints(2, Divisions))

	var pop optimization.Population
	for i := 0; i <= 10; i++ {
		x := float64(i) / 10
		pop = append(pop, evaluated(x, 1-x))     // front 0
		pop = append(pop, evaluated(x+1, 2-x))   // front 1
		pop = append(pop, evaluated(x+2, 3.5-x)) // front 2
	}

	got := sel.Select(rng, pop, 15)
	require.Len(t, got, 15)

	seen := map[*optimization.Individual]bool{}
	front0 := 0
	for _, ind := range got {
		assert.False(t, seen[ind], "individual selected twice")
		seen[ind] = true
		sum := ind.Fitness.Values[0] + ind.Fitness.Values[1]
		if sum < 1.5 {
			front0++
		}
		assert.Less(t, sum, 5.0, "third front must not be reached")
	}
	assert.Equal(t, 11, front0)
	assert.Equal(t, []float64{0, 0}, sel.IdealPoint())

	sel.Reset()
	assert.Empty(t, sel.IdealPoint())
}

func TestSelectorSpreadsAcrossNiches(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	sel := NewSelector(UniformReferencePoints(2, 4))

	// A dense cluster at one end and a sparse spread elsewhere on one front.
	var pop optimization.Population
	for i := 0; i < 10; i++ {
		x := 0.001 * float64(i)
		pop = append(pop, evaluated(x, 1-x))
	}
	pop = append(pop, evaluated(0.25, 0.75), evaluated(0.5, 0.5), evaluated(0.75, 0.25), evaluated(1, 0))

	got := sel.Select(rng, pop, 5)
	require.Len(t, got, 5)
	var spread int
	for _, ind := range got {
		if ind.Fitness.Values[0] >= 0.25 {
			spread++
		}
	}
	assert.GreaterOrEqual(t, spread, 4, "under-represented niches are filled first")
}

const numParams = 3

func newPool(t *testing.T, workers int) *fitness.Pool {
	t.Helper()
	extractors := []features.Extractor{optimizationtest.SamplesExtractor(), optimizationtest.EnergyExtractor()}
	evs := make([]*fitness.Evaluator, workers)
	for i := range evs {
		ev, err := fitness.New(optimizationtest.MustStubSynth(t, numParams), extractors)
		require.NoError(t, err)
		evs[i] = ev
	}
	pool, err := fitness.NewPool(evs...)
	require.NoError(t, err)
	return pool
}

func target(t *testing.T) *audio.Buffer {
	return optimizationtest.RenderPatch(t, []float64{0.2, 0.9, 0.4})
}

func TestNewDefaults(t *testing.T) {
	n, err := New(newPool(t, 1), optimization.Config{})
	require.NoError(t, err)
	assert.Equal(t, 100, n.Config().PopSize)
	assert.Equal(t, 25, n.Config().NumGenerations())
	assert.Equal(t, 0.5, *n.Config().CrossoverProb)
	assert.Equal(t, 0.5, *n.Config().MutationProb)
	assert.Equal(t, 2, n.Objectives())
	assert.Len(t, n.ReferencePoints(), 13)

	_, err = New(nil, optimization.Config{})
	assert.True(t, errors.Is(err, optimization.ErrConfig))
}

func TestPredictReturnsNondominatedPoint(t *testing.T) {
	n, err := New(newPool(t, 1), optimization.Config{Seed: 42, PopSize: 20, Generations: optimization.Int(5)},
		WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	res, err := n.Predict(target(t))
	require.NoError(t, err)
	require.NotNil(t, res.Best)
	require.Len(t, res.Population, 20)
	require.Len(t, res.Logbook, 6)

	for _, ind := range res.Population {
		assert.False(t, Dominates(ind.Fitness.Values, res.Best.Fitness.Values),
			"%v dominates the returned point %v", ind.Fitness.Values, res.Best.Fitness.Values)
	}
	for _, rec := range res.Logbook {
		assert.Len(t, rec.Min, 2)
		assert.Len(t, rec.Avg, 2)
	}
	for _, g := range res.Best.Genes {
		assert.GreaterOrEqual(t, g, 0.0)
		assert.LessOrEqual(t, g, 1.0)
	}
}

func TestNewRejectsOversizedReferenceGrid(t *testing.T) {
	extractors := make([]features.Extractor, 7)
	for i := range extractors {
		extractors[i] = optimizationtest.SamplesExtractor()
	}
	ev, err := fitness.New(optimizationtest.MustStubSynth(t, numParams), extractors)
	require.NoError(t, err)
	pool, err := fitness.NewPool(ev)
	require.NoError(t, err)

	_, err = New(pool, optimization.Config{})
	assert.True(t, errors.Is(err, optimization.ErrConfig))
	assert.Contains(t, err.Error(), "18564 reference points")
}

func TestNewKeepsExplicitZero(t *testing.T) {
	pool := newPool(t, 1)
	zero := optimization.Config{
		Seed:          4,
		PopSize:       6,
		Generations:   optimization.Int(0),
		CrossoverProb: optimization.Float(0),
		MutationProb:  optimization.Float(0),
	}
	e, err := New(pool, zero)
	require.NoError(t, err)
	assert.Equal(t, 0, e.Config().NumGenerations())
	cxpb, mutpb := e.Config().Probabilities()
	assert.Zero(t, cxpb)
	assert.Zero(t, mutpb)

	res, err := e.Predict(target(t))
	require.NoError(t, err)
	assert.Len(t, res.Logbook, 1, "only the initial population")
	assert.Equal(t, 6, res.Evaluations)

	zero.Generations = optimization.Int(2)
	e, err = New(pool, zero)
	require.NoError(t, err)
	res, err = e.Predict(target(t))
	require.NoError(t, err)
	require.Len(t, res.Logbook, 3)
	assert.Zero(t, res.Logbook[1].Evals, "no variation leaves every offspring evaluated")
	assert.Zero(t, res.Logbook[2].Evals)
	assert.Equal(t, 6, res.Evaluations)
}

func TestPredictDeterministic(t *testing.T) {
	cfg := optimization.Config{Seed: 9, PopSize: 12, Generations: optimization.Int(3)}

	a, err := New(newPool(t, 1), cfg)
	require.NoError(t, err)
	b, err := New(newPool(t, 2), cfg)
	require.NoError(t, err)

	resA, err := a.Predict(target(t))
	require.NoError(t, err)
	resB, err := b.Predict(target(t))
	require.NoError(t, err)
	assert.Equal(t, resA.Best, resB.Best)
	assert.Equal(t, resA.Logbook, resB.Logbook)

	again, err := a.Predict(target(t))
	require.NoError(t, err)
	assert.Equal(t, resA.Best, again.Best)
}

func TestGenerationKeepsPopulationSize(t *testing.T) {
	pool := newPool(t, 1)
	require.NoError(t, pool.SetTarget(target(t)))
	n, err := New(pool, optimization.Config{PopSize: 8, CrossoverProb: optimization.Float(1), MutationProb: optimization.Float(1)})
	require.NoError(t, err)
	n.Seed(3)

	pop := optimization.RandomPopulation(rand.New(rand.NewSource(1)), 8, numParams)
	_, err = pool.EvaluateInvalid(pop)
	require.NoError(t, err)

	next, rec, err := n.Generation(pop)
	require.NoError(t, err)
	assert.Len(t, next, 8)
	assert.Equal(t, 8, rec.Evals)
}

func BenchmarkSortNondominated(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	pop := make(optimization.Population, 200)
	for i := range pop {
		pop[i] = evaluated(rng.Float64(), rng.Float64(), rng.Float64())
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		SortNondominated(pop, 100)
	}
}

func BenchmarkSelect(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	pop := make(optimization.Population, 200)
	for i := range pop {
		pop[i] = evaluated(rng.Float64(), rng.Float64(), rng.Float64())
	}
	sel := NewSelector(UniformReferencePoints(3, Divisions))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sel.Select(rng, pop, 100)
	}
}

func BenchmarkUniformReferencePoints(b *testing.B) {
	for i := 0; i < b.N; i++ {
		UniformReferencePoints(4, Divisions)
	}
}
