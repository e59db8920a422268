package ga

import (
	"errors"
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

const numParams = 4

func newPool(t *testing.T, workers int, extractors ...features.Extractor) (*fitness.Pool, []*optimizationtest.StubSynth) {
	t.Helper()
	if len(extractors) == 0 {
		extractors = []features.Extractor{optimizationtest.SamplesExtractor()}
	}
	evs := make([]*fitness.Evaluator, workers)
	synths := make([]*optimizationtest.StubSynth, workers)
	for i := range evs {
		synths[i] = optimizationtest.MustStubSynth(t, numParams)
		ev, err := fitness.New(synths[i], extractors)
		require.NoError(t, err)
		evs[i] = ev
	}
	pool, err := fitness.NewPool(evs...)
	require.NoError(t, err)
	return pool, synths
}

func zeroTarget(t *testing.T) *audio.Buffer {
	return optimizationtest.RenderPatch(t, make([]float64, numParams))
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, optimization.Config{})
	assert.True(t, errors.Is(err, optimization.ErrConfig))

	pool, _ := newPool(t, 1, optimizationtest.SamplesExtractor(), optimizationtest.EnergyExtractor())
	_, err = New(pool, optimization.Config{})
	assert.True(t, errors.Is(err, optimization.ErrConfig))

	pool, _ = newPool(t, 1)
	_, err = New(pool, optimization.Config{MutationProb: optimization.Float(2)})
	assert.True(t, errors.Is(err, optimization.ErrConfig))

	g, err := New(pool, optimization.Config{})
	require.NoError(t, err)
	assert.Equal(t, 100, g.Config().PopSize)
	assert.Equal(t, 25, g.Config().NumGenerations())
	assert.Equal(t, 0.5, *g.Config().CrossoverProb)
	assert.Equal(t, 0.3, *g.Config().MutationProb)
	assert.Equal(t, Name, g.Name())
}

func TestNewKeepsExplicitZero(t *testing.T) {
	pool, _ := newPool(t, 1)
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

	res, err := e.Predict(zeroTarget(t))
	require.NoError(t, err)
	assert.Len(t, res.Logbook, 1, "only the initial population")
	assert.Equal(t, 6, res.Evaluations)

	zero.Generations = optimization.Int(2)
	e, err = New(pool, zero)
	require.NoError(t, err)
	res, err = e.Predict(zeroTarget(t))
	require.NoError(t, err)
	require.Len(t, res.Logbook, 3)
	assert.Zero(t, res.Logbook[1].Evals, "no variation leaves every offspring evaluated")
	assert.Zero(t, res.Logbook[2].Evals)
	assert.Equal(t, 6, res.Evaluations)
}

func TestPredictImprovesOnInitialPopulation(t *testing.T) {
	pool, _ := newPool(t, 1)
	g, err := New(pool, optimization.Config{Seed: 42, PopSize: 20, Generations: optimization.Int(5)}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	res, err := g.Predict(zeroTarget(t))
	require.NoError(t, err)
	require.NotNil(t, res.Best)

	require.Len(t, res.Logbook, 6)
	initialBest := res.Logbook[0].Min[0]
	assert.LessOrEqual(t, res.Best.Fitness.Values[0], initialBest)
	assert.Len(t, res.Best.Genes, numParams)
	assert.Len(t, res.Population, 20)
	assert.Equal(t, res.HallOfFame.Best().Fitness, res.Best.Fitness)

	evals := 0
	for i, rec := range res.Logbook {
		assert.Equal(t, i, rec.Gen)
		evals += rec.Evals
	}
	assert.Equal(t, 20, res.Logbook[0].Evals)
	assert.Equal(t, evals, res.Evaluations)
}

func TestHallOfFameNeverRegresses(t *testing.T) {
	pool, _ := newPool(t, 1)
	g, err := New(pool, optimization.Config{Seed: 7, PopSize: 16, Generations: optimization.Int(10)})
	require.NoError(t, err)

	res, err := g.Predict(zeroTarget(t))
	require.NoError(t, err)

	prev := res.Logbook[0].Best[0]
	for _, rec := range res.Logbook[1:] {
		assert.LessOrEqual(t, rec.Best[0], prev)
		assert.LessOrEqual(t, rec.Best[0], rec.Min[0])
		prev = rec.Best[0]
	}
	assert.Equal(t, prev, res.Best.Fitness.Values[0])
}

func TestPredictDeterministic(t *testing.T) {
	cfg := optimization.Config{Seed: 42, PopSize: 12, Generations: optimization.Int(4)}

	poolA, _ := newPool(t, 1)
	a, err := New(poolA, cfg)
	require.NoError(t, err)
	resA, err := a.Predict(zeroTarget(t))
	require.NoError(t, err)

	poolB, _ := newPool(t, 3)
	b, err := New(poolB, cfg)
	require.NoError(t, err)
	resB, err := b.Predict(zeroTarget(t))
	require.NoError(t, err)

	assert.Equal(t, resA.Best, resB.Best)
	assert.Equal(t, resA.Logbook, resB.Logbook)

	again, err := a.Predict(zeroTarget(t))
	require.NoError(t, err)
	assert.Equal(t, resA.Best, again.Best, "repeated predictions reuse the seed")
}

func TestPredictPropagatesRenderError(t *testing.T) {
	pool, synths := newPool(t, 1)
	g, err := New(pool, optimization.Config{Seed: 1, PopSize: 4, Generations: optimization.Int(2)})
	require.NoError(t, err)

	boom := errors.New("plugin not loaded")
	synths[0].RenderErr = boom
	_, err = g.Predict(zeroTarget(t))
	assert.True(t, errors.Is(err, boom))
	assert.True(t, errors.Is(err, optimization.ErrEvaluation))
}

func TestObserverSeesEveryGeneration(t *testing.T) {
	pool, _ := newPool(t, 1)
	var gens []int
	obs := optimization.ObserverFunc(func(name string, rec optimization.Record) {
		assert.Equal(t, Name, name)
		gens = append(gens, rec.Gen)
	})
	g, err := New(pool, optimization.Config{Seed: 3, PopSize: 6, Generations: optimization.Int(3)}, WithObserver(obs))
	require.NoError(t, err)

	_, err = g.Predict(zeroTarget(t))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, gens)
}

func TestGenerationInIsolation(t *testing.T) {
	pool, _ := newPool(t, 1)
	require.NoError(t, pool.SetTarget(zeroTarget(t)))
	g, err := New(pool, optimization.Config{PopSize: 10, CrossoverProb: optimization.Float(1), MutationProb: optimization.Float(1)})
	require.NoError(t, err)
	g.Seed(99)

	pop := optimization.RandomPopulation(optimization.NewRand(5), 10, numParams)
	_, err = pool.EvaluateInvalid(pop)
	require.NoError(t, err)

	hof := optimization.NewHallOfFame(1)
	hof.Update(pop)
	before := hof.Best().Fitness.Values[0]

	next, rec, err := g.Generation(pop, hof)
	require.NoError(t, err)
	assert.Len(t, next, 10)
	assert.Equal(t, 10, rec.Evals)
	assert.LessOrEqual(t, hof.Best().Fitness.Values[0], before)
	for _, ind := range next {
		assert.True(t, ind.Fitness.Valid)
	}
	for _, ind := range pop {
		assert.True(t, ind.Fitness.Valid, "parents keep their fitness")
	}
}
