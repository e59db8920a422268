package bayesian

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/synthmatch/internal/optimization"
	"github.com/copyleftdev/synthmatch/internal/optimization/kernels"
)

const (
	initialJitter     = 1e-10
	maxJitterAttempts = 8
)

// GP is a Gaussian process regression model over gene vectors. Targets are
// standardized before fitting so the kernel variance applies to any error
// scale.
type GP struct {
	kernel   kernels.Kernel
	noiseVar float64
	logger   *zap.Logger

	x     [][]float64
	alpha *mat.VecDense
	chol  mat.Cholesky

	yMean  float64
	yScale float64
}

// NewGP creates an unfitted model.
func NewGP(kernel kernels.Kernel, noiseVar float64, logger *zap.Logger) *GP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GP{
		kernel:   kernel,
		noiseVar: noiseVar,
		logger:   logger.Named("gaussian_process"),
	}
}

// Fit conditions the model on observations y at points x. When the kernel
// matrix is not positive definite, jitter is added to its diagonal until the
// factorization succeeds.
func (gp *GP) Fit(x [][]float64, y []float64) error {
	const op = "fit"
	n := len(x)
	switch {
	case n == 0:
		return optimization.WrapError(errors.New("no training points"), "gaussian_process").WithOperation(op)
	case n != len(y):
		return optimization.WrapError(fmt.Errorf("dimension mismatch: %d points, %d targets", n, len(y)), "gaussian_process").WithOperation(op)
	}

	gp.yMean, gp.yScale = 0, 1
	if n > 1 {
		gp.yMean, gp.yScale = stat.MeanStdDev(y, nil)
		if gp.yScale <= 0 || math.IsNaN(gp.yScale) {
			gp.yScale = 1
		}
	} else {
		gp.yMean = y[0]
	}
	ys := mat.NewVecDense(n, nil)
	for i, v := range y {
		ys.SetVec(i, (v-gp.yMean)/gp.yScale)
	}

	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			k.SetSym(i, j, gp.kernel.Eval(x[i], x[j]))
		}
	}

	jitter := initialJitter
	factorized := false
	for attempt := 0; attempt < maxJitterAttempts; attempt++ {
		kj := mat.NewSymDense(n, nil)
		kj.CopySym(k)
		for i := 0; i < n; i++ {
			kj.SetSym(i, i, kj.At(i, i)+gp.noiseVar+jitter)
		}
		if gp.chol.Factorize(kj) {
			factorized = true
			break
		}
		gp.logger.Debug("cholesky factorization failed, increasing jitter",
			zap.Int("attempt", attempt+1), zap.Float64("jitter", jitter))
		jitter *= 10
	}
	if !factorized {
		return optimization.WrapError(errors.New("kernel matrix is not positive definite"), "gaussian_process").WithOperation(op)
	}

	alpha := mat.NewVecDense(n, nil)
	if err := gp.chol.SolveVecTo(alpha, ys); err != nil {
		return optimization.WrapError(err, "gaussian_process").WithOperation(op)
	}
	gp.alpha = alpha
	gp.x = make([][]float64, n)
	for i, p := range x {
		gp.x[i] = append([]float64(nil), p...)
	}
	gp.logger.Debug("fitted gaussian process", zap.Int("samples", n), zap.Float64("jitter", jitter))
	return nil
}

// Predict returns the posterior mean and standard deviation at p, in the
// units of the training targets.
func (gp *GP) Predict(p []float64) (mu, sigma float64, err error) {
	if gp.alpha == nil {
		return 0, 0, optimization.WrapError(errors.New("model is not fitted"), "gaussian_process").WithOperation("predict")
	}
	n := len(gp.x)
	kstar := mat.NewVecDense(n, nil)
	for i, xi := range gp.x {
		kstar.SetVec(i, gp.kernel.Eval(p, xi))
	}
	mean := mat.Dot(kstar, gp.alpha)

	v := mat.NewVecDense(n, nil)
	if err := gp.chol.SolveVecTo(v, kstar); err != nil {
		return 0, 0, optimization.WrapError(err, "gaussian_process").WithOperation("predict")
	}
	variance := gp.kernel.Eval(p, p) - mat.Dot(kstar, v)
	if variance < 0 {
		variance = 0
	}
	return mean*gp.yScale + gp.yMean, math.Sqrt(variance) * gp.yScale, nil
}

// Len is the number of training points.
func (gp *GP) Len() int { return len(gp.x) }
