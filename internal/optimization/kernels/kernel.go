// Package kernels provides the covariance functions of the Gaussian process
// surrogate used by the Bayesian estimator.
package kernels

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Kernel is a stationary covariance function over gene vectors.
type Kernel interface {
	// Eval computes the covariance between x1 and x2.
	Eval(x1, x2 []float64) float64
	// Name identifies the kernel in configuration.
	Name() string
}

// Params holds the hyperparameters shared by the stationary kernels.
type Params struct {
	// LengthScale sets how far apart two patches may be and still correlate.
	LengthScale float64 `json:"length_scale"`
	// Variance is the prior signal variance.
	Variance float64 `json:"variance"`
}

func (p Params) validate() error {
	if p.LengthScale <= 0 || math.IsNaN(p.LengthScale) {
		return fmt.Errorf("length scale must be positive, got %v", p.LengthScale)
	}
	if p.Variance <= 0 || math.IsNaN(p.Variance) {
		return fmt.Errorf("signal variance must be positive, got %v", p.Variance)
	}
	return nil
}

// RBF is the squared exponential kernel.
type RBF struct{ Params }

// NewRBF creates an RBF kernel.
func NewRBF(lengthScale, variance float64) (*RBF, error) {
	p := Params{LengthScale: lengthScale, Variance: variance}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &RBF{p}, nil
}

// Eval implements Kernel.
func (k *RBF) Eval(x1, x2 []float64) float64 {
	r := floats.Distance(x1, x2, 2) / k.LengthScale
	return k.Variance * math.Exp(-0.5*r*r)
}

// Name implements Kernel.
func (k *RBF) Name() string { return "rbf" }

// Matern52 is the Matérn kernel with smoothness 5/2. Render errors are rough
// functions of the patch, so it is the default.
type Matern52 struct{ Params }

// NewMatern52 creates a Matérn 5/2 kernel.
func NewMatern52(lengthScale, variance float64) (*Matern52, error) {
	p := Params{LengthScale: lengthScale, Variance: variance}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &Matern52{p}, nil
}

// Eval implements Kernel.
func (k *Matern52) Eval(x1, x2 []float64) float64 {
	r := math.Sqrt(5) * floats.Distance(x1, x2, 2) / k.LengthScale
	return k.Variance * (1 + r + r*r/3) * math.Exp(-r)
}

// Name implements Kernel.
func (k *Matern52) Name() string { return "matern52" }

var constructors = map[string]func(lengthScale, variance float64) (Kernel, error){
	"rbf":      func(l, v float64) (Kernel, error) { return NewRBF(l, v) },
	"matern52": func(l, v float64) (Kernel, error) { return NewMatern52(l, v) },
}

// Names lists the known kernels.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates a kernel by name.
func New(name string, lengthScale, variance float64) (Kernel, error) {
	ctor, ok := constructors[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown kernel %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return ctor(lengthScale, variance)
}
