package fitness

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Metric measures the error between a target and a candidate feature vector.
type Metric func(target, candidate []float64) (float64, error)

func checkShape(a, b []float64) error {
	if len(a) != len(b) {
		return fmt.Errorf("feature length mismatch: target %d, candidate %d", len(a), len(b))
	}
	if len(a) == 0 {
		return fmt.Errorf("empty feature vectors")
	}
	return nil
}

// MeanAbsError is mean(|a - b|).
func MeanAbsError(a, b []float64) (float64, error) {
	if err := checkShape(a, b); err != nil {
		return 0, err
	}
	return floats.Distance(a, b, 1) / float64(len(a)), nil
}

// MeanSquaredError is mean((a - b)^2).
func MeanSquaredError(a, b []float64) (float64, error) {
	if err := checkShape(a, b); err != nil {
		return 0, err
	}
	d := floats.Distance(a, b, 2)
	return d * d / float64(len(a)), nil
}

// EuclideanDistance is the L2 norm of a - b.
func EuclideanDistance(a, b []float64) (float64, error) {
	if err := checkShape(a, b); err != nil {
		return 0, err
	}
	return floats.Distance(a, b, 2), nil
}

// ManhattanDistance is the L1 norm of a - b.
func ManhattanDistance(a, b []float64) (float64, error) {
	if err := checkShape(a, b); err != nil {
		return 0, err
	}
	return floats.Distance(a, b, 1), nil
}

// MaxAbsError is the L-infinity norm of a - b.
func MaxAbsError(a, b []float64) (float64, error) {
	if err := checkShape(a, b); err != nil {
		return 0, err
	}
	return floats.Distance(a, b, math.Inf(1)), nil
}

var metrics = map[string]Metric{
	"mae":       MeanAbsError,
	"mse":       MeanSquaredError,
	"euclidean": EuclideanDistance,
	"manhattan": ManhattanDistance,
	"max":       MaxAbsError,
}

// MetricNames lists the metrics MetricByName understands.
func MetricNames() []string {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MetricByName resolves a metric name. An empty name selects mae.
func MetricByName(name string) (Metric, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return MeanAbsError, nil
	}
	m, ok := metrics[name]
	if !ok {
		return nil, fmt.Errorf("unknown error metric %q (known: %s)", name, strings.Join(MetricNames(), ", "))
	}
	return m, nil
}
