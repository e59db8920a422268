package nsga3

// Divisions is the number of divisions per objective axis used for the
// reference point grid.
const Divisions = 12

// MaxReferencePoints bounds the grid size. Niching is quadratic in it.
const MaxReferencePoints = 10000

// UniformReferencePoints returns the Das and Dennis structured points on the
// unit simplex in nobj dimensions with p divisions per axis. Every point has
// non-negative coordinates that sum to one. There are C(nobj+p-1, p) points.
func UniformReferencePoints(nobj, p int) [][]float64 {
	if nobj < 1 || p < 1 {
		return nil
	}
	points := make([][]float64, 0, numReferencePoints(nobj, p))
	ref := make([]float64, nobj)
	var walk func(depth, left int)
	walk = func(depth, left int) {
		if depth == nobj-1 {
			ref[depth] = float64(left) / float64(p)
			points = append(points, append([]float64(nil), ref...))
			return
		}
		for i := 0; i <= left; i++ {
			ref[depth] = float64(i) / float64(p)
			walk(depth+1, left-i)
		}
	}
	walk(0, p)
	return points
}

// numReferencePoints is C(nobj+p-1, p).
func numReferencePoints(nobj, p int) int {
	if nobj < 1 || p < 1 {
		return 0
	}
	n, k := nobj+p-1, p
	if k > n-k {
		k = n - k
	}
	out := 1
	for i := 1; i <= k; i++ {
		out = out * (n - k + i) / i
	}
	return out
}
