// Package pca computes principal components of the scaled matrix and assesses
// component stability with a permutation test.
package pca

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"scount/expr"
)

// Compute returns the top-n principal components of the scaled variable-
// feature matrix: per-cell coordinates, per-gene loadings, and the fraction of
// total variance each component explains, in descending order. Component signs
// follow the convention that each component's largest-magnitude loading is
// positive, so repeated runs agree exactly.
func Compute(sc *expr.Scaled, n int) (*expr.Reduction, error) {
	if sc == nil {
		return nil, fmt.Errorf("pca: no scaled data; run Scale first")
	}
	nc := len(sc.Cells)
	ng := len(sc.Genes)
	if nc == 0 || ng == 0 {
		return nil, fmt.Errorf("pca: empty scaled matrix")
	}
	max := nc
	if ng < max {
		max = ng
	}
	if n <= 0 {
		return nil, fmt.Errorf("pca: n components %v <= 0", n)
	}
	if n > max {
		n = max
	}

	x := mat.NewDense(nc, ng, sc.Data)
	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return nil, fmt.Errorf("pca: SVD failed to converge")
	}
	vals := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// Fix component signs by the largest-magnitude loading.
	for k := 0; k < n; k++ {
		best := 0
		for gi := 1; gi < ng; gi++ {
			if math.Abs(v.At(gi, k)) > math.Abs(v.At(best, k)) {
				best = gi
			}
		}
		if v.At(best, k) < 0 {
			for gi := 0; gi < ng; gi++ {
				v.Set(gi, k, -v.At(gi, k))
			}
			for ci := 0; ci < nc; ci++ {
				u.Set(ci, k, -u.At(ci, k))
			}
		}
	}

	var total float64
	for _, s := range vals {
		total += s * s
	}
	if total == 0 {
		return nil, fmt.Errorf("pca: zero total variance")
	}

	red := &expr.Reduction{
		Coords:       make([][]float64, nc),
		Genes:        append([]string{}, sc.Genes...),
		Loadings:     make([][]float64, ng),
		VarExplained: make([]float64, n),
	}
	for ci := 0; ci < nc; ci++ {
		red.Coords[ci] = make([]float64, n)
		for k := 0; k < n; k++ {
			red.Coords[ci][k] = u.At(ci, k) * vals[k]
		}
	}
	for gi := 0; gi < ng; gi++ {
		red.Loadings[gi] = make([]float64, n)
		for k := 0; k < n; k++ {
			red.Loadings[gi][k] = v.At(gi, k)
		}
	}
	for k := 0; k < n; k++ {
		red.VarExplained[k] = vals[k] * vals[k] / total
	}
	return red, nil
}

// ElbowComponents is the variance-explained heuristic: the smallest leading
// component count whose cumulative explained-variance fraction of the computed
// components reaches frac.
func ElbowComponents(varExplained []float64, frac float64) int {
	var sum, total float64
	for _, v := range varExplained {
		total += v
	}
	if total == 0 {
		return 0
	}
	for i, v := range varExplained {
		sum += v
		if sum/total >= frac {
			return i + 1
		}
	}
	return len(varExplained)
}
