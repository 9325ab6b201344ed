package transform

import (
	"fmt"
	"math"
	"sort"

	"github.com/sajari/regression"
	"gonum.org/v1/gonum/stat"

	"scount/expr"
)

type geneDispersion struct {
	gi   int
	gene string
	std  float64
}

// FindVariableFeatures ranks genes by variance-stabilized dispersion and
// records the top k on the container. A quadratic mean-variance trend is fit
// in log10 space and each gene is scored by its observed variance over the
// trend's expectation. Ties break by original gene order.
func FindVariableFeatures(d *expr.Dataset, k int) error {
	if k <= 0 {
		return fmt.Errorf("FindVariableFeatures: k %v <= 0", k)
	}
	counts := d.Counts()

	means := make([]float64, counts.NGenes())
	vars := make([]float64, counts.NGenes())
	for gi := range counts.Genes {
		row := counts.Row(gi)
		means[gi] = stat.Mean(row, nil)
		vars[gi] = stat.Variance(row, nil)
	}

	model, fitted, e := fitTrend(means, vars)
	if e != nil {
		return fmt.Errorf("FindVariableFeatures: %w", e)
	}

	disps := make([]geneDispersion, 0, counts.NGenes())
	for gi, gene := range counts.Genes {
		if means[gi] <= 0 || vars[gi] <= 0 {
			continue
		}
		expected := fitted
		if model != nil {
			x := math.Log10(means[gi])
			p, err := model.Predict([]float64{x, x * x})
			if err != nil {
				return fmt.Errorf("FindVariableFeatures: %w", err)
			}
			expected = math.Pow(10, p)
		}
		if expected <= 0 {
			continue
		}
		disps = append(disps, geneDispersion{gi: gi, gene: gene, std: vars[gi] / expected})
	}
	if len(disps) == 0 {
		return fmt.Errorf("FindVariableFeatures: no gene with positive variance")
	}

	sort.SliceStable(disps, func(i, j int) bool {
		return disps[i].std > disps[j].std
	})
	if k > len(disps) {
		k = len(disps)
	}
	d.VarGenes = make([]string, k)
	for i := 0; i < k; i++ {
		d.VarGenes[i] = disps[i].gene
	}
	return nil
}

// fitTrend regresses log10 variance on log10 mean with a quadratic term.
// With too few usable genes it falls back to the mean observed variance.
func fitTrend(means, vars []float64) (*regression.Regression, float64, error) {
	var pts regression.DataPoints
	var sum float64
	var n int
	for i := range means {
		if means[i] > 0 && vars[i] > 0 {
			x := math.Log10(means[i])
			pts = append(pts, regression.DataPoint(math.Log10(vars[i]), []float64{x, x * x}))
			sum += vars[i]
			n++
		}
	}
	if n == 0 {
		return nil, 0, fmt.Errorf("no gene with positive mean and variance")
	}
	if n < 4 {
		return nil, sum / float64(n), nil
	}
	r := new(regression.Regression)
	r.SetObserved("log10var")
	r.SetVar(0, "log10mean")
	r.SetVar(1, "log10mean2")
	r.Train(pts...)
	if e := r.Run(); e != nil {
		return nil, sum / float64(n), nil
	}
	return r, 0, nil
}
