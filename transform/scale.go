package transform

import (
	"fmt"
	"math"

	"github.com/sajari/regression"
	"gonum.org/v1/gonum/stat"

	"scount/expr"
)

// Covariate names accepted by ScaleOpts.RegressOut.
const (
	CovNCount  = "nCount"
	CovPctMito = "pctMito"
)

type ScaleOpts struct {
	// Assay selects the source values; empty means "lognorm".
	Assay string
	// Genes restricts scaling to this subset, usually the variable features.
	Genes []string
	// ClipMax bounds the absolute scaled value.
	ClipMax float64
	// RegressOut removes nuisance covariates per gene before standardizing.
	RegressOut []string
}

// Scale standardizes each selected gene of the source assay to zero mean and
// unit variance across cells, storing the dense result on the container.
func Scale(d *expr.Dataset, opts ScaleOpts) error {
	assay := opts.Assay
	if assay == "" {
		assay = "lognorm"
	}
	ln, ok := d.Assays[assay]
	if !ok {
		return fmt.Errorf("Scale: no %v assay; run Normalize first", assay)
	}
	genes := opts.Genes
	if len(genes) == 0 {
		genes = d.VarGenes
	}
	if len(genes) == 0 {
		return fmt.Errorf("Scale: no gene subset; run FindVariableFeatures first")
	}
	if opts.ClipMax <= 0 {
		return fmt.Errorf("Scale: clip max %v <= 0", opts.ClipMax)
	}

	covs, e := covariateColumns(d, opts.RegressOut)
	if e != nil {
		return fmt.Errorf("Scale: %w", e)
	}

	sc := &expr.Scaled{
		Genes: append([]string{}, genes...),
		Cells: append([]string{}, d.Cells...),
		Data:  make([]float64, len(genes)*len(d.Cells)),
	}
	for gidx, gene := range genes {
		gi, ok := ln.GeneIndex(gene)
		if !ok {
			return fmt.Errorf("Scale: gene %v not in %v assay", gene, assay)
		}
		row := ln.Row(gi)
		if len(covs) > 0 {
			row, e = residuals(row, covs)
			if e != nil {
				return fmt.Errorf("Scale: gene %v: %w", gene, e)
			}
		}
		mean := stat.Mean(row, nil)
		sd := math.Sqrt(stat.Variance(row, nil))
		for ci, v := range row {
			var z float64
			if sd > 0 {
				z = (v - mean) / sd
			}
			if z > opts.ClipMax {
				z = opts.ClipMax
			}
			if z < -opts.ClipMax {
				z = -opts.ClipMax
			}
			sc.Set(ci, gidx, z)
		}
	}
	d.Scaled = sc
	return nil
}

func covariateColumns(d *expr.Dataset, names []string) ([][]float64, error) {
	var covs [][]float64
	for _, name := range names {
		col := make([]float64, len(d.Meta))
		switch name {
		case CovNCount:
			for i := range d.Meta {
				col[i] = d.Meta[i].NCount
			}
		case CovPctMito:
			for i := range d.Meta {
				col[i] = d.Meta[i].PctMito
			}
		default:
			return nil, fmt.Errorf("unknown covariate %v", name)
		}
		covs = append(covs, col)
	}
	return covs, nil
}

// residuals fits y on the covariates with a linear model and returns y minus
// the fitted values.
func residuals(y []float64, covs [][]float64) ([]float64, error) {
	pts := make(regression.DataPoints, len(y))
	for ci := range y {
		xs := make([]float64, len(covs))
		for j := range covs {
			xs[j] = covs[j][ci]
		}
		pts[ci] = regression.DataPoint(y[ci], xs)
	}
	r := new(regression.Regression)
	r.SetObserved("expression")
	for j := range covs {
		r.SetVar(j, fmt.Sprintf("cov%v", j))
	}
	r.Train(pts...)
	if e := r.Run(); e != nil {
		return nil, e
	}
	out := make([]float64, len(y))
	for ci := range y {
		xs := make([]float64, len(covs))
		for j := range covs {
			xs[j] = covs[j][ci]
		}
		p, e := r.Predict(xs)
		if e != nil {
			return nil, e
		}
		out[ci] = y[ci] - p
	}
	return out, nil
}
