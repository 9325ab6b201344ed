// Package transform implements normalization, variable feature selection and
// scaling of the expression container.
package transform

import (
	"fmt"
	"math"

	"scount/expr"
)

// EmptyCellError reports a zero-total-count cell reaching normalization.
// QC must remove such cells upstream.
type EmptyCellError struct {
	Cell string
}

func (e EmptyCellError) Error() string {
	return fmt.Sprintf("cell %v has zero total count", e.Cell)
}

// Normalize rescales each cell to a common total and applies log(1+x),
// adding a "lognorm" assay to the container.
func Normalize(d *expr.Dataset, scaleFactor float64) error {
	if scaleFactor <= 0 {
		return fmt.Errorf("Normalize: scale factor %v <= 0", scaleFactor)
	}
	counts := d.Counts()
	out := expr.NewMatrix(counts.Genes, counts.Cells)
	for ci := range counts.Cells {
		total := counts.ColSum(ci)
		if total == 0 {
			return EmptyCellError{Cell: counts.Cells[ci]}
		}
		counts.Col(ci, func(gi int, v float64) {
			out.Set(gi, ci, math.Log1p(v/total*scaleFactor))
		})
	}
	return d.AddAssay("lognorm", out)
}
