// Package qc computes per-cell quality metrics and applies bound filters.
package qc

import (
	"fmt"
	"strings"

	"github.com/montanaflynn/stats"

	"scount/expr"
)

// Bounds is the conjunction of QC limits a cell must satisfy. MinFeatures and
// MaxMitoPct are inclusive, MaxFeatures exclusive, matching the usual
// min <= nFeature < max, pct.mito <= max convention.
type Bounds struct {
	MinFeatures int
	MaxFeatures int
	MaxMitoPct  float64
}

func (b Bounds) Keep(m expr.CellMeta) bool {
	if m.NFeatures < b.MinFeatures {
		return false
	}
	if b.MaxFeatures > 0 && m.NFeatures >= b.MaxFeatures {
		return false
	}
	if m.PctMito > b.MaxMitoPct {
		return false
	}
	return true
}

// Metrics fills NFeatures, NCount and PctMito on every cell's metadata.
// Mitochondrial genes are matched by name prefix.
func Metrics(d *expr.Dataset, mitoPrefix string) {
	counts := d.Counts()
	mito := map[int]bool{}
	if mitoPrefix != "" {
		for gi, g := range counts.Genes {
			if strings.HasPrefix(g, mitoPrefix) {
				mito[gi] = true
			}
		}
	}
	for ci := range d.Cells {
		total := counts.ColSum(ci)
		var mt float64
		counts.Col(ci, func(gi int, v float64) {
			if mito[gi] {
				mt += v
			}
		})
		d.Meta[ci].NFeatures = counts.ColNNZ(ci)
		d.Meta[ci].NCount = total
		if total > 0 {
			d.Meta[ci].PctMito = mt / total * 100
		} else {
			d.Meta[ci].PctMito = 0
		}
	}
}

// Filter returns a container holding only the cells passing bounds. Metrics
// must have been computed. Re-applying the same bounds is a no-op.
func Filter(d *expr.Dataset, b Bounds) (*expr.Dataset, error) {
	var keep []int
	for ci := range d.Cells {
		if b.Keep(d.Meta[ci]) {
			keep = append(keep, ci)
		}
	}
	if len(keep) == 0 {
		return nil, fmt.Errorf("qc.Filter: no cells pass bounds %+v", b)
	}
	return d.SubsetCells(keep)
}

// Summary holds whole-dataset QC distribution statistics.
type Summary struct {
	Cells          int
	MedianFeatures float64
	MeanCount      float64
	P90Count       float64
	MeanMitoPct    float64
}

func Summarize(d *expr.Dataset) (Summary, error) {
	nf := make([]float64, len(d.Meta))
	nc := make([]float64, len(d.Meta))
	mt := make([]float64, len(d.Meta))
	for i := range d.Meta {
		nf[i] = float64(d.Meta[i].NFeatures)
		nc[i] = d.Meta[i].NCount
		mt[i] = d.Meta[i].PctMito
	}
	var s Summary
	var e error
	s.Cells = len(d.Meta)
	if s.MedianFeatures, e = stats.Median(nf); e != nil {
		return s, e
	}
	if s.MeanCount, e = stats.Mean(nc); e != nil {
		return s, e
	}
	if s.P90Count, e = stats.Percentile(nc, 90); e != nil {
		return s, e
	}
	if s.MeanMitoPct, e = stats.Mean(mt); e != nil {
		return s, e
	}
	return s, nil
}

func (s Summary) String() string {
	return fmt.Sprintf("cells: %v; median features: %v; mean count: %.2f; p90 count: %.2f; mean mito%%: %.2f",
		s.Cells, s.MedianFeatures, s.MeanCount, s.P90Count, s.MeanMitoPct)
}
