package ingest

import (
	"fmt"

	"scount/expr"
)

// Input is one count matrix tagged with its condition label.
type Input struct {
	Condition string
	Counts    *expr.Matrix
}

// Build merges one or more inputs into a single container, keeping genes
// detected in at least minCells cells and cells with at least minFeatures
// detected genes. Cell names are prefixed with the condition label when more
// than one input is given. Inputs are not mutated.
func Build(inputs []Input, minCells, minFeatures int) (*expr.Dataset, error) {
	if len(inputs) == 0 {
		return nil, MalformedInputError{"build", "no inputs"}
	}
	seenCond := map[string]bool{}
	for _, in := range inputs {
		if in.Counts == nil {
			return nil, MalformedInputError{"build", fmt.Sprintf("condition %v: nil matrix", in.Condition)}
		}
		if seenCond[in.Condition] {
			return nil, MalformedInputError{"build", fmt.Sprintf("duplicate condition %v", in.Condition)}
		}
		seenCond[in.Condition] = true
	}

	// Union gene axis in first-seen order.
	var genes []string
	geneIdx := map[string]int{}
	for _, in := range inputs {
		for _, g := range in.Counts.Genes {
			if _, ok := geneIdx[g]; !ok {
				geneIdx[g] = len(genes)
				genes = append(genes, g)
			}
		}
	}

	var cells []string
	var conds []string
	seenCell := map[string]bool{}
	for _, in := range inputs {
		for _, c := range in.Counts.Cells {
			name := c
			if len(inputs) > 1 {
				name = in.Condition + "_" + c
			}
			if seenCell[name] {
				return nil, MalformedInputError{"build", fmt.Sprintf("duplicate cell %v", name)}
			}
			seenCell[name] = true
			cells = append(cells, name)
			conds = append(conds, in.Condition)
		}
	}

	m := expr.NewMatrix(genes, cells)
	ci := 0
	for _, in := range inputs {
		src := in.Counts
		for sci := range src.Cells {
			src.Col(sci, func(sgi int, v float64) {
				m.Set(geneIdx[src.Genes[sgi]], ci, v)
			})
			ci++
		}
	}

	// Gene inclusion filter.
	if minCells > 0 {
		var kept []string
		for gi, g := range genes {
			if m.RowNNZ(gi) >= minCells {
				kept = append(kept, g)
			}
		}
		if len(kept) == 0 {
			return nil, MalformedInputError{"build", fmt.Sprintf("no gene detected in >= %v cells", minCells)}
		}
		var e error
		m, e = m.SubsetGenes(kept)
		if e != nil {
			return nil, e
		}
	}

	// Cell inclusion filter.
	var keep []int
	for i := range cells {
		if m.ColNNZ(i) >= minFeatures {
			keep = append(keep, i)
		}
	}
	if len(keep) == 0 {
		return nil, MalformedInputError{"build", fmt.Sprintf("no cell with >= %v features", minFeatures)}
	}
	m2, e := m.SubsetCells(keep)
	if e != nil {
		return nil, e
	}

	d := expr.NewDataset(m2)
	for i, ci := range keep {
		d.Meta[i].Condition = conds[ci]
	}
	return d, nil
}
