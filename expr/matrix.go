// Package expr holds the expression container shared by all pipeline stages.
package expr

import (
	"fmt"
	"sort"

	"github.com/jgbaldwinbrown/iter"
)

// Matrix is a sparse gene-by-cell matrix. Zero entries are not stored.
type Matrix struct {
	Genes   []string
	Cells   []string
	geneIdx map[string]int
	cols    []map[int]float64
}

type Triplet struct {
	Gene  string
	Cell  string
	Value float64
}

func NewMatrix(genes, cells []string) *Matrix {
	m := &Matrix{
		Genes:   append([]string{}, genes...),
		Cells:   append([]string{}, cells...),
		geneIdx: make(map[string]int, len(genes)),
		cols:    make([]map[int]float64, len(cells)),
	}
	for i, g := range m.Genes {
		m.geneIdx[g] = i
	}
	for i := range m.cols {
		m.cols[i] = map[int]float64{}
	}
	return m
}

func (m *Matrix) NGenes() int { return len(m.Genes) }
func (m *Matrix) NCells() int { return len(m.Cells) }

func (m *Matrix) GeneIndex(gene string) (int, bool) {
	i, ok := m.geneIdx[gene]
	return i, ok
}

func (m *Matrix) At(gi, ci int) float64 {
	return m.cols[ci][gi]
}

func (m *Matrix) Set(gi, ci int, v float64) {
	if v == 0 {
		delete(m.cols[ci], gi)
		return
	}
	m.cols[ci][gi] = v
}

// ColSum is the total count of one cell.
func (m *Matrix) ColSum(ci int) float64 {
	var sum float64
	for _, v := range m.cols[ci] {
		sum += v
	}
	return sum
}

// ColNNZ is the number of genes detected in one cell.
func (m *Matrix) ColNNZ(ci int) int {
	return len(m.cols[ci])
}

// RowNNZ is the number of cells a gene is detected in.
func (m *Matrix) RowNNZ(gi int) int {
	n := 0
	for ci := range m.cols {
		if _, ok := m.cols[ci][gi]; ok {
			n++
		}
	}
	return n
}

// Col visits the nonzero entries of cell ci in ascending gene order.
func (m *Matrix) Col(ci int, f func(gi int, v float64)) {
	gis := make([]int, 0, len(m.cols[ci]))
	for gi := range m.cols[ci] {
		gis = append(gis, gi)
	}
	sort.Ints(gis)
	for _, gi := range gis {
		f(gi, m.cols[ci][gi])
	}
}

// Row collects the dense values of gene gi across all cells.
func (m *Matrix) Row(gi int) []float64 {
	out := make([]float64, len(m.Cells))
	for ci := range m.cols {
		out[ci] = m.cols[ci][gi]
	}
	return out
}

func (m *Matrix) Clone() *Matrix {
	out := NewMatrix(m.Genes, m.Cells)
	for ci := range m.cols {
		for gi, v := range m.cols[ci] {
			out.cols[ci][gi] = v
		}
	}
	return out
}

// SubsetCells keeps the cells at the given indices, preserving their order.
func (m *Matrix) SubsetCells(keep []int) (*Matrix, error) {
	cells := make([]string, 0, len(keep))
	for _, ci := range keep {
		if ci < 0 || ci >= len(m.Cells) {
			return nil, fmt.Errorf("SubsetCells: index %v out of range", ci)
		}
		cells = append(cells, m.Cells[ci])
	}
	out := NewMatrix(m.Genes, cells)
	for i, ci := range keep {
		for gi, v := range m.cols[ci] {
			out.cols[i][gi] = v
		}
	}
	return out, nil
}

// SubsetGenes keeps the named genes, preserving this matrix's gene order.
func (m *Matrix) SubsetGenes(genes []string) (*Matrix, error) {
	want := make(map[string]bool, len(genes))
	for _, g := range genes {
		want[g] = true
	}
	var kept []string
	var keptIdx []int
	for gi, g := range m.Genes {
		if want[g] {
			kept = append(kept, g)
			keptIdx = append(keptIdx, gi)
		}
	}
	if len(kept) != len(want) {
		return nil, fmt.Errorf("SubsetGenes: %v of %v genes not present", len(want)-len(kept), len(want))
	}
	remap := make(map[int]int, len(keptIdx))
	for newgi, gi := range keptIdx {
		remap[gi] = newgi
	}
	out := NewMatrix(kept, m.Cells)
	for ci := range m.cols {
		for gi, v := range m.cols[ci] {
			if newgi, ok := remap[gi]; ok {
				out.cols[ci][newgi] = v
			}
		}
	}
	return out, nil
}

// Triplets streams nonzero entries cell-major in deterministic order.
func (m *Matrix) Triplets() *iter.Iterator[Triplet] {
	return &iter.Iterator[Triplet]{Iteratef: func(yield func(Triplet) error) error {
		for ci := range m.cols {
			var err error
			m.Col(ci, func(gi int, v float64) {
				if err != nil {
					return
				}
				err = yield(Triplet{Gene: m.Genes[gi], Cell: m.Cells[ci], Value: v})
			})
			if err != nil {
				return err
			}
		}
		return nil
	}}
}
