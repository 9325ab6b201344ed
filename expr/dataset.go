package expr

import (
	"fmt"
)

// CellMeta is the per-cell metadata record. Extra is a typed string sidecar
// for columns not in the fixed schema.
type CellMeta struct {
	Cell      string
	Condition string
	NFeatures int
	NCount    float64
	PctMito   float64
	Cluster   int
	CellType  string
	Extra     map[string]string
}

// Reduction is a dense per-cell coordinate mapping plus, for PCA, per-component
// gene loadings and explained-variance fractions.
type Reduction struct {
	Coords       [][]float64
	Genes        []string
	Loadings     [][]float64
	VarExplained []float64
}

// Scaled is a dense standardized matrix, rows = cells, cols = genes.
type Scaled struct {
	Genes []string
	Cells []string
	Data  []float64
}

func (s *Scaled) At(ci, gi int) float64 {
	return s.Data[ci*len(s.Genes)+gi]
}

func (s *Scaled) Set(ci, gi int, v float64) {
	s.Data[ci*len(s.Genes)+gi] = v
}

// Dataset is the container threaded through the pipeline. All assays share one
// ordered cell axis. Cells are only ever removed, never re-added or reordered.
type Dataset struct {
	Names      []string
	Assays     map[string]*Matrix
	Cells      []string
	Meta       []CellMeta
	Scaled     *Scaled
	Reductions map[string]*Reduction
	VarGenes   []string

	cellIdx map[string]int
}

func NewDataset(counts *Matrix) *Dataset {
	d := &Dataset{
		Names:      []string{"counts"},
		Assays:     map[string]*Matrix{"counts": counts},
		Cells:      append([]string{}, counts.Cells...),
		Reductions: map[string]*Reduction{},
	}
	d.Meta = make([]CellMeta, len(d.Cells))
	for i, c := range d.Cells {
		d.Meta[i] = CellMeta{Cell: c, Cluster: -1}
	}
	d.reindex()
	return d
}

func (d *Dataset) reindex() {
	d.cellIdx = make(map[string]int, len(d.Cells))
	for i, c := range d.Cells {
		d.cellIdx[c] = i
	}
}

func (d *Dataset) NCells() int { return len(d.Cells) }

func (d *Dataset) CellIndex(cell string) (int, bool) {
	if d.cellIdx == nil {
		d.reindex()
	}
	i, ok := d.cellIdx[cell]
	return i, ok
}

func (d *Dataset) Counts() *Matrix { return d.Assays["counts"] }

// AddAssay attaches a matrix sharing the container's cell axis.
func (d *Dataset) AddAssay(name string, m *Matrix) error {
	if len(m.Cells) != len(d.Cells) {
		return fmt.Errorf("AddAssay %v: %v cells != container %v", name, len(m.Cells), len(d.Cells))
	}
	for i, c := range m.Cells {
		if c != d.Cells[i] {
			return fmt.Errorf("AddAssay %v: cell axis mismatch at %v: %v != %v", name, i, c, d.Cells[i])
		}
	}
	if _, ok := d.Assays[name]; !ok {
		d.Names = append(d.Names, name)
	}
	d.Assays[name] = m
	return nil
}

// SubsetCells keeps the cells at the given indices across every assay and the
// metadata, preserving order.
func (d *Dataset) SubsetCells(keep []int) (*Dataset, error) {
	out := &Dataset{
		Names:      append([]string{}, d.Names...),
		Assays:     map[string]*Matrix{},
		Reductions: map[string]*Reduction{},
		VarGenes:   append([]string{}, d.VarGenes...),
	}
	for _, name := range d.Names {
		m, e := d.Assays[name].SubsetCells(keep)
		if e != nil {
			return nil, fmt.Errorf("SubsetCells assay %v: %w", name, e)
		}
		out.Assays[name] = m
	}
	out.Cells = make([]string, 0, len(keep))
	out.Meta = make([]CellMeta, 0, len(keep))
	for _, ci := range keep {
		out.Cells = append(out.Cells, d.Cells[ci])
		out.Meta = append(out.Meta, d.Meta[ci])
	}
	out.reindex()
	return out, nil
}

// SubsetByCondition keeps the cells whose Condition matches, preserving order.
func (d *Dataset) SubsetByCondition(cond string) (*Dataset, error) {
	var keep []int
	for i := range d.Meta {
		if d.Meta[i].Condition == cond {
			keep = append(keep, i)
		}
	}
	if len(keep) == 0 {
		return nil, fmt.Errorf("SubsetByCondition: no cells with condition %v", cond)
	}
	return d.SubsetCells(keep)
}

// Conditions lists the distinct condition labels in first-seen order.
func (d *Dataset) Conditions() []string {
	seen := map[string]bool{}
	var out []string
	for i := range d.Meta {
		c := d.Meta[i].Condition
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// SetExtra writes a sidecar metadata value, validating the cell exists.
func (d *Dataset) SetExtra(cell, key, val string) error {
	i, ok := d.CellIndex(cell)
	if !ok {
		return fmt.Errorf("SetExtra: no cell %v", cell)
	}
	if key == "" {
		return fmt.Errorf("SetExtra: empty key for cell %v", cell)
	}
	if d.Meta[i].Extra == nil {
		d.Meta[i].Extra = map[string]string{}
	}
	d.Meta[i].Extra[key] = val
	return nil
}

// ClusterCells lists the cell indices assigned to a cluster.
func (d *Dataset) ClusterCells(cluster int) []int {
	var out []int
	for i := range d.Meta {
		if d.Meta[i].Cluster == cluster {
			out = append(out, i)
		}
	}
	return out
}
