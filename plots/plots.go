// Package plots renders the diagnostic figures: the explained-variance elbow
// and the 2-D embedding colored by cluster.
package plots

import (
	"fmt"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"scount/expr"
)

// Elbow writes a line-and-point plot of explained variance per component.
func Elbow(varExplained []float64, path string) error {
	if len(varExplained) == 0 {
		return fmt.Errorf("plots.Elbow: no components")
	}
	p := plot.New()
	p.Title.Text = "Explained variance by component"
	p.X.Label.Text = "component"
	p.Y.Label.Text = "fraction of variance"

	xys := make(plotter.XYs, len(varExplained))
	for i, v := range varExplained {
		xys[i].X = float64(i + 1)
		xys[i].Y = v
	}
	line, pts, e := plotter.NewLinePoints(xys)
	if e != nil {
		return fmt.Errorf("plots.Elbow: %w", e)
	}
	p.Add(line, pts)

	if e := p.Save(6*vg.Inch, 4*vg.Inch, path); e != nil {
		return fmt.Errorf("plots.Elbow: %w", e)
	}
	return nil
}

// Embedding writes a scatter of 2-D cell coordinates, one color per cluster
// with a legend entry. Cells without a cluster label are skipped.
func Embedding(d *expr.Dataset, coords [][]float64, path string) error {
	if len(coords) != d.NCells() {
		return fmt.Errorf("plots.Embedding: %v coords for %v cells", len(coords), d.NCells())
	}
	byCluster := map[int]plotter.XYs{}
	for ci, c := range coords {
		if len(c) < 2 {
			return fmt.Errorf("plots.Embedding: cell %v has %v dims", ci, len(c))
		}
		cl := d.Meta[ci].Cluster
		if cl < 0 {
			continue
		}
		byCluster[cl] = append(byCluster[cl], plotter.XY{X: c[0], Y: c[1]})
	}
	if len(byCluster) == 0 {
		return fmt.Errorf("plots.Embedding: no clustered cells")
	}
	var labels []int
	for cl := range byCluster {
		labels = append(labels, cl)
	}
	sort.Ints(labels)

	p := plot.New()
	p.Title.Text = "Cell embedding"
	p.X.Label.Text = "dim 1"
	p.Y.Label.Text = "dim 2"

	for i, cl := range labels {
		s, e := plotter.NewScatter(byCluster[cl])
		if e != nil {
			return fmt.Errorf("plots.Embedding: %w", e)
		}
		s.GlyphStyle.Color = plotutil.Color(i)
		s.GlyphStyle.Radius = vg.Points(2)
		p.Add(s)
		name := fmt.Sprintf("cluster %d", cl)
		if ct := clusterType(d, cl); ct != "" {
			name = fmt.Sprintf("%d %s", cl, ct)
		}
		p.Legend.Add(name, s)
	}
	p.Legend.Top = true

	if e := p.Save(6*vg.Inch, 6*vg.Inch, path); e != nil {
		return fmt.Errorf("plots.Embedding: %w", e)
	}
	return nil
}

// clusterType is the annotated type of a cluster, if its cells agree on one.
func clusterType(d *expr.Dataset, cl int) string {
	name := ""
	for i := range d.Meta {
		if d.Meta[i].Cluster != cl || d.Meta[i].CellType == "" {
			continue
		}
		if name == "" {
			name = d.Meta[i].CellType
		} else if name != d.Meta[i].CellType {
			return ""
		}
	}
	return name
}
