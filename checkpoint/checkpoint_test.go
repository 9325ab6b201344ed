package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"scount/expr"
)

func snapshotDataset() *expr.Dataset {
	m := expr.NewMatrix([]string{"g1", "g2"}, []string{"c1", "c2", "c3"})
	m.Set(0, 0, 3)
	m.Set(1, 1, 5)
	m.Set(0, 2, 1)
	d := expr.NewDataset(m)
	ln := m.Clone()
	ln.Set(0, 0, 1.5)
	if e := d.AddAssay("lognorm", ln); e != nil {
		panic(e)
	}
	d.Meta[0].Condition = "ctrl"
	d.Meta[0].Cluster = 2
	d.Meta[1].CellType = "NK"
	d.Meta[2].PctMito = 7.5
	d.Scaled = &expr.Scaled{
		Genes: []string{"g1"},
		Cells: []string{"c1", "c2", "c3"},
		Data:  []float64{1, -1, 0},
	}
	d.Reductions["pca"] = &expr.Reduction{
		Coords:       [][]float64{{1, 2}, {3, 4}, {5, 6}},
		Genes:        []string{"g1"},
		Loadings:     [][]float64{{0.5, -0.5}},
		VarExplained: []float64{0.7, 0.3},
	}
	d.VarGenes = []string{"g1"}
	return d
}

func TestRoundTrip(t *testing.T) {
	d := snapshotDataset()
	path := Path(t.TempDir(), "cluster")
	if e := Write(path, "cluster", d); e != nil {
		t.Fatal(e)
	}
	got, stage, e := Read(path)
	if e != nil {
		t.Fatal(e)
	}
	if stage != "cluster" {
		t.Errorf("stage: %v", stage)
	}

	for _, name := range []string{"counts", "lognorm"} {
		want, g := d.Assays[name], got.Assays[name]
		if len(g.Genes) != len(want.Genes) || len(g.Cells) != len(want.Cells) {
			t.Fatalf("assay %v shape mismatch", name)
		}
		for gi := range want.Genes {
			for ci := range want.Cells {
				if g.At(gi, ci) != want.At(gi, ci) {
					t.Errorf("assay %v [%v,%v]: %v != %v", name, gi, ci, g.At(gi, ci), want.At(gi, ci))
				}
			}
		}
	}
	if got.Meta[0].Condition != "ctrl" || got.Meta[0].Cluster != 2 {
		t.Errorf("meta[0]: %+v", got.Meta[0])
	}
	if got.Meta[1].CellType != "NK" || got.Meta[2].PctMito != 7.5 {
		t.Errorf("meta: %+v", got.Meta)
	}
	if got.Scaled == nil || got.Scaled.At(0, 0) != 1 {
		t.Errorf("scaled: %+v", got.Scaled)
	}
	red := got.Reductions["pca"]
	if red == nil || red.Coords[2][1] != 6 || red.VarExplained[0] != 0.7 {
		t.Errorf("reduction: %+v", red)
	}
	if len(got.VarGenes) != 1 || got.VarGenes[0] != "g1" {
		t.Errorf("var genes: %v", got.VarGenes)
	}
	if _, ok := got.CellIndex("c2"); !ok {
		t.Error("cell index not rebuilt")
	}
}

func TestVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.json")
	if e := os.WriteFile(path, []byte(`{"version":99,"stage":"qc","cells":[],"assays":[],"meta":[]}`), 0o644); e != nil {
		t.Fatal(e)
	}
	_, _, e := Read(path)
	var ve VersionError
	if !errors.As(e, &ve) {
		t.Fatalf("expected VersionError, got %v", e)
	}
	if ve.Got != 99 {
		t.Errorf("got: %v", ve.Got)
	}
}

func TestReadMissing(t *testing.T) {
	if _, _, e := Read(filepath.Join(t.TempDir(), "absent.json.gz")); e == nil {
		t.Error("expected error for missing snapshot")
	}
}

func TestReadNoCounts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.json")
	body := `{"version":1,"stage":"qc","cells":["c1"],"assays":[{"name":"lognorm","genes":["g1"],"entries":[]}],"meta":[{"Cell":"c1"}]}`
	if e := os.WriteFile(path, []byte(body), 0o644); e != nil {
		t.Fatal(e)
	}
	if _, _, e := Read(path); e == nil {
		t.Error("expected missing counts error")
	}
}
