package ingest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var gDense = `gene	c1	c2	c3	c4
g1	5	2	0	0
g2	3	0	0	1
g3	0	0	7	4
`

func TestReadDenseTSV(t *testing.T) {
	m, e := ReadDenseTSV("test", strings.NewReader(gDense))
	if e != nil {
		t.Fatal(e)
	}
	if m.NGenes() != 3 || m.NCells() != 4 {
		t.Fatalf("dims %vx%v", m.NGenes(), m.NCells())
	}
	if m.At(0, 0) != 5 || m.At(2, 3) != 4 || m.At(1, 1) != 0 {
		t.Errorf("bad values")
	}
}

func TestReadDenseTSVMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"short_row", "gene\tc1\tc2\ng1\t5\n"},
		{"bad_count", "gene\tc1\ng1\tx\n"},
		{"negative", "gene\tc1\ng1\t-2\n"},
		{"dup_gene", "gene\tc1\ng1\t1\ng1\t2\n"},
		{"dup_cell", "gene\tc1\tc1\ng1\t1\t2\n"},
		{"no_rows", "gene\tc1\n"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, e := ReadDenseTSV(test.name, strings.NewReader(test.in))
			var m MalformedInputError
			if !errors.As(e, &m) {
				t.Errorf("expected MalformedInputError, got %v", e)
			}
		})
	}
}

func TestReadTripletDir(t *testing.T) {
	dir := t.TempDir()
	write := func(base, content string) {
		if e := os.WriteFile(filepath.Join(dir, base), []byte(content), 0644); e != nil {
			t.Fatal(e)
		}
	}
	write("genes.tsv", "g1\tGene1\ng2\tGene2\ng3\tGene3\n")
	write("barcodes.tsv", "c1\nc2\nc3\nc4\n")
	write("matrix.mtx", `%%MatrixMarket matrix coordinate real general
% comment
3 4 5
1 1 5
2 1 3
1 2 2
3 3 7
3 4 4
`)
	m, e := ReadTripletDir(dir)
	if e != nil {
		t.Fatal(e)
	}
	if m.NGenes() != 3 || m.NCells() != 4 {
		t.Fatalf("dims %vx%v", m.NGenes(), m.NCells())
	}
	if m.At(0, 0) != 5 || m.At(2, 2) != 7 {
		t.Errorf("bad values")
	}
}

func TestReadTripletDirSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	write := func(base, content string) {
		if e := os.WriteFile(filepath.Join(dir, base), []byte(content), 0644); e != nil {
			t.Fatal(e)
		}
	}
	write("genes.tsv", "g1\ng2\n")
	write("barcodes.tsv", "c1\n")
	write("matrix.mtx", "3 1 1\n1 1 2\n")
	_, e := ReadTripletDir(dir)
	var m MalformedInputError
	if !errors.As(e, &m) {
		t.Errorf("expected MalformedInputError, got %v", e)
	}
}

func buildInput(cond string) Input {
	m, _ := ReadDenseTSV(cond, strings.NewReader(gDense))
	return Input{Condition: cond, Counts: m}
}

func TestBuildFilters(t *testing.T) {
	d, e := Build([]Input{buildInput("ctrl")}, 2, 2)
	if e != nil {
		t.Fatal(e)
	}
	// g1 in 2 cells, g2 in 2 cells, g3 in 2 cells: all kept.
	// c1 has 2 features, c2 1, c3 1, c4 2: c1 and c4 kept.
	if len(d.Cells) != 2 || d.Cells[0] != "c1" || d.Cells[1] != "c4" {
		t.Fatalf("cells: %v", d.Cells)
	}
	if d.Counts().NGenes() != 3 {
		t.Errorf("genes: %v", d.Counts().Genes)
	}
}

func TestBuildTwoConditions(t *testing.T) {
	d, e := Build([]Input{buildInput("ctrl"), buildInput("stim")}, 0, 0)
	if e != nil {
		t.Fatal(e)
	}
	if len(d.Cells) != 8 {
		t.Fatalf("cells: %v", d.Cells)
	}
	if d.Cells[0] != "ctrl_c1" || d.Cells[4] != "stim_c1" {
		t.Errorf("cell names: %v", d.Cells)
	}
	if d.Meta[0].Condition != "ctrl" || d.Meta[7].Condition != "stim" {
		t.Errorf("conditions not set")
	}
	if got := d.Conditions(); len(got) != 2 {
		t.Errorf("conditions: %v", got)
	}
}

func TestBuildErrors(t *testing.T) {
	if _, e := Build(nil, 0, 0); e == nil {
		t.Error("expected error for no inputs")
	}
	if _, e := Build([]Input{buildInput("a"), buildInput("a")}, 0, 0); e == nil {
		t.Error("expected duplicate condition error")
	}
	if _, e := Build([]Input{buildInput("ctrl")}, 0, 99); e == nil {
		t.Error("expected no-cell error")
	}
}

func TestBuildDoesNotMutateInput(t *testing.T) {
	in := buildInput("ctrl")
	before := in.Counts.Clone()
	if _, e := Build([]Input{in}, 2, 2); e != nil {
		t.Fatal(e)
	}
	for gi := range before.Genes {
		for ci := range before.Cells {
			if before.At(gi, ci) != in.Counts.At(gi, ci) {
				t.Fatalf("input mutated at %v,%v", gi, ci)
			}
		}
	}
}
