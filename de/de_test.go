package de

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"testing"

	"scount/expr"
)

// Sixteen cells in two blocks of eight. Gene G is on only in the first block,
// H is flat, Z is silent.
func markerDataset(t *testing.T) *expr.Dataset {
	t.Helper()
	var cells []string
	for i := 0; i < 16; i++ {
		cells = append(cells, fmt.Sprintf("c%d", i))
	}
	m := expr.NewMatrix([]string{"G", "H", "Z"}, cells)
	for ci := 0; ci < 16; ci++ {
		if ci < 8 {
			m.Set(0, ci, 2)
		}
		m.Set(1, ci, 1)
	}
	d := expr.NewDataset(m)
	if e := d.AddAssay("lognorm", m.Clone()); e != nil {
		t.Fatal(e)
	}
	for i := range d.Meta {
		if i < 8 {
			d.Meta[i].Cluster = 0
		} else {
			d.Meta[i].Cluster = 1
		}
		if i%2 == 0 {
			d.Meta[i].Condition = "ctrl"
		} else {
			d.Meta[i].Condition = "stim"
		}
	}
	return d
}

func groups16() (g1, g2 []int) {
	for i := 0; i < 8; i++ {
		g1 = append(g1, i)
		g2 = append(g2, i+8)
	}
	return g1, g2
}

func TestFindMarkers(t *testing.T) {
	d := markerDataset(t)
	g1, g2 := groups16()
	ms, e := FindMarkers(d, "lognorm", g1, g2, Params{MinPct: 0.1, LogFCThreshold: 0.25})
	if e != nil {
		t.Fatal(e)
	}
	if len(ms) != 1 {
		t.Fatalf("expected only G to pass, got %+v", ms)
	}
	g := ms[0]
	if g.Gene != "G" {
		t.Fatalf("got %v", g.Gene)
	}
	if g.Pct1 != 1 || g.Pct2 != 0 {
		t.Errorf("pct: %v %v", g.Pct1, g.Pct2)
	}
	if g.Log2FC <= 0 {
		t.Errorf("log2fc: %v", g.Log2FC)
	}
	if g.PValue >= 0.05 {
		t.Errorf("p: %v", g.PValue)
	}
	if g.PAdj < g.PValue {
		t.Errorf("padj %v < p %v", g.PAdj, g.PValue)
	}
}

func TestFindMarkersSubsampleDeterministic(t *testing.T) {
	d := markerDataset(t)
	g1, g2 := groups16()
	p := Params{MinPct: 0.1, LogFCThreshold: 0.25, MaxCellsPerGroup: 6, Seed: 3}
	a, e := FindMarkers(d, "lognorm", g1, g2, p)
	if e != nil {
		t.Fatal(e)
	}
	b, e := FindMarkers(d, "lognorm", g1, g2, p)
	if e != nil {
		t.Fatal(e)
	}
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %v %v", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("marker %v differs: %+v %+v", i, a[i], b[i])
		}
	}
}

func TestFindMarkersErrors(t *testing.T) {
	d := markerDataset(t)
	g1, g2 := groups16()
	if _, e := FindMarkers(d, "nope", g1, g2, Params{}); e == nil {
		t.Error("expected missing assay error")
	}
	if _, e := FindMarkers(d, "lognorm", nil, g2, Params{}); e == nil {
		t.Error("expected empty group error")
	}
	if _, e := FindMarkers(d, "lognorm", g1, g1, Params{}); e == nil {
		t.Error("expected overlap error")
	}
	if _, e := FindMarkers(d, "lognorm", []int{99}, g2, Params{}); e == nil {
		t.Error("expected out of range error")
	}
}

func TestGroupsByCluster(t *testing.T) {
	d := markerDataset(t)
	g1, g2, e := GroupsByCluster(d, 0, -1)
	if e != nil {
		t.Fatal(e)
	}
	if len(g1) != 8 || len(g2) != 8 {
		t.Errorf("group sizes: %v %v", len(g1), len(g2))
	}
	if _, _, e := GroupsByCluster(d, 7, -1); e == nil {
		t.Error("expected empty cluster error")
	}
}

func TestRankSumP(t *testing.T) {
	// Identical constant samples carry no evidence.
	if p := rankSumP([]float64{1, 1}, []float64{1, 1}); p != 1 {
		t.Errorf("constant samples: p %v", p)
	}
	// Fully separated samples are significant at this size.
	a := []float64{5, 6, 7, 8, 9, 10, 11, 12}
	b := []float64{0, 0, 0, 0, 0, 0, 0, 0}
	if p := rankSumP(a, b); p >= 0.01 {
		t.Errorf("separated samples: p %v", p)
	}
	// Symmetric in argument order.
	if p1, p2 := rankSumP(a, b), rankSumP(b, a); math.Abs(p1-p2) > 1e-12 {
		t.Errorf("asymmetric: %v %v", p1, p2)
	}
}

func TestAdjustBH(t *testing.T) {
	ms := []Marker{
		{Gene: "a", PValue: 0.01},
		{Gene: "b", PValue: 0.04},
		{Gene: "c", PValue: 0.03},
		{Gene: "d", PValue: 0.005},
	}
	adjustBH(ms)
	for _, m := range ms {
		if m.PAdj < m.PValue || m.PAdj > 1 {
			t.Errorf("%v: p %v padj %v", m.Gene, m.PValue, m.PAdj)
		}
	}
	// Smallest raw p keeps the smallest adjusted p.
	if ms[3].PAdj > ms[1].PAdj {
		t.Errorf("order not preserved: %+v", ms)
	}
}

func TestFindConservedMarkers(t *testing.T) {
	d := markerDataset(t)
	cms, e := FindConservedMarkers(d, "lognorm", 0, 1, Params{MinPct: 0.1, LogFCThreshold: 0.25})
	if e != nil {
		t.Fatal(e)
	}
	if len(cms) != 1 || cms[0].Gene != "G" {
		t.Fatalf("expected conserved G, got %+v", cms)
	}
	g := cms[0]
	if len(g.PerCondition) != 2 {
		t.Fatalf("conditions: %+v", g.Conditions)
	}
	if g.MaxP >= 0.05 {
		t.Errorf("max p: %v", g.MaxP)
	}
	if g.CombinedP > g.MaxP {
		t.Errorf("combined %v > max %v", g.CombinedP, g.MaxP)
	}
	for i, m := range g.PerCondition {
		if m.Pct1 != 1 || m.Pct2 != 0 {
			t.Errorf("condition %v pct: %v %v", g.Conditions[i], m.Pct1, m.Pct2)
		}
	}
}

func TestFindConservedMarkersSingleCondition(t *testing.T) {
	d := markerDataset(t)
	for i := range d.Meta {
		d.Meta[i].Condition = "only"
	}
	if _, e := FindConservedMarkers(d, "lognorm", 0, 1, Params{}); e == nil {
		t.Error("expected single-condition error")
	}
}

func TestWriteMarkers(t *testing.T) {
	var buf bytes.Buffer
	ms := []Marker{{Gene: "G", Log2FC: 2.5, PValue: 0.001, PAdj: 0.003, Pct1: 1, Pct2: 0}}
	if e := WriteMarkers(&buf, 4, ms); e != nil {
		t.Fatal(e)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines: %v", lines)
	}
	if !strings.HasPrefix(lines[0], "cluster\tgene") {
		t.Errorf("header: %v", lines[0])
	}
	if lines[1] != "4\tG\t2.5\t0.001\t0.003\t1\t0" {
		t.Errorf("row: %v", lines[1])
	}
}
