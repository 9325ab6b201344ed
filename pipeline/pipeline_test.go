package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeDense writes a dense counts table with two well-separated populations
// of six cells each, prefixed so cell names differ per condition.
func writeDense(t *testing.T, dir, name, prefix string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("gene")
	for i := 0; i < 12; i++ {
		fmt.Fprintf(&b, "\t%s%d", prefix, i)
	}
	b.WriteString("\n")
	genes := []string{"g1", "g2", "g3", "g4", "g5", "MT-g6"}
	for gi, g := range genes {
		b.WriteString(g)
		for ci := 0; ci < 12; ci++ {
			v := 5
			switch {
			case gi < 2 && ci < 6:
				v = 50 + ci + gi
			case gi >= 2 && gi < 4 && ci >= 6:
				v = 50 + ci + gi
			}
			fmt.Fprintf(&b, "\t%d", v)
		}
		b.WriteString("\n")
	}
	path := filepath.Join(dir, name)
	if e := os.WriteFile(path, []byte(b.String()), 0o644); e != nil {
		t.Fatal(e)
	}
	return path
}

func testConfig(t *testing.T, inputs ...InputConfig) Config {
	t.Helper()
	c := Default()
	c.Inputs = inputs
	c.OutDir = filepath.Join(t.TempDir(), "out")
	c.CheckpointDir = t.TempDir()
	c.MinCells = 1
	c.MinFeatures = 1
	c.MaxFeatures = 0
	c.MaxMitoPct = 100
	c.NVariableFeatures = 4
	c.NComponents = 3
	c.KnnK = 4
	c.SNNPrune = 0
	c.Resolution = 1
	c.LogFCThreshold = 0.1
	c.Seed = 1
	return c
}

func TestValidate(t *testing.T) {
	good := testConfig(t, InputConfig{Condition: "ctrl", DensePath: "x.tsv"})
	if e := good.Validate(); e != nil {
		t.Fatal(e)
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"no inputs", func(c *Config) { c.Inputs = nil }, "inputs"},
		{"both sources", func(c *Config) { c.Inputs[0].TripletDir = "d" }, "inputs[0]"},
		{"no condition", func(c *Config) { c.Inputs[0].Condition = "" }, "inputs[0]"},
		{"no out dir", func(c *Config) { c.OutDir = "" }, "out_dir"},
		{"bad scale factor", func(c *Config) { c.ScaleFactor = 0 }, "scale_factor"},
		{"bad clip", func(c *Config) { c.ClipMax = -1 }, "clip_max"},
		{"bad covariate", func(c *Config) { c.RegressOut = []string{"bogus"} }, "regress_out"},
		{"bad resolution", func(c *Config) { c.Resolution = 0 }, "resolution"},
		{"bad prune", func(c *Config) { c.SNNPrune = 1 }, "snn_prune"},
		{"bad min pct", func(c *Config) { c.MinPct = 2 }, "min_pct"},
		{"bad cluster name key", func(c *Config) { c.ClusterNames = map[string]string{"x": "NK"} }, "cluster_names"},
		{"max below min features", func(c *Config) { c.MinFeatures = 10; c.MaxFeatures = 5 }, "max_features"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := testConfig(t, InputConfig{Condition: "ctrl", DensePath: "x.tsv"})
			tc.mutate(&c)
			e := c.Validate()
			var ce ConfigurationError
			if !errors.As(e, &ce) {
				t.Fatalf("expected ConfigurationError, got %v", e)
			}
			if ce.Field != tc.field {
				t.Errorf("field %v, want %v", ce.Field, tc.field)
			}
		})
	}
}

func TestReadConfig(t *testing.T) {
	body := `{"inputs":[{"condition":"ctrl","dense_path":"a.tsv"}],"out_dir":"out","resolution":1.5}`
	c, e := ReadConfig(strings.NewReader(body))
	if e != nil {
		t.Fatal(e)
	}
	if c.Resolution != 1.5 {
		t.Errorf("resolution: %v", c.Resolution)
	}
	// Unset fields keep their defaults.
	if c.ScaleFactor != 1e4 || c.MitoPrefix != "MT-" {
		t.Errorf("defaults lost: %+v", c)
	}
	if _, e := ReadConfig(strings.NewReader("{")); e == nil {
		t.Error("expected decode error")
	}
}

func TestRunSingleCondition(t *testing.T) {
	dir := t.TempDir()
	path := writeDense(t, dir, "ctrl.tsv", "c")
	cfg := testConfig(t, InputConfig{Condition: "ctrl", DensePath: path})
	p, e := New(cfg)
	if e != nil {
		t.Fatal(e)
	}
	d, e := p.Run(context.Background())
	if e != nil {
		t.Fatal(e)
	}
	if d.NCells() != 12 {
		t.Fatalf("cells: %v", d.NCells())
	}

	labels := map[int]bool{}
	for i := range d.Meta {
		if d.Meta[i].Cluster < 0 {
			t.Fatalf("cell %v unclustered", i)
		}
		labels[d.Meta[i].Cluster] = true
	}
	if len(labels) != 2 {
		t.Errorf("expected 2 clusters, got %v", len(labels))
	}
	if _, ok := d.Reductions["embed"]; !ok {
		t.Error("no embedding stored")
	}

	for _, f := range []string{"cluster_sizes.tsv", "markers_cluster0.tsv", "markers_cluster1.tsv", "elbow.png", "embedding.png"} {
		if _, e := os.Stat(filepath.Join(cfg.OutDir, f)); e != nil {
			t.Errorf("missing output %v", f)
		}
	}
	for _, stage := range stageNames {
		if _, e := os.Stat(filepath.Join(cfg.CheckpointDir, stage+".json.gz")); e != nil {
			t.Errorf("missing checkpoint for %v", stage)
		}
	}

	// A second run resumes from the final checkpoint.
	d2, e := p.Run(context.Background())
	if e != nil {
		t.Fatal(e)
	}
	if d2.NCells() != d.NCells() {
		t.Errorf("resumed cells: %v", d2.NCells())
	}
}

func TestRunTwoConditions(t *testing.T) {
	dir := t.TempDir()
	ctrl := writeDense(t, dir, "ctrl.tsv", "c")
	stim := writeDense(t, dir, "stim.tsv", "s")
	cfg := testConfig(t,
		InputConfig{Condition: "ctrl", DensePath: ctrl},
		InputConfig{Condition: "stim", DensePath: stim},
	)
	p, e := New(cfg)
	if e != nil {
		t.Fatal(e)
	}
	d, e := p.Run(context.Background())
	if e != nil {
		t.Fatal(e)
	}
	if d.NCells() != 24 {
		t.Fatalf("cells: %v", d.NCells())
	}
	if _, ok := d.Assays["integrated"]; !ok {
		t.Error("no integrated assay")
	}
	if got := d.Conditions(); len(got) != 2 {
		t.Errorf("conditions: %v", got)
	}
	if _, e := os.Stat(filepath.Join(cfg.OutDir, "cluster_sizes.tsv")); e != nil {
		t.Error("missing cluster sizes")
	}
}

func TestRunCancelled(t *testing.T) {
	dir := t.TempDir()
	path := writeDense(t, dir, "ctrl.tsv", "c")
	cfg := testConfig(t, InputConfig{Condition: "ctrl", DensePath: path})
	cfg.CheckpointDir = ""
	p, e := New(cfg)
	if e != nil {
		t.Fatal(e)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, e := p.Run(ctx); e == nil {
		t.Error("expected context error")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, e := New(Config{}); e == nil {
		t.Error("expected validation error")
	}
}
