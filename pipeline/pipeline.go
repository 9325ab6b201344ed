package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/graph/simple"

	"scount/checkpoint"
	"scount/cluster"
	"scount/de"
	"scount/embed"
	"scount/expr"
	"scount/ingest"
	"scount/integrate"
	"scount/neighbors"
	"scount/pca"
	"scount/plots"
	"scount/qc"
	"scount/transform"
)

// Stage order. Each stage reads the container the previous one produced.
var stageNames = []string{"build", "scale", "pca", "cluster", "embed", "markers"}

type Pipeline struct {
	cfg Config
}

func New(cfg Config) (*Pipeline, error) {
	if e := cfg.Validate(); e != nil {
		return nil, e
	}
	return &Pipeline{cfg: cfg}, nil
}

// Run executes the remaining stages, starting from the newest checkpoint when
// a checkpoint directory is configured.
func (p *Pipeline) Run(ctx context.Context) (*expr.Dataset, error) {
	d, start, e := p.resume()
	if e != nil {
		return nil, e
	}
	if start > 0 {
		log.Printf("resuming after stage %v", stageNames[start-1])
	}
	for i := start; i < len(stageNames); i++ {
		if e := ctx.Err(); e != nil {
			return nil, e
		}
		name := stageNames[i]
		log.Printf("stage %v", name)
		d, e = p.runStage(name, d)
		if e != nil {
			return nil, fmt.Errorf("stage %v: %w", name, e)
		}
		if p.cfg.CheckpointDir != "" {
			path := checkpoint.Path(p.cfg.CheckpointDir, name)
			if e := checkpoint.Write(path, name, d); e != nil {
				return nil, fmt.Errorf("stage %v: %w", name, e)
			}
		}
	}
	return d, nil
}

// resume finds the latest stage with a snapshot and restores it.
func (p *Pipeline) resume() (*expr.Dataset, int, error) {
	if p.cfg.CheckpointDir == "" {
		return nil, 0, nil
	}
	for i := len(stageNames) - 1; i >= 0; i-- {
		path := checkpoint.Path(p.cfg.CheckpointDir, stageNames[i])
		if _, e := os.Stat(path); e != nil {
			continue
		}
		d, stage, e := checkpoint.Read(path)
		if e != nil {
			return nil, 0, fmt.Errorf("resume: %w", e)
		}
		if stage != stageNames[i] {
			return nil, 0, fmt.Errorf("resume: snapshot %v claims stage %v", path, stage)
		}
		return d, i + 1, nil
	}
	return nil, 0, nil
}

func (p *Pipeline) runStage(name string, d *expr.Dataset) (*expr.Dataset, error) {
	switch name {
	case "build":
		return p.build()
	case "scale":
		return d, p.scale(d)
	case "pca":
		return d, p.pca(d)
	case "cluster":
		return d, p.cluster(d)
	case "embed":
		return d, p.embed(d)
	case "markers":
		return d, p.markers(d)
	}
	return nil, fmt.Errorf("unknown stage %v", name)
}

func (p *Pipeline) readInput(in InputConfig) (*expr.Matrix, error) {
	if in.DensePath != "" {
		return ingest.ReadDensePath(in.DensePath)
	}
	return ingest.ReadTripletDir(in.TripletDir)
}

// build ingests all inputs into one container, applies QC, normalizes, picks
// variable features, and for multi-condition runs corrects batch effects via
// anchors.
func (p *Pipeline) build() (*expr.Dataset, error) {
	c := p.cfg
	var inputs []ingest.Input
	for _, in := range c.Inputs {
		m, e := p.readInput(in)
		if e != nil {
			return nil, e
		}
		inputs = append(inputs, ingest.Input{Condition: in.Condition, Counts: m})
	}
	d, e := ingest.Build(inputs, c.MinCells, c.MinFeatures)
	if e != nil {
		return nil, e
	}

	qc.Metrics(d, c.MitoPrefix)
	d, e = qc.Filter(d, qc.Bounds{
		MinFeatures: c.MinFeatures,
		MaxFeatures: c.MaxFeatures,
		MaxMitoPct:  c.MaxMitoPct,
	})
	if e != nil {
		return nil, e
	}
	if sum, e := qc.Summarize(d); e == nil {
		log.Printf("after QC: %v", sum)
	}

	if e := transform.Normalize(d, c.ScaleFactor); e != nil {
		return nil, e
	}
	if e := transform.FindVariableFeatures(d, c.NVariableFeatures); e != nil {
		return nil, e
	}

	conds := d.Conditions()
	if len(conds) < 2 {
		return d, nil
	}

	// Multi-condition runs anchor each later condition onto the first.
	subs := make([]*expr.Dataset, len(conds))
	for i, cond := range conds {
		sub, e := d.SubsetByCondition(cond)
		if e != nil {
			return nil, e
		}
		if e := transform.FindVariableFeatures(sub, c.NVariableFeatures); e != nil {
			return nil, e
		}
		subs[i] = sub
	}
	merged := subs[0]
	for _, sub := range subs[1:] {
		merged, e = integrate.Integrate(merged, sub, integrate.Options{
			Dims: c.NComponents,
		})
		if e != nil {
			return nil, e
		}
	}
	return merged, nil
}

func (p *Pipeline) scale(d *expr.Dataset) error {
	assay := ""
	if _, ok := d.Assays["integrated"]; ok {
		assay = "integrated"
	}
	return transform.Scale(d, transform.ScaleOpts{
		Assay:      assay,
		ClipMax:    p.cfg.ClipMax,
		RegressOut: p.cfg.RegressOut,
	})
}

func (p *Pipeline) pca(d *expr.Dataset) error {
	c := p.cfg
	red, e := pca.Compute(d.Scaled, c.NComponents)
	if e != nil {
		return e
	}
	if c.JackstrawReplicates > 0 {
		js, e := pca.Jackstraw(d.Scaled, pca.JackstrawOpts{
			Components: len(red.VarExplained),
			Replicates: c.JackstrawReplicates,
			Frac:       c.JackstrawFrac,
			Seed:       c.Seed,
		})
		if e != nil {
			return e
		}
		n := js.SignificantComponents(0.05, 0.05)
		if n < 2 {
			n = 2
		}
		truncateReduction(red, n)
		log.Printf("keeping %v significant components", n)
	}
	d.Reductions["pca"] = red
	return nil
}

func truncateReduction(red *expr.Reduction, n int) {
	if n >= len(red.VarExplained) {
		return
	}
	for ci := range red.Coords {
		red.Coords[ci] = red.Coords[ci][:n]
	}
	for gi := range red.Loadings {
		red.Loadings[gi] = red.Loadings[gi][:n]
	}
	red.VarExplained = red.VarExplained[:n]
}

func (p *Pipeline) graph(d *expr.Dataset) (*simple.WeightedUndirectedGraph, error) {
	red, ok := d.Reductions["pca"]
	if !ok {
		return nil, fmt.Errorf("no pca reduction; run the pca stage first")
	}
	neigh, e := neighbors.KNN(red.Coords, p.cfg.KnnK)
	if e != nil {
		return nil, e
	}
	return neighbors.SNNGraph(neigh, p.cfg.SNNPrune)
}

func (p *Pipeline) cluster(d *expr.Dataset) error {
	g, e := p.graph(d)
	if e != nil {
		return e
	}
	labels, e := cluster.Louvain(g, d.NCells(), p.cfg.Resolution, p.cfg.Seed)
	if e != nil {
		return e
	}
	if e := cluster.Assign(d, labels); e != nil {
		return e
	}
	for label, size := range sortedSizes(d) {
		log.Printf("cluster %v: %v cells", label, size)
	}
	if names := p.cfg.clusterNames(); names != nil {
		if e := cluster.Rename(d, names); e != nil {
			return e
		}
	}
	return nil
}

func sortedSizes(d *expr.Dataset) []int {
	sizes := cluster.Sizes(d)
	var labels []int
	for l := range sizes {
		labels = append(labels, l)
	}
	sort.Ints(labels)
	out := make([]int, len(labels))
	for i, l := range labels {
		out[i] = sizes[l]
	}
	return out
}

func (p *Pipeline) embed(d *expr.Dataset) error {
	g, e := p.graph(d)
	if e != nil {
		return e
	}
	coords, e := embed.Coords(g, d.NCells(), p.cfg.Seed)
	if e != nil {
		return e
	}
	d.Reductions["embed"] = &expr.Reduction{Coords: coords}
	return nil
}

// markers writes the per-cluster marker tables, the cluster size table, and
// the diagnostic plots.
func (p *Pipeline) markers(d *expr.Dataset) error {
	c := p.cfg
	if e := os.MkdirAll(c.OutDir, 0o755); e != nil {
		return e
	}

	if e := p.writeSizes(d); e != nil {
		return e
	}

	params := de.Params{
		MinPct:           c.MinPct,
		LogFCThreshold:   c.LogFCThreshold,
		MaxCellsPerGroup: c.MaxCellsPerGroup,
		Seed:             c.Seed,
	}
	sizes := cluster.Sizes(d)
	var labels []int
	for l := range sizes {
		labels = append(labels, l)
	}
	sort.Ints(labels)
	multi := len(d.Conditions()) > 1
	for _, cl := range labels {
		g1, g2, e := de.GroupsByCluster(d, cl, -1)
		if e != nil {
			return e
		}
		ms, e := de.FindMarkers(d, "lognorm", g1, g2, params)
		if e != nil {
			return e
		}
		path := filepath.Join(c.OutDir, fmt.Sprintf("markers_cluster%d.tsv", cl))
		if e := de.WriteMarkersPath(path, cl, ms); e != nil {
			return e
		}
		if !multi {
			continue
		}
		cms, e := de.FindConservedMarkers(d, "lognorm", cl, -1, params)
		if e != nil {
			// A cluster absent from one condition has no conserved set.
			log.Printf("cluster %v: skipping conserved markers: %v", cl, e)
			continue
		}
		if e := p.writeConserved(cl, cms); e != nil {
			return e
		}
	}

	if red, ok := d.Reductions["pca"]; ok {
		if e := plots.Elbow(red.VarExplained, filepath.Join(c.OutDir, "elbow.png")); e != nil {
			return e
		}
	}
	if red, ok := d.Reductions["embed"]; ok {
		if e := plots.Embedding(d, red.Coords, filepath.Join(c.OutDir, "embedding.png")); e != nil {
			return e
		}
	}
	return nil
}

func (p *Pipeline) writeSizes(d *expr.Dataset) (err error) {
	w, e := os.Create(filepath.Join(p.cfg.OutDir, "cluster_sizes.tsv"))
	if e != nil {
		return e
	}
	defer func() {
		e := w.Close()
		if err == nil {
			err = e
		}
	}()
	if _, e := fmt.Fprintf(w, "cluster\tcells\n"); e != nil {
		return e
	}
	sizes := cluster.Sizes(d)
	var labels []int
	for l := range sizes {
		labels = append(labels, l)
	}
	sort.Ints(labels)
	for _, l := range labels {
		if _, e := fmt.Fprintf(w, "%d\t%d\n", l, sizes[l]); e != nil {
			return e
		}
	}
	return nil
}

func (p *Pipeline) writeConserved(cl int, cms []de.ConservedMarker) (err error) {
	path := filepath.Join(p.cfg.OutDir, fmt.Sprintf("conserved_cluster%d.tsv", cl))
	w, e := os.Create(path)
	if e != nil {
		return e
	}
	defer func() {
		e := w.Close()
		if err == nil {
			err = e
		}
	}()
	return de.WriteConserved(w, cl, cms)
}
