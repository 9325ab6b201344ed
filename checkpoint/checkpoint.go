// Package checkpoint persists the pipeline container between stages so a run
// can resume after the last completed stage.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/jgbaldwinbrown/csvh"

	"scount/expr"
)

// Version is bumped whenever the snapshot layout changes incompatibly.
const Version = 1

// VersionError reports a snapshot written by an incompatible layout.
type VersionError struct {
	Path string
	Got  int
}

func (e VersionError) Error() string {
	return fmt.Sprintf("checkpoint %v: snapshot version %v; this build reads %v", e.Path, e.Got, Version)
}

type entry struct {
	G int     `json:"g"`
	C int     `json:"c"`
	V float64 `json:"v"`
}

type assaySnap struct {
	Name    string   `json:"name"`
	Genes   []string `json:"genes"`
	Entries []entry  `json:"entries"`
}

type snapshot struct {
	Version    int                        `json:"version"`
	Stage      string                     `json:"stage"`
	Cells      []string                   `json:"cells"`
	Assays     []assaySnap                `json:"assays"`
	Meta       []expr.CellMeta            `json:"meta"`
	Scaled     *expr.Scaled               `json:"scaled,omitempty"`
	Reductions map[string]*expr.Reduction `json:"reductions,omitempty"`
	VarGenes   []string                   `json:"var_genes,omitempty"`
}

// Path is the snapshot location for a stage. Snapshots are gzipped.
func Path(dir, stage string) string {
	return filepath.Join(dir, stage+".json.gz")
}

func snapAssay(name string, m *expr.Matrix) (assaySnap, error) {
	s := assaySnap{Name: name, Genes: append([]string{}, m.Genes...)}
	cellIdx := make(map[string]int, len(m.Cells))
	for i, c := range m.Cells {
		cellIdx[c] = i
	}
	e := m.Triplets().Iterate(func(t expr.Triplet) error {
		gi, ok := m.GeneIndex(t.Gene)
		if !ok {
			return fmt.Errorf("unknown gene %v", t.Gene)
		}
		ci, ok := cellIdx[t.Cell]
		if !ok {
			return fmt.Errorf("unknown cell %v", t.Cell)
		}
		s.Entries = append(s.Entries, entry{G: gi, C: ci, V: t.Value})
		return nil
	})
	if e != nil {
		return assaySnap{}, fmt.Errorf("snapAssay %v: %w", name, e)
	}
	return s, nil
}

// Write snapshots the container to path, recording which stage produced it.
func Write(path, stage string, d *expr.Dataset) (err error) {
	snap := snapshot{
		Version:    Version,
		Stage:      stage,
		Cells:      append([]string{}, d.Cells...),
		Meta:       d.Meta,
		Scaled:     d.Scaled,
		Reductions: d.Reductions,
		VarGenes:   d.VarGenes,
	}
	for _, name := range d.Names {
		s, e := snapAssay(name, d.Assays[name])
		if e != nil {
			return fmt.Errorf("checkpoint.Write %v: %w", path, e)
		}
		snap.Assays = append(snap.Assays, s)
	}

	w, e := csvh.CreateMaybeGz(path)
	if e != nil {
		return fmt.Errorf("checkpoint.Write %v: %w", path, e)
	}
	defer func() {
		e := w.Close()
		if err == nil {
			err = e
		}
	}()
	if e := json.NewEncoder(w).Encode(snap); e != nil {
		return fmt.Errorf("checkpoint.Write %v: %w", path, e)
	}
	return nil
}

// Read restores a container and the stage name that produced the snapshot.
func Read(path string) (*expr.Dataset, string, error) {
	r, e := csvh.OpenMaybeGz(path)
	if e != nil {
		return nil, "", fmt.Errorf("checkpoint.Read %v: %w", path, e)
	}
	defer r.Close()

	var snap snapshot
	if e := json.NewDecoder(r).Decode(&snap); e != nil {
		return nil, "", fmt.Errorf("checkpoint.Read %v: %w", path, e)
	}
	if snap.Version != Version {
		return nil, "", VersionError{Path: path, Got: snap.Version}
	}
	if len(snap.Meta) != len(snap.Cells) {
		return nil, "", fmt.Errorf("checkpoint.Read %v: %v meta rows for %v cells", path, len(snap.Meta), len(snap.Cells))
	}

	assays := map[string]*expr.Matrix{}
	var names []string
	for _, s := range snap.Assays {
		m := expr.NewMatrix(s.Genes, snap.Cells)
		for _, en := range s.Entries {
			if en.G < 0 || en.G >= len(s.Genes) || en.C < 0 || en.C >= len(snap.Cells) {
				return nil, "", fmt.Errorf("checkpoint.Read %v: assay %v entry out of range", path, s.Name)
			}
			m.Set(en.G, en.C, en.V)
		}
		assays[s.Name] = m
		names = append(names, s.Name)
	}
	counts, ok := assays["counts"]
	if !ok {
		return nil, "", fmt.Errorf("checkpoint.Read %v: snapshot has no counts assay", path)
	}

	d := expr.NewDataset(counts)
	for _, name := range names {
		if name == "counts" {
			continue
		}
		if e := d.AddAssay(name, assays[name]); e != nil {
			return nil, "", fmt.Errorf("checkpoint.Read %v: %w", path, e)
		}
	}
	d.Meta = snap.Meta
	d.Scaled = snap.Scaled
	if snap.Reductions != nil {
		d.Reductions = snap.Reductions
	}
	d.VarGenes = snap.VarGenes
	return d, snap.Stage, nil
}
