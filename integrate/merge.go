package integrate

import (
	"fmt"
	"math"

	"scount/expr"
	"scount/neighbors"
)

// Integrate merges the query dataset into the reference. Anchors found in the
// joint space drive a per-cell correction of the query's normalized values;
// reference values pass through unchanged. The merged container covers the
// gene intersection, carries both datasets' counts and normalized assays, and
// adds an "integrated" assay holding the corrected values.
func Integrate(ref, query *expr.Dataset, opts Options) (*expr.Dataset, error) {
	opts = opts.withDefaults()
	anchors, feats, red, e := anchorSearch(ref, query, opts)
	if e != nil {
		return nil, e
	}

	mr := ref.Assays[opts.Assay]
	mq := query.Assays[opts.Assay]
	genes, refGI, qGI, e := geneIntersection(mr, mq)
	if e != nil {
		return nil, e
	}

	nr := ref.NCells()
	nq := query.NCells()
	cells := make([]string, 0, nr+nq)
	seen := map[string]bool{}
	for _, c := range append(append([]string{}, ref.Cells...), query.Cells...) {
		if seen[c] {
			return nil, fmt.Errorf("integrate: cell %v present in both datasets", c)
		}
		seen[c] = true
		cells = append(cells, c)
	}

	// Per-anchor correction vectors on the shared gene space.
	corr := make([][]float64, len(anchors))
	for ai, a := range anchors {
		v := make([]float64, len(genes))
		for gi := range genes {
			v[gi] = mr.At(refGI[gi], a.Ref) - mq.At(qGI[gi], a.Query)
		}
		corr[ai] = v
	}

	// Each query cell draws on its nearest anchors in the joint space,
	// weighted by distance decay and anchor score.
	qC := red.Coords[nr:]
	aq := make([][]float64, len(anchors))
	for ai, a := range anchors {
		aq[ai] = qC[a.Query]
	}
	nn, e := neighbors.KNNQuery(aq, qC, min(opts.KWeight, len(anchors)))
	if e != nil {
		return nil, fmt.Errorf("integrate: %w", e)
	}

	integrated := expr.NewMatrix(genes, cells)
	norm := expr.NewMatrix(genes, cells)
	counts := expr.NewMatrix(genes, cells)
	cr, cq := ref.Counts(), query.Counts()
	crGI, cqGI, e := countsIndex(cr, cq, genes)
	if e != nil {
		return nil, e
	}

	for ci := 0; ci < nr; ci++ {
		for gi := range genes {
			integrated.Set(gi, ci, mr.At(refGI[gi], ci))
			norm.Set(gi, ci, mr.At(refGI[gi], ci))
			counts.Set(gi, ci, cr.At(crGI[gi], ci))
		}
	}
	for qi := 0; qi < nq; qi++ {
		ws := anchorWeights(nn[qi], anchors)
		for gi := range genes {
			v := mq.At(qGI[gi], qi)
			norm.Set(gi, nr+qi, v)
			counts.Set(gi, nr+qi, cq.At(cqGI[gi], qi))
			shift := 0.0
			for _, w := range ws {
				shift += w.weight * corr[w.anchor][gi]
			}
			integrated.Set(gi, nr+qi, v+shift)
		}
	}

	out := expr.NewDataset(counts)
	if e := out.AddAssay(opts.Assay, norm); e != nil {
		return nil, fmt.Errorf("integrate: %w", e)
	}
	if e := out.AddAssay("integrated", integrated); e != nil {
		return nil, fmt.Errorf("integrate: %w", e)
	}
	for i := 0; i < nr; i++ {
		meta := ref.Meta[i]
		meta.Cluster = -1
		out.Meta[i] = meta
	}
	for i := 0; i < nq; i++ {
		meta := query.Meta[i]
		meta.Cluster = -1
		out.Meta[nr+i] = meta
	}
	out.VarGenes = append([]string{}, feats...)
	return out, nil
}

type anchorWeight struct {
	anchor int
	weight float64
}

// anchorWeights converts nearest-anchor distances into normalized weights
// using exponential decay scaled by the farthest selected anchor, modulated
// by anchor score.
func anchorWeights(ns []neighbors.Neighbor, anchors []Anchor) []anchorWeight {
	if len(ns) == 0 {
		return nil
	}
	bw := ns[len(ns)-1].Dist
	if bw <= 0 {
		bw = 1
	}
	out := make([]anchorWeight, 0, len(ns))
	total := 0.0
	for _, n := range ns {
		w := math.Exp(-n.Dist/bw) * (anchors[n.Idx].Score + eps)
		out = append(out, anchorWeight{anchor: n.Idx, weight: w})
		total += w
	}
	if total <= 0 {
		for i := range out {
			out[i].weight = 1 / float64(len(out))
		}
		return out
	}
	for i := range out {
		out[i].weight /= total
	}
	return out
}

const eps = 1e-12

// geneIntersection lists the genes present in both matrices in the first
// matrix's order, with the index of each gene in each matrix.
func geneIntersection(a, b *expr.Matrix) ([]string, []int, []int, error) {
	var genes []string
	var ai, bi []int
	for i, g := range a.Genes {
		if j, ok := b.GeneIndex(g); ok {
			genes = append(genes, g)
			ai = append(ai, i)
			bi = append(bi, j)
		}
	}
	if len(genes) == 0 {
		return nil, nil, nil, fmt.Errorf("integrate: datasets share no genes")
	}
	return genes, ai, bi, nil
}

func countsIndex(cr, cq *expr.Matrix, genes []string) ([]int, []int, error) {
	ri := make([]int, len(genes))
	qi := make([]int, len(genes))
	for i, g := range genes {
		gi, ok := cr.GeneIndex(g)
		if !ok {
			return nil, nil, fmt.Errorf("integrate: reference counts missing gene %v", g)
		}
		ri[i] = gi
		gi, ok = cq.GeneIndex(g)
		if !ok {
			return nil, nil, fmt.Errorf("integrate: query counts missing gene %v", g)
		}
		qi[i] = gi
	}
	return ri, qi, nil
}
