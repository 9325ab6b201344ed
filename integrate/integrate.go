// Package integrate merges datasets from different conditions by anchoring
// mutually nearest cells in a joint low-dimensional space and correcting the
// query expression toward the reference.
package integrate

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"scount/expr"
	"scount/neighbors"
	"scount/pca"
)

type Options struct {
	// Assay holds the normalized values used for anchoring and correction.
	Assay string
	// Dims is the number of joint principal components.
	Dims int
	// K is the neighbor count for the mutual-nearest-neighbor search.
	K int
	// KScore is the neighborhood size used to score anchor consistency.
	KScore int
	// KWeight is how many anchors inform each query cell's correction.
	KWeight int
	// MinAnchors aborts integration below this many anchors.
	MinAnchors int
}

func (o Options) withDefaults() Options {
	if o.Assay == "" {
		o.Assay = "lognorm"
	}
	if o.Dims <= 0 {
		o.Dims = 20
	}
	if o.K <= 0 {
		o.K = 5
	}
	if o.KScore <= 0 {
		o.KScore = 30
	}
	if o.KWeight <= 0 {
		o.KWeight = 10
	}
	if o.MinAnchors <= 0 {
		o.MinAnchors = 3
	}
	return o
}

// Anchor pairs a reference cell with a query cell. Score in [0, 1] reflects
// how consistently the two cells share a neighborhood in the joint space.
type Anchor struct {
	Ref   int
	Query int
	Score float64
}

// InsufficientAnchorsError reports that too few anchors were found for a
// trustworthy correction. The datasets likely share too little structure.
type InsufficientAnchorsError struct {
	Found int
	Min   int
}

func (e InsufficientAnchorsError) Error() string {
	return fmt.Sprintf("integrate: %v anchors found; need at least %v", e.Found, e.Min)
}

// sharedFeatures intersects the variable features of both datasets, keeping
// the reference ordering.
func sharedFeatures(ref, query *expr.Dataset) ([]string, error) {
	if len(ref.VarGenes) == 0 || len(query.VarGenes) == 0 {
		return nil, fmt.Errorf("integrate: variable features not selected on both datasets")
	}
	inQuery := map[string]bool{}
	for _, g := range query.VarGenes {
		inQuery[g] = true
	}
	var out []string
	for _, g := range ref.VarGenes {
		if inQuery[g] {
			out = append(out, g)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("integrate: no shared variable features")
	}
	return out, nil
}

// jointScaled stacks both datasets' normalized expression over the shared
// features, reference cells first, standardized per gene across all cells.
func jointScaled(ref, query *expr.Dataset, assay string, feats []string) (*expr.Scaled, error) {
	mr, ok := ref.Assays[assay]
	if !ok {
		return nil, fmt.Errorf("integrate: reference has no assay %v", assay)
	}
	mq, ok := query.Assays[assay]
	if !ok {
		return nil, fmt.Errorf("integrate: query has no assay %v", assay)
	}
	nr := mr.NCells()
	nq := mq.NCells()
	ng := len(feats)
	sc := &expr.Scaled{
		Genes: append([]string{}, feats...),
		Cells: append(append([]string{}, mr.Cells...), mq.Cells...),
		Data:  make([]float64, (nr+nq)*ng),
	}
	row := make([]float64, nr+nq)
	for gi, g := range feats {
		ri, ok := mr.GeneIndex(g)
		if !ok {
			return nil, fmt.Errorf("integrate: reference is missing gene %v", g)
		}
		qi, ok := mq.GeneIndex(g)
		if !ok {
			return nil, fmt.Errorf("integrate: query is missing gene %v", g)
		}
		copy(row[:nr], mr.Row(ri))
		copy(row[nr:], mq.Row(qi))
		mean := stat.Mean(row, nil)
		sd := math.Sqrt(stat.Variance(row, nil))
		for ci, v := range row {
			if sd > 0 {
				sc.Set(ci, gi, (v-mean)/sd)
			}
		}
	}
	return sc, nil
}

// FindAnchors locates mutually nearest reference/query cell pairs in a joint
// principal-component space over the shared variable features and scores each
// pair by neighborhood overlap. Anchors come back ordered by descending score,
// then reference index, then query index.
func FindAnchors(ref, query *expr.Dataset, opts Options) ([]Anchor, []string, error) {
	anchors, feats, _, e := anchorSearch(ref, query, opts.withDefaults())
	return anchors, feats, e
}

func anchorSearch(ref, query *expr.Dataset, opts Options) ([]Anchor, []string, *expr.Reduction, error) {
	feats, e := sharedFeatures(ref, query)
	if e != nil {
		return nil, nil, nil, e
	}
	sc, e := jointScaled(ref, query, opts.Assay, feats)
	if e != nil {
		return nil, nil, nil, e
	}
	red, e := pca.Compute(sc, opts.Dims)
	if e != nil {
		return nil, nil, nil, fmt.Errorf("integrate: %w", e)
	}
	nr := ref.NCells()
	refC := red.Coords[:nr]
	qC := red.Coords[nr:]

	// For each reference cell its nearest query cells, and the reverse.
	refToQ, e := neighbors.KNNQuery(qC, refC, opts.K)
	if e != nil {
		return nil, nil, nil, fmt.Errorf("integrate: %w", e)
	}
	qToRef, e := neighbors.KNNQuery(refC, qC, opts.K)
	if e != nil {
		return nil, nil, nil, fmt.Errorf("integrate: %w", e)
	}

	qHasRef := make([]map[int]bool, len(qToRef))
	for qi, ns := range qToRef {
		qHasRef[qi] = map[int]bool{}
		for _, n := range ns {
			qHasRef[qi][n.Idx] = true
		}
	}

	joint, e := neighbors.KNN(red.Coords, min(opts.KScore, len(red.Coords)-1))
	if e != nil {
		return nil, nil, nil, fmt.Errorf("integrate: %w", e)
	}

	var anchors []Anchor
	for ri, ns := range refToQ {
		for _, n := range ns {
			if qHasRef[n.Idx][ri] {
				anchors = append(anchors, Anchor{
					Ref:   ri,
					Query: n.Idx,
					Score: overlapScore(joint, ri, nr+n.Idx),
				})
			}
		}
	}
	if len(anchors) < opts.MinAnchors {
		return nil, nil, nil, InsufficientAnchorsError{Found: len(anchors), Min: opts.MinAnchors}
	}
	sort.Slice(anchors, func(i, j int) bool {
		if anchors[i].Score != anchors[j].Score {
			return anchors[i].Score > anchors[j].Score
		}
		if anchors[i].Ref != anchors[j].Ref {
			return anchors[i].Ref < anchors[j].Ref
		}
		return anchors[i].Query < anchors[j].Query
	})
	return anchors, feats, red, nil
}

// overlapScore is the Jaccard overlap of two cells' joint-space neighborhoods,
// counting each cell as its own neighbor.
func overlapScore(joint [][]neighbors.Neighbor, a, b int) float64 {
	sa := map[int]bool{a: true}
	for _, n := range joint[a] {
		sa[n.Idx] = true
	}
	inter := 0
	union := len(sa)
	seen := map[int]bool{b: true}
	if sa[b] {
		inter++
	} else {
		union++
	}
	for _, n := range joint[b] {
		if seen[n.Idx] {
			continue
		}
		seen[n.Idx] = true
		if sa[n.Idx] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
