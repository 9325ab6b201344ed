package pca

import (
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"

	"scount/expr"
)

type JackstrawOpts struct {
	Components int
	Replicates int
	// Frac is the fraction of genes permuted per replicate.
	Frac float64
	Seed uint64
}

// JackstrawResult holds empirical p-values per (gene, component) pair.
// Unpermuted-looking loadings get small p-values.
type JackstrawResult struct {
	Genes       []string
	GenePValues [][]float64
}

// Jackstraw permutes a fraction of genes across cells, recomputes the
// decomposition, and scores each observed loading against the permuted-gene
// loading distribution for its component. Replicates run in parallel; each
// replicate derives its own seed so the aggregate is independent of
// scheduling order.
func Jackstraw(sc *expr.Scaled, opts JackstrawOpts) (*JackstrawResult, error) {
	if sc == nil {
		return nil, fmt.Errorf("jackstraw: no scaled data")
	}
	if opts.Replicates <= 0 {
		return nil, fmt.Errorf("jackstraw: replicates %v <= 0", opts.Replicates)
	}
	if opts.Frac <= 0 || opts.Frac > 1 {
		return nil, fmt.Errorf("jackstraw: frac %v outside (0, 1]", opts.Frac)
	}

	obs, e := Compute(sc, opts.Components)
	if e != nil {
		return nil, e
	}
	ncomp := len(obs.VarExplained)
	ng := len(sc.Genes)
	nc := len(sc.Cells)
	nperm := int(float64(ng) * opts.Frac)
	if nperm < 1 {
		nperm = 1
	}

	// nulls[rep][k] collects |loading| of permuted genes for component k.
	nulls := make([][][]float64, opts.Replicates)

	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for rep := 0; rep < opts.Replicates; rep++ {
		rep := rep
		g.Go(func() error {
			rng := rand.New(rand.NewSource(opts.Seed + uint64(rep)))
			perm := &expr.Scaled{
				Genes: sc.Genes,
				Cells: sc.Cells,
				Data:  append([]float64{}, sc.Data...),
			}
			chosen := rng.Perm(ng)[:nperm]
			for _, gi := range chosen {
				order := rng.Perm(nc)
				for ci := 0; ci < nc; ci++ {
					perm.Set(ci, gi, sc.At(order[ci], gi))
				}
			}
			red, e := Compute(perm, opts.Components)
			if e != nil {
				return fmt.Errorf("jackstraw replicate %v: %w", rep, e)
			}
			null := make([][]float64, ncomp)
			for k := 0; k < ncomp && k < len(red.VarExplained); k++ {
				for _, gi := range chosen {
					null[k] = append(null[k], abs(red.Loadings[gi][k]))
				}
			}
			nulls[rep] = null
			return nil
		})
	}
	if e := g.Wait(); e != nil {
		return nil, e
	}

	// Merge replicate nulls in replicate order.
	merged := make([][]float64, ncomp)
	for rep := range nulls {
		for k := 0; k < ncomp; k++ {
			merged[k] = append(merged[k], nulls[rep][k]...)
		}
	}
	for k := range merged {
		sort.Float64s(merged[k])
	}

	res := &JackstrawResult{
		Genes:       append([]string{}, sc.Genes...),
		GenePValues: make([][]float64, ng),
	}
	for gi := 0; gi < ng; gi++ {
		res.GenePValues[gi] = make([]float64, ncomp)
		for k := 0; k < ncomp; k++ {
			res.GenePValues[gi][k] = empiricalP(merged[k], abs(obs.Loadings[gi][k]))
		}
	}
	return res, nil
}

// SignificantComponents counts the leading components where at least minFrac
// of genes score below alpha, stopping at the first failure.
func (r *JackstrawResult) SignificantComponents(alpha, minFrac float64) int {
	if len(r.GenePValues) == 0 {
		return 0
	}
	ncomp := len(r.GenePValues[0])
	for k := 0; k < ncomp; k++ {
		hits := 0
		for gi := range r.GenePValues {
			if r.GenePValues[gi][k] < alpha {
				hits++
			}
		}
		if float64(hits)/float64(len(r.GenePValues)) < minFrac {
			return k
		}
	}
	return ncomp
}

// empiricalP is the add-one estimate of P(null >= obs) over a sorted null.
func empiricalP(sortedNull []float64, obs float64) float64 {
	i := sort.SearchFloat64s(sortedNull, obs)
	ge := len(sortedNull) - i
	return float64(1+ge) / float64(1+len(sortedNull))
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
