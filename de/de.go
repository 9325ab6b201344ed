// Package de runs differential-expression tests between cell populations.
package de

import (
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"

	"scount/expr"
)

type Params struct {
	// MinPct skips genes detected in less than this fraction of both groups.
	MinPct float64
	// LogFCThreshold skips genes with a smaller absolute log2 fold change.
	LogFCThreshold float64
	// MaxCellsPerGroup caps group sizes by seeded subsampling. 0 means no cap.
	MaxCellsPerGroup int
	Seed             uint64
	Threads          int
}

// Marker is the test result for one gene: effect size, significance, and
// detection rate in each population.
type Marker struct {
	Gene   string
	Log2FC float64
	PValue float64
	PAdj   float64
	Pct1   float64
	Pct2   float64
}

const eps = 1e-9

// FindMarkers tests every passing gene of the assay between two disjoint cell
// populations with a rank-sum test. Results are ordered by adjusted p-value,
// then absolute fold change, then gene name, and are deterministic for fixed
// inputs and parameters.
func FindMarkers(d *expr.Dataset, assay string, group1, group2 []int, p Params) ([]Marker, error) {
	m, ok := d.Assays[assay]
	if !ok {
		return nil, fmt.Errorf("FindMarkers: no assay %v", assay)
	}
	if len(group1) == 0 || len(group2) == 0 {
		return nil, fmt.Errorf("FindMarkers: empty group (%v vs %v cells)", len(group1), len(group2))
	}
	seen := map[int]bool{}
	for _, ci := range append(append([]int{}, group1...), group2...) {
		if ci < 0 || ci >= len(d.Cells) {
			return nil, fmt.Errorf("FindMarkers: cell index %v out of range", ci)
		}
		if seen[ci] {
			return nil, fmt.Errorf("FindMarkers: cell %v in both groups", d.Cells[ci])
		}
		seen[ci] = true
	}

	group1 = subsample(group1, p.MaxCellsPerGroup, p.Seed)
	group2 = subsample(group2, p.MaxCellsPerGroup, p.Seed+1)

	results := make([]*Marker, m.NGenes())
	g := new(errgroup.Group)
	threads := p.Threads
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(threads)
	for gi := 0; gi < m.NGenes(); gi++ {
		gi := gi
		g.Go(func() error {
			results[gi] = testGene(m, gi, group1, group2, p)
			return nil
		})
	}
	if e := g.Wait(); e != nil {
		return nil, e
	}

	var out []Marker
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	adjustBH(out)
	sort.Slice(out, func(i, j int) bool {
		if out[i].PAdj != out[j].PAdj {
			return out[i].PAdj < out[j].PAdj
		}
		ai, aj := math.Abs(out[i].Log2FC), math.Abs(out[j].Log2FC)
		if ai != aj {
			return ai > aj
		}
		return out[i].Gene < out[j].Gene
	})
	return out, nil
}

// GroupsByCluster resolves cluster labels to cell index groups. b of -1 means
// all cells outside cluster a.
func GroupsByCluster(d *expr.Dataset, a, b int) ([]int, []int, error) {
	g1 := d.ClusterCells(a)
	if len(g1) == 0 {
		return nil, nil, fmt.Errorf("no cells in cluster %v", a)
	}
	var g2 []int
	if b == -1 {
		for i := range d.Meta {
			if d.Meta[i].Cluster != a {
				g2 = append(g2, i)
			}
		}
	} else {
		g2 = d.ClusterCells(b)
	}
	if len(g2) == 0 {
		return nil, nil, fmt.Errorf("no cells in comparison group for cluster %v", a)
	}
	return g1, g2, nil
}

func testGene(m *expr.Matrix, gi int, group1, group2 []int, p Params) *Marker {
	vals1 := gather(m, gi, group1)
	vals2 := gather(m, gi, group2)
	n1 := float64(len(vals1))
	n2 := float64(len(vals2))

	var sum1, sum2 float64
	var nnz1, nnz2 int
	for _, v := range vals1 {
		sum1 += v
		if v != 0 {
			nnz1++
		}
	}
	for _, v := range vals2 {
		sum2 += v
		if v != 0 {
			nnz2++
		}
	}
	pct1 := float64(nnz1) / n1
	pct2 := float64(nnz2) / n2
	if pct1 < p.MinPct && pct2 < p.MinPct {
		return nil
	}
	mean1 := sum1 / n1
	mean2 := sum2 / n2
	log2fc := math.Log2((mean1 + eps) / (mean2 + eps))
	if math.Abs(log2fc) < p.LogFCThreshold {
		return nil
	}

	return &Marker{
		Gene:   m.Genes[gi],
		Log2FC: log2fc,
		PValue: rankSumP(vals1, vals2),
		Pct1:   pct1,
		Pct2:   pct2,
	}
}

func gather(m *expr.Matrix, gi int, cells []int) []float64 {
	out := make([]float64, len(cells))
	for i, ci := range cells {
		out[i] = m.At(gi, ci)
	}
	return out
}

func subsample(cells []int, max int, seed uint64) []int {
	if max <= 0 || len(cells) <= max {
		return cells
	}
	rng := rand.New(rand.NewSource(seed))
	out := append([]int{}, cells...)
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	out = out[:max]
	sort.Ints(out)
	return out
}

// rankSumP is the two-sided Mann-Whitney U p-value with tie correction and a
// continuity correction, under the normal approximation.
func rankSumP(vals1, vals2 []float64) float64 {
	n1 := float64(len(vals1))
	n2 := float64(len(vals2))
	if n1 == 0 || n2 == 0 {
		return 1
	}

	type entry struct {
		val   float64
		group int
	}
	combined := make([]entry, 0, len(vals1)+len(vals2))
	for _, v := range vals1 {
		combined = append(combined, entry{v, 1})
	}
	for _, v := range vals2 {
		combined = append(combined, entry{v, 2})
	}
	sort.Slice(combined, func(i, j int) bool { return combined[i].val < combined[j].val })

	n := len(combined)
	ranks := make([]float64, n)
	tieSum := 0.0
	for i := 0; i < n; {
		j := i
		for j < n && combined[j].val == combined[i].val {
			j++
		}
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[k] = avg
		}
		if t := float64(j - i); t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}

	var r1 float64
	for i, e := range combined {
		if e.group == 1 {
			r1 += ranks[i]
		}
	}
	u1 := r1 - n1*(n1+1)/2
	u2 := n1*n2 - u1
	u := math.Min(u1, u2)

	nf := float64(n)
	sigma := math.Sqrt(n1 * n2 * ((nf + 1) - tieSum/(nf*(nf-1))) / 12)
	if sigma < 1e-10 {
		return 1
	}
	z := (u - n1*n2/2 + 0.5) / sigma
	norm := distuv.Normal{Mu: 0, Sigma: 1}
	return 2 * norm.CDF(-math.Abs(z))
}

// adjustBH fills PAdj with Benjamini-Hochberg adjusted p-values.
func adjustBH(ms []Marker) {
	n := len(ms)
	if n == 0 {
		return
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return ms[idx[i]].PValue < ms[idx[j]].PValue })
	minP := 1.0
	for i := n - 1; i >= 0; i-- {
		adj := ms[idx[i]].PValue * float64(n) / float64(i+1)
		if adj > 1 {
			adj = 1
		}
		if adj < minP {
			minP = adj
		} else {
			adj = minP
		}
		ms[idx[i]].PAdj = adj
	}
}
