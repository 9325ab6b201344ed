package neighbors

import (
	"fmt"

	"gonum.org/v1/gonum/graph/simple"
)

// SNNGraph re-weights the kNN relation by shared-neighbor overlap: for every
// kNN pair, the edge weight is the Jaccard similarity of the two cells'
// neighborhoods (self included). Edges below prune are dropped. The result is
// undirected with symmetric weights in [0, 1] and no self-loops; every cell
// has a node even if all its edges were pruned.
func SNNGraph(neigh [][]Neighbor, prune float64) (*simple.WeightedUndirectedGraph, error) {
	if prune < 0 || prune >= 1 {
		return nil, fmt.Errorf("snn: prune %v outside [0, 1)", prune)
	}
	n := len(neigh)
	sets := make([]map[int]bool, n)
	for i := range neigh {
		sets[i] = make(map[int]bool, len(neigh[i])+1)
		sets[i][i] = true
		for _, nb := range neigh[i] {
			sets[i][nb.Idx] = true
		}
	}

	g := simple.NewWeightedUndirectedGraph(0, 0)
	for i := 0; i < n; i++ {
		g.AddNode(simple.Node(int64(i)))
	}
	seen := map[[2]int]bool{}
	for i := 0; i < n; i++ {
		for _, nb := range neigh[i] {
			a, j := i, nb.Idx
			if j < a {
				a, j = j, a
			}
			if a == j || seen[[2]int{a, j}] {
				continue
			}
			seen[[2]int{a, j}] = true
			w := jaccard(sets[a], sets[j])
			if w < prune || w == 0 {
				continue
			}
			g.SetWeightedEdge(simple.WeightedEdge{
				F: simple.Node(int64(a)),
				T: simple.Node(int64(j)),
				W: w,
			})
		}
	}
	return g, nil
}

func jaccard(a, b map[int]bool) float64 {
	inter := 0
	for x := range a {
		if b[x] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
