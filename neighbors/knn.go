// Package neighbors builds the k-nearest-neighbor and shared-nearest-neighbor
// graphs used for clustering and embedding.
package neighbors

import (
	"fmt"
	"sort"

	"github.com/biogo/store/kdtree"
)

type cellPoint struct {
	vec kdtree.Point
	idx int
}

func (c cellPoint) Compare(o kdtree.Comparable, d kdtree.Dim) float64 {
	return c.vec[d] - o.(cellPoint).vec[d]
}
func (c cellPoint) Dims() int { return len(c.vec) }
func (c cellPoint) Distance(o kdtree.Comparable) float64 {
	return c.vec.Distance(o.(cellPoint).vec)
}

type cellPoints []cellPoint

func (p cellPoints) Index(i int) kdtree.Comparable    { return p[i] }
func (p cellPoints) Len() int                         { return len(p) }
func (p cellPoints) Slice(s, e int) kdtree.Interface  { return p[s:e] }
func (p cellPoints) Pivot(d kdtree.Dim) int           { return plane{dim: d, pts: p}.Pivot() }

type plane struct {
	dim kdtree.Dim
	pts cellPoints
}

func (p plane) Len() int           { return len(p.pts) }
func (p plane) Less(i, j int) bool { return p.pts[i].vec[p.dim] < p.pts[j].vec[p.dim] }
func (p plane) Swap(i, j int)      { p.pts[i], p.pts[j] = p.pts[j], p.pts[i] }
func (p plane) Slice(s, e int) kdtree.SortSlicer {
	p.pts = p.pts[s:e]
	return p
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

// Neighbor is one nearest-neighbor hit. Dist is the squared Euclidean
// distance the tree works in.
type Neighbor struct {
	Idx  int
	Dist float64
}

func points(coords [][]float64) cellPoints {
	pts := make(cellPoints, len(coords))
	for i, c := range coords {
		pts[i] = cellPoint{vec: kdtree.Point(c), idx: i}
	}
	return pts
}

// KNN returns, for each row of coords, its k nearest other rows ordered by
// distance with index ties broken low-first.
func KNN(coords [][]float64, k int) ([][]Neighbor, error) {
	if len(coords) == 0 {
		return nil, fmt.Errorf("knn: no points")
	}
	if k <= 0 {
		return nil, fmt.Errorf("knn: k %v <= 0", k)
	}
	if k >= len(coords) {
		k = len(coords) - 1
	}
	dims := len(coords[0])
	for i, c := range coords {
		if len(c) != dims {
			return nil, fmt.Errorf("knn: point %v has %v dims, want %v", i, len(c), dims)
		}
	}

	pts := points(coords)
	tree := kdtree.New(append(cellPoints{}, pts...), false)

	out := make([][]Neighbor, len(coords))
	for i := range pts {
		keep := kdtree.NewNKeeper(k + 1)
		tree.NearestSet(keep, pts[i])
		var ns []Neighbor
		for _, cd := range keep.Heap {
			c, ok := cd.Comparable.(cellPoint)
			if !ok || c.idx == i {
				continue
			}
			ns = append(ns, Neighbor{Idx: c.idx, Dist: cd.Dist})
		}
		sort.Slice(ns, func(a, b int) bool {
			if ns[a].Dist != ns[b].Dist {
				return ns[a].Dist < ns[b].Dist
			}
			return ns[a].Idx < ns[b].Idx
		})
		if len(ns) > k {
			ns = ns[:k]
		}
		out[i] = ns
	}
	return out, nil
}

// KNNQuery finds the k nearest rows of coords to each query row, where the
// query points are not part of the indexed set.
func KNNQuery(coords, queries [][]float64, k int) ([][]Neighbor, error) {
	if len(coords) == 0 || len(queries) == 0 {
		return nil, fmt.Errorf("knn: no points")
	}
	if k <= 0 {
		return nil, fmt.Errorf("knn: k %v <= 0", k)
	}
	if k > len(coords) {
		k = len(coords)
	}
	pts := points(coords)
	tree := kdtree.New(append(cellPoints{}, pts...), false)

	out := make([][]Neighbor, len(queries))
	for qi, q := range queries {
		keep := kdtree.NewNKeeper(k)
		tree.NearestSet(keep, cellPoint{vec: kdtree.Point(q), idx: -1})
		var ns []Neighbor
		for _, cd := range keep.Heap {
			c, ok := cd.Comparable.(cellPoint)
			if !ok {
				continue
			}
			ns = append(ns, Neighbor{Idx: c.idx, Dist: cd.Dist})
		}
		sort.Slice(ns, func(a, b int) bool {
			if ns[a].Dist != ns[b].Dist {
				return ns[a].Dist < ns[b].Dist
			}
			return ns[a].Idx < ns[b].Idx
		})
		out[qi] = ns
	}
	return out, nil
}
