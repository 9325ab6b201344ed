// Package embed projects the neighbor graph into two dimensions for
// visualization. The embedding never feeds back into clustering.
package embed

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/layout"
)

// Coords computes a 2-D coordinate per cell from the neighbor graph,
// preserving local structure via Isomap on graph shortest paths. A
// disconnected graph has no finite Isomap solution; a seeded force-directed
// layout is used there instead, so the result stays deterministic for a
// given seed.
func Coords(g graph.Graph, n int, seed uint64) ([][]float64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("embed: no cells")
	}
	if g.Node(0) == nil {
		return nil, fmt.Errorf("embed: graph is missing cell nodes")
	}

	opt := layout.NewOptimizerR2(g, layout.IsomapR2{}.Update)
	for opt.Update() {
	}
	out, ok := collect(opt, n)
	if ok {
		return out, nil
	}

	eades := layout.EadesR2{Repulsion: 1, Rate: 0.05, Updates: 100, Theta: 0.1, Src: rand.NewSource(seed)}
	opt = layout.NewOptimizerR2(g, eades.Update)
	for opt.Update() {
	}
	out, ok = collect(opt, n)
	if !ok {
		return nil, fmt.Errorf("embed: layout produced non-finite coordinates")
	}
	return out, nil
}

func collect(opt layout.OptimizerR2, n int) ([][]float64, bool) {
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		v := opt.Coord2(int64(i))
		if math.IsNaN(v.X) || math.IsNaN(v.Y) || math.IsInf(v.X, 0) || math.IsInf(v.Y, 0) {
			return nil, false
		}
		out[i] = []float64{v.X, v.Y}
	}
	return out, true
}
