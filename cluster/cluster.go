// Package cluster partitions cells by modularity-optimizing community
// detection on the shared-nearest-neighbor graph.
package cluster

import (
	"fmt"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"

	"scount/expr"
)

// Louvain assigns each of n cells a community label from modularity
// optimization at the given resolution. Labels are renumbered by descending
// community size (ties by smallest member) so the same partition always gets
// the same labels. Deterministic for a fixed seed.
func Louvain(g graph.Undirected, n int, resolution float64, seed uint64) ([]int, error) {
	if n <= 0 {
		return nil, fmt.Errorf("louvain: no cells")
	}
	if resolution <= 0 {
		return nil, fmt.Errorf("louvain: resolution %v <= 0", resolution)
	}
	r := community.Modularize(g, resolution, rand.NewSource(seed))
	comms := r.Communities()

	type comm struct {
		members []int
		min     int
	}
	cs := make([]comm, 0, len(comms))
	for _, c := range comms {
		var m comm
		m.min = n
		for _, node := range c {
			id := int(node.ID())
			if id < 0 || id >= n {
				return nil, fmt.Errorf("louvain: node %v outside cell range", id)
			}
			m.members = append(m.members, id)
			if id < m.min {
				m.min = id
			}
		}
		cs = append(cs, m)
	}
	sort.Slice(cs, func(i, j int) bool {
		if len(cs[i].members) != len(cs[j].members) {
			return len(cs[i].members) > len(cs[j].members)
		}
		return cs[i].min < cs[j].min
	})

	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}
	for label, c := range cs {
		for _, id := range c.members {
			labels[id] = label
		}
	}
	for i, l := range labels {
		if l == -1 {
			return nil, fmt.Errorf("louvain: cell %v not covered by any community", i)
		}
	}
	return labels, nil
}

// Assign writes cluster labels onto the container's metadata.
func Assign(d *expr.Dataset, labels []int) error {
	if len(labels) != len(d.Meta) {
		return fmt.Errorf("cluster.Assign: %v labels for %v cells", len(labels), len(d.Meta))
	}
	for i, l := range labels {
		if l < 0 {
			return fmt.Errorf("cluster.Assign: cell %v has negative label", i)
		}
		d.Meta[i].Cluster = l
	}
	return nil
}

// Sizes counts cells per cluster label.
func Sizes(d *expr.Dataset) map[int]int {
	out := map[int]int{}
	for i := range d.Meta {
		if d.Meta[i].Cluster >= 0 {
			out[d.Meta[i].Cluster]++
		}
	}
	return out
}

// Rename attaches human-assigned cell-type names to cluster labels.
func Rename(d *expr.Dataset, names map[int]string) error {
	sizes := Sizes(d)
	for label := range names {
		if _, ok := sizes[label]; !ok {
			return fmt.Errorf("cluster.Rename: no cluster %v", label)
		}
	}
	for i := range d.Meta {
		if name, ok := names[d.Meta[i].Cluster]; ok {
			d.Meta[i].CellType = name
		}
	}
	return nil
}
